package gridcache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAccess is called once per tile lookup, fast-path hits
	// included. hit reports whether the tile was already resident.
	RecordAccess(hit bool)

	// RecordTileRead is called after each backend tile read.
	// duration is the time taken, err is nil if successful.
	RecordTileRead(duration time.Duration, err error)

	// RecordTileWrite is called after each backend tile write-back.
	RecordTileWrite(duration time.Duration, err error)

	// RecordEviction is called after each cache eviction.
	RecordEviction()

	// RecordResize is called after the cache's tile capacity changes.
	// maxTiles is the new capacity.
	RecordResize(maxTiles int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAccess(bool)                    {}
func (NoopMetricsCollector) RecordTileRead(time.Duration, error)  {}
func (NoopMetricsCollector) RecordTileWrite(time.Duration, error) {}
func (NoopMetricsCollector) RecordEviction()                      {}
func (NoopMetricsCollector) RecordResize(int)                     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AccessCount     atomic.Int64
	MissCount       atomic.Int64
	ReadCount       atomic.Int64
	ReadErrors      atomic.Int64
	ReadTotalNanos  atomic.Int64
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteTotalNanos atomic.Int64
	EvictionCount   atomic.Int64
	ResizeCount     atomic.Int64
	LastMaxTiles    atomic.Int64
}

// RecordAccess implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAccess(hit bool) {
	b.AccessCount.Add(1)
	if !hit {
		b.MissCount.Add(1)
	}
}

// RecordTileRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTileRead(duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordTileWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTileWrite(duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction() {
	b.EvictionCount.Add(1)
}

// RecordResize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordResize(maxTiles int) {
	b.ResizeCount.Add(1)
	b.LastMaxTiles.Store(int64(maxTiles))
}

// BasicMetricsStats is a point-in-time snapshot of collected metrics.
type BasicMetricsStats struct {
	AccessCount   int64
	MissCount     int64
	MissRate      float64
	ReadCount     int64
	ReadErrors    int64
	ReadAvgNanos  int64
	WriteCount    int64
	WriteErrors   int64
	WriteAvgNanos int64
	EvictionCount int64
	ResizeCount   int64
	LastMaxTiles  int64
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	stats := BasicMetricsStats{
		AccessCount:   b.AccessCount.Load(),
		MissCount:     b.MissCount.Load(),
		ReadCount:     b.ReadCount.Load(),
		ReadErrors:    b.ReadErrors.Load(),
		WriteCount:    b.WriteCount.Load(),
		WriteErrors:   b.WriteErrors.Load(),
		EvictionCount: b.EvictionCount.Load(),
		ResizeCount:   b.ResizeCount.Load(),
		LastMaxTiles:  b.LastMaxTiles.Load(),
	}
	if stats.AccessCount > 0 {
		stats.MissRate = float64(stats.MissCount) / float64(stats.AccessCount)
	}
	if stats.ReadCount > 0 {
		stats.ReadAvgNanos = b.ReadTotalNanos.Load() / stats.ReadCount
	}
	if stats.WriteCount > 0 {
		stats.WriteAvgNanos = b.WriteTotalNanos.Load() / stats.WriteCount
	}
	return stats
}
