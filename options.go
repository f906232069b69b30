package gridcache

import (
	"github.com/hupe1980/gridcache/resource"
)

type options struct {
	tileRows, tileCols int
	tileSizeBytes      int
	cacheSizeBytes     int
	optimizedCacheSize int
	maxTiles           int
	dynamic            bool
	minMissRate        float64
	maxMissRate        float64
	logger             *Logger
	metricsCollector   MetricsCollector
	resourceController *resource.Controller
}

// Option configures Grid construction.
//
// Sizing options are applied in a fixed order regardless of argument
// order: tile geometry first (WithTileDims or WithTileSize), then the
// cache budget (WithCacheSize, WithOptimizedCacheSize or WithMaxTiles).
type Option func(*options)

// WithTileDims sets explicit tile dimensions, overriding both the
// default and any native chunking reported by the backend.
func WithTileDims(rows, cols int) Option {
	return func(o *options) {
		o.tileRows = rows
		o.tileCols = cols
	}
}

// WithTileSize sets a per-tile byte budget. The grid uses the largest
// roughly-square tile whose buffer fits the budget.
func WithTileSize(bytes int) Option {
	return func(o *options) {
		o.tileSizeBytes = bytes
	}
}

// WithCacheSize sets a total cache byte budget. The tile capacity is
// the number of full tiles that fit the budget, at least 1.
func WithCacheSize(bytes int) Option {
	return func(o *options) {
		o.cacheSizeBytes = bytes
	}
}

// WithOptimizedCacheSize sets a total cache byte budget like
// WithCacheSize, but additionally raises the tile capacity so the cache
// can hold one full row of tiles. This avoids pathological thrashing on
// row-major scans.
func WithOptimizedCacheSize(bytes int) Option {
	return func(o *options) {
		o.optimizedCacheSize = bytes
	}
}

// WithMaxTiles sets the tile capacity directly, clamped to >= 1.
func WithMaxTiles(n int) Option {
	return func(o *options) {
		o.maxTiles = n
	}
}

// WithDynamic enables dynamic cache sizing with the given target miss
// rate band. While enabled, explicit sizing setters are rejected.
func WithDynamic(minMissRate, maxMissRate float64) Option {
	return func(o *options) {
		o.dynamic = true
		o.minMissRate = minMissRate
		o.maxMissRate = maxMissRate
	}
}

// WithLogger sets the logger. If nil is passed, a noop logger is used.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector.
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *options) {
		if collector == nil {
			collector = NoopMetricsCollector{}
		}
		o.metricsCollector = collector
	}
}

// WithResourceController tracks resident tile memory through the given
// controller. With a hard memory limit configured, the grid evicts down
// to the limit before inserting, but never below one resident tile.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resourceController = rc
	}
}
