// Package optimizer adjusts a tile cache's capacity at runtime to hold
// the observed miss rate inside a target band.
//
// The optimizer watches Access/Miss signals from the cache's call sites.
// The first signal starts a periodic sampling loop; each period it
// computes missCount/accessCount and, given a large enough sample, calls
// the shrink callback (rate below the band: over-provisioned) or the grow
// callback (rate above the band: thrashing). Counters reset every period,
// so sampling windows do not overlap. After enough consecutive idle
// periods the loop stops to avoid background work; a later signal
// restarts it.
package optimizer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPeriod is the sampling interval.
	DefaultPeriod = 200 * time.Millisecond

	// DefaultSampleThreshold is the access count a period must exceed
	// before the miss rate is evaluated. Small samples swing too wildly
	// to act on.
	DefaultSampleThreshold = 25

	// DefaultIdlePeriodMax is the number of consecutive zero-access
	// periods after which the sampling loop stops.
	DefaultIdlePeriodMax = 5
)

// Optimizer maintains a cache's miss rate within [minMissRate,
// maxMissRate] by invoking grow/shrink callbacks. Safe for concurrent
// use; Access/Miss and the sampling loop share one lock.
type Optimizer struct {
	minMissRate float64
	maxMissRate float64
	grow        func() error
	shrink      func() error

	period          time.Duration
	sampleThreshold int
	idleMax         int
	onError         func(error)
	logger          *slog.Logger

	mu          sync.Mutex
	accessCount int
	missCount   int
	idlePeriods int
	stopCh      chan struct{}
	running     bool
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithPeriod sets the sampling interval.
func WithPeriod(d time.Duration) Option {
	return func(o *Optimizer) { o.period = d }
}

// WithSampleThreshold sets the access count a period must exceed before
// the miss rate is acted on.
func WithSampleThreshold(n int) Option {
	return func(o *Optimizer) { o.sampleThreshold = n }
}

// WithIdlePeriodMax sets how many consecutive idle periods stop the loop.
func WithIdlePeriodMax(n int) Option {
	return func(o *Optimizer) { o.idleMax = n }
}

// WithErrorHandler sets the handler for grow/shrink callback errors. The
// default logs a warning.
func WithErrorHandler(fn func(error)) Option {
	return func(o *Optimizer) { o.onError = fn }
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// New creates an optimizer. Rates must satisfy 0 <= min < max <= 1 and
// both callbacks must be non-nil. Callbacks run on the sampling
// goroutine and must not call back into the optimizer's signal methods.
func New(minMissRate, maxMissRate float64, grow, shrink func() error, opts ...Option) (*Optimizer, error) {
	if minMissRate < 0 || maxMissRate > 1 || minMissRate >= maxMissRate {
		return nil, fmt.Errorf("optimizer: invalid miss rate band [%v, %v]", minMissRate, maxMissRate)
	}
	if grow == nil || shrink == nil {
		return nil, fmt.Errorf("optimizer: grow and shrink callbacks are required")
	}

	o := &Optimizer{
		minMissRate:     minMissRate,
		maxMissRate:     maxMissRate,
		grow:            grow,
		shrink:          shrink,
		period:          DefaultPeriod,
		sampleThreshold: DefaultSampleThreshold,
		idleMax:         DefaultIdlePeriodMax,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onError == nil {
		o.onError = func(err error) {
			o.logger.Warn("cache resize failed", "error", err)
		}
	}
	return o, nil
}

// Access signals that the cache was accessed (hit or miss). Starts the
// sampling loop if it is stopped.
func (o *Optimizer) Access() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		o.startLocked()
	}
	o.accessCount++
}

// Miss signals that the cache access was a miss.
func (o *Optimizer) Miss() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		o.startLocked()
	}
	o.missCount++
}

// Running reports whether the sampling loop is active.
func (o *Optimizer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Stop halts the sampling loop. Signals received later restart it.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.stopLocked()
	}
}

func (o *Optimizer) startLocked() {
	o.running = true
	o.idlePeriods = 0
	o.stopCh = make(chan struct{})
	go o.loop(o.stopCh)
}

func (o *Optimizer) stopLocked() {
	o.running = false
	o.idlePeriods = 0
	close(o.stopCh)
	o.stopCh = nil
}

func (o *Optimizer) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(o.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if fn := o.checkMissRate(); fn != nil {
				if err := fn(); err != nil {
					o.onError(err)
				}
			}
		case <-stopCh:
			return
		}
	}
}

// checkMissRate evaluates one sampling period and returns the resize
// callback to run, if any. The callback is invoked outside the lock.
func (o *Optimizer) checkMissRate() func() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var fn func() error
	if o.accessCount > 0 {
		if o.accessCount > o.sampleThreshold {
			missRate := float64(o.missCount) / float64(o.accessCount)
			o.logger.Debug("cache miss rate sampled",
				"accesses", o.accessCount,
				"misses", o.missCount,
				"rate", missRate,
			)
			if missRate < o.minMissRate {
				fn = o.shrink
			} else if missRate > o.maxMissRate {
				fn = o.grow
			}
		}
		o.idlePeriods = 0
	} else {
		o.idlePeriods++
	}

	o.accessCount = 0
	o.missCount = 0

	if o.idlePeriods > o.idleMax && o.running {
		o.stopLocked()
	}
	return fn
}
