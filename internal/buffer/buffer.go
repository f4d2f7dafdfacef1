// Package buffer accumulates streamed records into batches whose size and
// processing concurrency follow the process's memory pressure.
package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config bounds the adaptive knobs.
type Config struct {
	MinBatch       int
	MaxBatch       int
	MinConcurrency int
	MaxConcurrency int
	AdjustInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBatch <= 0 {
		c.MinBatch = 10
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = c.MinBatch
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = 2 * time.Second
	}
	return c
}

// Params is the current pacing chosen for a band.
type Params struct {
	Band        Band
	BatchSize   int
	Concurrency int
}

// FlushFunc processes one batch with the given worker count.
type FlushFunc[T any] func(ctx context.Context, items []T, concurrency int) error

// Option configures a Buffer.
type Option func(*options)

type options struct {
	mem      MemoryReader
	reclaim  func()
	now      func() time.Time
	onAdjust func(Params)
	ticks    <-chan time.Time
}

// WithMemoryReader overrides the memory source.
func WithMemoryReader(m MemoryReader) Option {
	return func(o *options) { o.mem = m }
}

// WithReclaim sets the function called on entering the critical band.
func WithReclaim(fn func()) Option {
	return func(o *options) { o.reclaim = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTicks replaces the interval ticker used by Watch.
func WithTicks(c <-chan time.Time) Option {
	return func(o *options) { o.ticks = c }
}

// WithAdjustHook is called with the new Params after every re-evaluation.
func WithAdjustHook(fn func(Params)) Option {
	return func(o *options) { o.onAdjust = fn }
}

// Buffer collects items and hands them to a FlushFunc in adaptive batches.
// It never drops items; pressure only changes pacing.
type Buffer[T any] struct {
	cfg   Config
	flush FlushFunc[T]
	opts  options
	log   *zap.Logger

	mu         sync.Mutex
	items      []T
	params     Params
	lastAdjust time.Time
}

// New creates a Buffer and takes an initial memory reading.
func New[T any](cfg Config, flush FlushFunc[T], opts ...Option) *Buffer[T] {
	o := options{
		mem:     RuntimeMemory{Budget: 1 << 30},
		reclaim: Reclaim,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Buffer[T]{
		cfg:   cfg.withDefaults(),
		flush: flush,
		opts:  o,
		log:   zap.L().With(zap.String("component", "buffer")),
	}
	b.mu.Lock()
	b.adjustLocked()
	b.mu.Unlock()
	return b
}

// Params returns the current pacing.
func (b *Buffer[T]) Params() Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Add buffers item and flushes when the current batch size is reached. A
// stale reading is refreshed here as well so pacing stays current when no
// Watch loop runs.
func (b *Buffer[T]) Add(ctx context.Context, item T) error {
	b.mu.Lock()
	if b.opts.now().Sub(b.lastAdjust) >= b.cfg.AdjustInterval {
		b.adjustLocked()
	}
	b.items = append(b.items, item)
	if len(b.items) < b.params.BatchSize {
		b.mu.Unlock()
		return nil
	}
	items, conc := b.takeLocked()
	b.mu.Unlock()

	return b.flush(ctx, items, conc)
}

// Flush hands any remaining items to the FlushFunc.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return nil
	}
	items, conc := b.takeLocked()
	b.mu.Unlock()

	return b.flush(ctx, items, conc)
}

// Adjust re-reads memory pressure immediately.
func (b *Buffer[T]) Adjust() Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjustLocked()
	return b.params
}

// Watch re-reads memory pressure every AdjustInterval until ctx is done, so
// pacing tracks memory while Add is blocked in a long flush or the stream
// is idle.
func (b *Buffer[T]) Watch(ctx context.Context) {
	ticks := b.opts.ticks
	if ticks == nil {
		t := time.NewTicker(b.cfg.AdjustInterval)
		defer t.Stop()
		ticks = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			b.Adjust()
		}
	}
}

func (b *Buffer[T]) takeLocked() ([]T, int) {
	items := b.items
	b.items = make([]T, 0, b.params.BatchSize)
	return items, b.params.Concurrency
}

func (b *Buffer[T]) adjustLocked() {
	b.lastAdjust = b.opts.now()

	used, budget := b.opts.mem.Usage()
	ratio := 0.0
	if budget > 0 {
		ratio = float64(used) / float64(budget)
	}
	band := BandFor(ratio)
	next := paramsFor(b.cfg, band)

	if band == BandCritical && b.params.Band != BandCritical && b.opts.reclaim != nil {
		b.log.Warn("buffer: critical memory pressure, reclaiming",
			zap.Uint64("heap_bytes", used),
			zap.Uint64("budget_bytes", budget),
		)
		b.opts.reclaim()
	}
	if next != b.params {
		b.log.Debug("buffer: pacing adjusted",
			zap.String("band", band.String()),
			zap.Int("batch_size", next.BatchSize),
			zap.Int("concurrency", next.Concurrency),
		)
	}
	b.params = next
	if b.opts.onAdjust != nil {
		b.opts.onAdjust(next)
	}
}

// bandScale is the share of the min..max range granted per band.
var bandScale = map[Band]float64{
	BandLow:      1.0,
	BandMedium:   0.6,
	BandHigh:     0.3,
	BandCritical: 0,
}

func paramsFor(cfg Config, band Band) Params {
	s := bandScale[band]
	return Params{
		Band:        band,
		BatchSize:   cfg.MinBatch + int(float64(cfg.MaxBatch-cfg.MinBatch)*s),
		Concurrency: cfg.MinConcurrency + int(float64(cfg.MaxConcurrency-cfg.MinConcurrency)*s),
	}
}
