// Package watchdog forces stalled enrichment state to terminal outcomes.
package watchdog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

// Config holds the sweep interval and the two staleness timeouts.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	ProgressTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Minute
	}
	if c.ProgressTimeout <= 0 {
		c.ProgressTimeout = 30 * time.Minute
	}
	return c
}

const (
	reasonHeartbeat = "watchdog: heartbeat timeout"
	reasonProgress  = "watchdog: progress timeout"
	reasonNoModules = "watchdog: stalled before enrichment"
)

// Report summarizes one sweep.
type Report struct {
	StaleRows     int
	ForcedBatches int
	ForcedModules int
	FailedBatches int
	PurgedRecords int
}

// Watchdog runs the sweeps against a store.
type Watchdog struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// New creates a Watchdog.
func New(st store.Store, cfg Config, m *metrics.Metrics, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:   st,
		cfg:     cfg.withDefaults(),
		metrics: m,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "watchdog")),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run sweeps once immediately and then on every interval. It blocks until
// ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Info("starting watchdog",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("heartbeat_timeout", w.cfg.HeartbeatTimeout),
		zap.Duration("progress_timeout", w.cfg.ProgressTimeout),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("watchdog: sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs the row, batch and orphan sweeps in that order. Each sweep
// only touches state older than its timeout, so it is safe alongside live
// processing. A failing sweep does not prevent the others from running.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	now := w.now()

	n, err := w.store.FailStaleRows(ctx, now.Add(-w.cfg.HeartbeatTimeout), reasonHeartbeat)
	if err != nil {
		errs = append(errs, eris.Wrap(err, "watchdog: stale rows"))
	}
	rep.StaleRows = n
	w.metrics.WatchdogForce("rows", n)

	if err := w.sweepBatches(ctx, now, &rep); err != nil {
		errs = append(errs, err)
	}

	purged, err := w.store.PurgeOrphanRecords(ctx)
	if err != nil {
		errs = append(errs, eris.Wrap(err, "watchdog: purge orphans"))
	}
	rep.PurgedRecords = purged
	w.metrics.WatchdogForce("orphans", purged)

	if rep != (Report{}) {
		w.log.Info("watchdog: sweep forced state",
			zap.Int("stale_rows", rep.StaleRows),
			zap.Int("forced_batches", rep.ForcedBatches),
			zap.Int("forced_modules", rep.ForcedModules),
			zap.Int("failed_batches", rep.FailedBatches),
			zap.Int("purged_records", rep.PurgedRecords),
		)
	}
	if len(errs) > 0 {
		return rep, eris.Wrapf(errs[0], "watchdog: %d sweep(s) failed", len(errs))
	}
	return rep, nil
}

// sweepBatches drives every stale batch to a terminal status. Modules still
// pending or processing are failed first so the batch never completes with
// a non-terminal module.
func (w *Watchdog) sweepBatches(ctx context.Context, now time.Time, rep *Report) error {
	stale, err := w.store.ListStaleBatches(ctx, now.Add(-w.cfg.ProgressTimeout))
	if err != nil {
		return eris.Wrap(err, "watchdog: list stale batches")
	}

	for _, b := range stale {
		log := w.log.With(zap.String("batch_id", b.ID), zap.String("status", string(b.Status)))

		if len(b.Modules) == 0 {
			if err := w.store.SetBatchStatus(ctx, b.ID, model.BatchStatusFailed, reasonNoModules); err != nil {
				log.Error("watchdog: fail batch", zap.Error(err))
				continue
			}
			rep.FailedBatches++
			w.metrics.WatchdogForce("batches", 1)
			log.Warn("watchdog: batch failed", zap.String("reason", reasonNoModules))
			continue
		}

		for name, st := range b.Modules {
			if st.Status.Terminal() {
				continue
			}
			if err := w.store.SetModuleStatus(ctx, b.ID, name, model.ModuleStatusFailed, reasonProgress); err != nil {
				log.Error("watchdog: fail module", zap.String("module", string(name)), zap.Error(err))
				continue
			}
			rep.ForcedModules++
			w.metrics.ModuleTransition(string(name), string(model.ModuleStatusFailed))
			log.Warn("watchdog: module forced to failed",
				zap.String("module", string(name)),
				zap.String("was", string(st.Status)),
			)
		}

		if err := w.store.SetBatchStatus(ctx, b.ID, model.BatchStatusCompleted, ""); err != nil {
			log.Error("watchdog: complete batch", zap.Error(err))
			continue
		}
		rep.ForcedBatches++
		w.metrics.WatchdogForce("batches", 1)
		log.Warn("watchdog: batch forced to completed")
	}
	return nil
}
