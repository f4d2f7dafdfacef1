package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

// RunnerConfig sizes the per-module row fan-out.
type RunnerConfig struct {
	ChunkSize   int
	Concurrency int
	RowTimeout  time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = 30 * time.Second
	}
	return c
}

// Outcome is a row handler's verdict.
type Outcome struct {
	Status model.RowStatus
	Reason string
}

// Completed is the common successful outcome.
var Completed = Outcome{Status: model.RowStatusCompleted}

// Skip returns a skipped outcome with reason.
func Skip(reason string) Outcome {
	return Outcome{Status: model.RowStatusSkipped, Reason: reason}
}

// RowTask is what a module plugs into the Runner.
type RowTask struct {
	Module model.ModuleName
	// Handle enriches one record and persists its output. An error marks the
	// row failed; Handle should already have written any degraded output.
	Handle func(ctx context.Context, rec model.ClassificationRecord) (Outcome, error)
	// Degrade persists the placeholder output for a row that was excluded or
	// timed out, so every row carries a resolved outcome. Optional.
	Degrade func(ctx context.Context, rec model.ClassificationRecord, timedOut bool, reason string) error
}

// Runner pages through a batch's records and applies a RowTask with bounded
// concurrency, a per-row timeout and progress updates after each chunk.
type Runner struct {
	store   store.Store
	cfg     RunnerConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, cfg RunnerConfig, m *metrics.Metrics) *Runner {
	return &Runner{
		store:   st,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     zap.L().With(zap.String("component", "enrich.runner")),
	}
}

// Run applies task to every record of batchID. Cancellation is honored
// between chunks and before each row starts; a row already in flight runs to
// completion or to its own timeout.
func (r *Runner) Run(ctx context.Context, batchID string, task RowTask) (Result, error) {
	log := r.log.With(zap.String("batch_id", batchID), zap.String("module", string(task.Module)))
	persist := context.WithoutCancel(ctx)

	var total Result
	after := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, eris.Wrap(err, "enrich: cancelled between chunks")
		}
		recs, err := r.store.ListRecords(persist, batchID, after, r.cfg.ChunkSize)
		if err != nil {
			return total, eris.Wrapf(err, "enrich: list records for %s", task.Module)
		}
		if len(recs) == 0 {
			break
		}
		after = recs[len(recs)-1].RowIndex

		chunk := r.runChunk(ctx, persist, batchID, task, recs)
		total.Processed += chunk.Processed
		total.Succeeded += chunk.Succeeded
		total.Failed += chunk.Failed
		total.Skipped += chunk.Skipped

		if err := r.store.IncrementModuleProgress(persist, batchID, task.Module, store.ModuleProgress{
			Processed: chunk.Processed,
			Succeeded: chunk.Succeeded + chunk.Skipped,
			Failed:    chunk.Failed,
		}); err != nil {
			log.Warn("enrich: progress update failed", zap.Error(err))
		}
		log.Debug("enrich: chunk done",
			zap.Int("rows", len(recs)),
			zap.Int("processed", total.Processed),
			zap.Int("failed", total.Failed),
		)

		if len(recs) < r.cfg.ChunkSize {
			break
		}
	}
	return total, nil
}

func (r *Runner) runChunk(ctx, persist context.Context, batchID string, task RowTask, recs []model.ClassificationRecord) Result {
	var (
		mu  sync.Mutex
		res Result
	)
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out := r.runRow(persist, batchID, task, rec)

			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			switch out.Status {
			case model.RowStatusCompleted:
				res.Succeeded++
			case model.RowStatusSkipped:
				res.Skipped++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// runRow processes one record under the row timeout. It is detached from
// batch cancellation; the caller checks cancellation before starting it.
func (r *Runner) runRow(persist context.Context, batchID string, task RowTask, rec model.ClassificationRecord) Outcome {
	log := r.log.With(zap.String("batch_id", batchID), zap.String("module", string(task.Module)), zap.String("record_id", rec.ID))
	setStatus := func(out Outcome) {
		if err := r.store.SetRowStatus(persist, model.RowEnrichment{
			RecordID: rec.ID, BatchID: batchID, Module: task.Module, Status: out.Status, Reason: out.Reason,
		}); err != nil {
			log.Warn("enrich: set row status failed", zap.Error(err))
		}
		r.metrics.RowOutcome(string(task.Module), string(out.Status))
	}

	if rec.Excluded {
		out := Skip("excluded: " + rec.ExclusionKeyword)
		r.degrade(persist, log, task, rec, false, out.Reason)
		setStatus(out)
		return out
	}

	setStatus(Outcome{Status: model.RowStatusInProgress})

	rowCtx, cancel := context.WithTimeout(persist, r.cfg.RowTimeout)
	defer cancel()

	// A handler that ignores its context is abandoned at the timeout.
	type handled struct {
		out Outcome
		err error
	}
	done := make(chan handled, 1)
	go func() {
		out, err := r.handle(rowCtx, task, rec)
		done <- handled{out, err}
	}()

	var (
		out Outcome
		err error
	)
	select {
	case h := <-done:
		out, err = h.out, h.err
	case <-rowCtx.Done():
		err = rowCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(rowCtx.Err(), context.DeadlineExceeded):
		out = Skip("row timeout")
		log.Warn("enrich: row timed out", zap.Duration("timeout", r.cfg.RowTimeout))
		r.degrade(persist, log, task, rec, true, out.Reason)
	default:
		out = Outcome{Status: model.RowStatusFailed, Reason: err.Error()}
		log.Debug("enrich: row failed", zap.Error(err))
	}
	if out.Status == "" {
		out = Completed
	}
	setStatus(out)
	return out
}

// handle runs the task, converting a panic into a row failure.
func (r *Runner) handle(ctx context.Context, task RowTask, rec model.ClassificationRecord) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("enrich: %s panicked: %v", task.Module, p)
		}
	}()
	return task.Handle(ctx, rec)
}

func (r *Runner) degrade(ctx context.Context, log *zap.Logger, task RowTask, rec model.ClassificationRecord, timedOut bool, reason string) {
	if task.Degrade == nil {
		return
	}
	if err := task.Degrade(ctx, rec, timedOut, reason); err != nil {
		log.Warn("enrich: degrade write failed", zap.Error(err))
	}
}
