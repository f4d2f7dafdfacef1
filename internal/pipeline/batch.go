// Package pipeline drives one input file through ingestion, classification,
// persistence and enrichment to a terminal batch status.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/buffer"
	"github.com/sells-group/payee-cli/internal/classify"
	"github.com/sells-group/payee-cli/internal/enrich"
	"github.com/sells-group/payee-cli/internal/ingest"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

// ErrNotRunning is returned by Cancel for a batch this process is not running.
var ErrNotRunning = eris.New("pipeline: batch not running")

// Config carries the buffer bounds and the memory budget they adapt to.
type Config struct {
	Buffer       buffer.Config
	MemoryBudget uint64
}

// Job describes one file to process.
type Job struct {
	Path    string
	Ingest  ingest.Options
	Modules enrich.Options
}

// Runner owns the per-batch flow and the registry of in-flight batches.
type Runner struct {
	store        store.Store
	classifier   *classify.Classifier
	orchestrator *enrich.Orchestrator
	cfg          Config
	metrics      *metrics.Metrics
	running      *registry
	wg           sync.WaitGroup
	log          *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, cl *classify.Classifier, orch *enrich.Orchestrator, cfg Config, m *metrics.Metrics) *Runner {
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = 1 << 30
	}
	return &Runner{
		store:        st,
		classifier:   cl,
		orchestrator: orch,
		cfg:          cfg,
		metrics:      m,
		running:      newRegistry(),
		log:          zap.L().With(zap.String("component", "pipeline")),
	}
}

// Run creates a batch for job and processes it to a terminal status. The
// returned batch is the final persisted state; the error is non-nil when the
// batch failed or was cancelled.
func (r *Runner) Run(ctx context.Context, job Job) (*model.Batch, error) {
	b, err := r.store.CreateBatch(ctx, filepath.Base(job.Path))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create batch")
	}
	return r.runBatch(ctx, b.ID, job)
}

// Submit creates the batch and processes it in the background. Wait blocks
// until every submitted batch has finished.
func (r *Runner) Submit(ctx context.Context, job Job) (string, error) {
	b, err := r.store.CreateBatch(ctx, filepath.Base(job.Path))
	if err != nil {
		return "", eris.Wrap(err, "pipeline: create batch")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.runBatch(context.WithoutCancel(ctx), b.ID, job); err != nil {
			r.log.Warn("pipeline: submitted batch ended with error", zap.String("batch_id", b.ID), zap.Error(err))
		}
	}()
	return b.ID, nil
}

// Enrich re-runs the enrichment modules over an existing batch.
func (r *Runner) Enrich(ctx context.Context, batchID string, opts enrich.Options) (*model.Batch, error) {
	ctx, release := r.running.track(ctx, batchID)
	defer release()

	err := r.orchestrator.Run(ctx, batchID, opts)
	b, gerr := r.store.GetBatch(context.WithoutCancel(ctx), batchID)
	if gerr != nil {
		return nil, eris.Wrap(gerr, "pipeline: reload batch")
	}
	return b, err
}

// Cancel signals an in-flight batch. The batch acknowledges at its next
// chunk or row boundary and ends cancelled.
func (r *Runner) Cancel(batchID string) error {
	if !r.running.stop(batchID) {
		return eris.Wrapf(ErrNotRunning, "batch %s", batchID)
	}
	r.log.Info("pipeline: cancel requested", zap.String("batch_id", batchID))
	return nil
}

// Running lists the ids of batches in flight in this process.
func (r *Runner) Running() []string {
	ids := r.running.active()
	sort.Strings(ids)
	return ids
}

// Wait blocks until all submitted batches finish.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runBatch(ctx context.Context, batchID string, job Job) (*model.Batch, error) {
	ctx, release := r.running.track(ctx, batchID)
	defer release()

	persist := context.WithoutCancel(ctx)
	log := r.log.With(zap.String("batch_id", batchID), zap.String("file", job.Path))
	start := time.Now()

	err := r.process(ctx, persist, log, batchID, job)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.setStatus(persist, log, batchID, model.BatchStatusCancelled, "")
	default:
		r.setStatus(persist, log, batchID, model.BatchStatusFailed, err.Error())
	}

	b, gerr := r.store.GetBatch(persist, batchID)
	if gerr != nil {
		return nil, eris.Wrap(gerr, "pipeline: reload batch")
	}
	stats := r.classifier.Stats()
	log.Info("pipeline: batch finished",
		zap.String("status", string(b.Status)),
		zap.Int("total", b.TotalRecords),
		zap.Int("processed", b.ProcessedRecords),
		zap.Int64("api_calls", stats.APICalls),
		zap.Int64("api_calls_avoided", stats.APICallsAvoided),
		zap.Duration("elapsed", time.Since(start)),
	)
	return b, err
}

// process runs ingest and classification, then hands the batch to the
// orchestrator. Errors before enrichment are input or persistence failures.
func (r *Runner) process(ctx, persist context.Context, log *zap.Logger, batchID string, job Job) error {
	if err := r.store.SetBatchStatus(persist, batchID, model.BatchStatusProcessing, ""); err != nil {
		return eris.Wrap(err, "pipeline: mark processing")
	}

	rd, err := ingest.Open(job.Path, job.Ingest)
	if err != nil {
		return err
	}
	total, err := rd.Count(ctx)
	if err != nil {
		return err
	}
	if err := r.store.SetTotalRecords(persist, batchID, total); err != nil {
		return eris.Wrap(err, "pipeline: set total")
	}
	log.Info("pipeline: ingest started", zap.Int("total", total), zap.Int("name_column", rd.Columns().Name))

	buf := buffer.New(r.cfg.Buffer, r.flusher(persist, batchID),
		buffer.WithMemoryReader(buffer.RuntimeMemory{Budget: r.cfg.MemoryBudget}),
		buffer.WithAdjustHook(func(p buffer.Params) {
			r.metrics.Buffer(int(p.Band), p.BatchSize, p.Concurrency)
		}),
	)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go buf.Watch(watchCtx)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	rows, errs := rd.Stream(streamCtx)
	for row := range rows {
		if err := buf.Add(ctx, row); err != nil {
			stopStream()
			for range rows {
			}
			return err
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	if err := buf.Flush(ctx); err != nil {
		return err
	}
	stopWatch()

	return r.orchestrator.Run(ctx, batchID, job.Modules)
}

// flusher classifies and persists one buffered chunk. Records are written
// only after classification succeeds for the whole chunk.
func (r *Runner) flusher(persist context.Context, batchID string) buffer.FlushFunc[model.Row] {
	return func(ctx context.Context, rows []model.Row, concurrency int) error {
		results, err := r.classifier.ClassifyBatch(ctx, rows, concurrency)
		if err != nil {
			return err
		}
		recs := make([]model.ClassificationRecord, len(results))
		for i, res := range results {
			recs[i] = res.Record(batchID)
		}
		if err := r.store.InsertRecords(persist, recs); err != nil {
			return eris.Wrap(err, "pipeline: insert records")
		}
		r.metrics.Persisted(len(recs))
		if err := r.store.IncrementProcessed(persist, batchID, len(recs)); err != nil {
			return eris.Wrap(err, "pipeline: increment processed")
		}
		return nil
	}
}

func (r *Runner) setStatus(ctx context.Context, log *zap.Logger, batchID string, status model.BatchStatus, msg string) {
	if err := r.store.SetBatchStatus(ctx, batchID, status, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("pipeline: set batch status", zap.String("status", string(status)), zap.Error(err))
		return
	}
	log.Warn("pipeline: batch ended early", zap.String("status", string(status)), zap.String("reason", msg))
}
