package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/payee-cli/internal/buffer"
	"github.com/sells-group/payee-cli/internal/classify"
	"github.com/sells-group/payee-cli/internal/enrich"
	"github.com/sells-group/payee-cli/internal/ingest"
	"github.com/sells-group/payee-cli/internal/match"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

const payeesCSV = "Payee,City,State,Amount\nFedEx,Memphis,TN,$12.50\nJohn Smith,Austin,TX,40\nPayroll Run 12,,,\n"

type fakeMatcher struct{}

func (fakeMatcher) Match(_ context.Context, q match.Query) (model.MatchResult, error) {
	return model.MatchResult{Matched: true, EntityID: "e-" + q.Name, Confidence: 1, Method: model.MatchMethodExact}, nil
}

// blockingModule cancels its own batch and waits for the signal.
type blockingModule struct {
	cancel func(batchID string) error
}

func (blockingModule) Name() model.ModuleName { return model.ModulePredictive }
func (blockingModule) Order() int             { return enrich.OrderPredictive }
func (b blockingModule) Execute(ctx context.Context, batchID string, _ enrich.Options) (enrich.Result, error) {
	if err := b.cancel(batchID); err != nil {
		return enrich.Result{}, err
	}
	<-ctx.Done()
	return enrich.Result{}, ctx.Err()
}

type fixture struct {
	store  *store.SQLiteStore
	runner *Runner
	dir    string
}

func newFixture(t *testing.T, extra ...enrich.Module) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	rules, err := classify.DefaultRules()
	require.NoError(t, err)
	cl := classify.New(classify.Config{}, rules, classify.Deps{})

	er := enrich.NewRunner(st, enrich.RunnerConfig{ChunkSize: 2}, nil)
	mods := append([]enrich.Module{enrich.NewMatchingModule(er, st, fakeMatcher{})}, extra...)
	orch := enrich.NewOrchestrator(st, nil, mods...)

	cfg := Config{Buffer: buffer.Config{MinBatch: 2, MaxBatch: 2, MinConcurrency: 2, MaxConcurrency: 2}}
	return &fixture{store: st, runner: NewRunner(st, cl, orch, cfg, nil), dir: dir}
}

func (f *fixture) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestRun_CompletesBatch(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "payees.csv", payeesCSV)

	b, err := f.runner.Run(context.Background(), Job{Path: path, Modules: enrich.AllEnabled()})
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.Equal(t, "payees.csv", b.FileName)
	assert.Equal(t, 3, b.TotalRecords)
	assert.Equal(t, 3, b.ProcessedRecords)
	assert.InDelta(t, 100.0, b.Progress(), 1e-9)
	assert.Equal(t, model.ModuleStatusCompleted, b.Modules[model.ModuleMatching].Status)
	assert.Equal(t, model.ModuleStatusSkipped, b.Modules[model.ModuleCardNetwork].Status)

	recs, err := f.store.ListRecords(context.Background(), b.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "FedEx", recs[0].OriginalName)
	assert.Equal(t, model.CategoryBusiness, recs[0].Category)
	assert.Equal(t, model.StagePattern, recs[0].Stage)
	assert.Equal(t, "$12.50", recs[0].Extra["amount"])
	require.NotNil(t, recs[0].Match)
	assert.True(t, recs[0].Match.Matched)

	assert.Equal(t, model.CategoryIndividual, recs[1].Category)

	assert.True(t, recs[2].Excluded)
	assert.Equal(t, "payroll", recs[2].ExclusionKeyword)
	require.NotNil(t, recs[2].Match)
	assert.Equal(t, model.MatchMethodSkipped, recs[2].Match.Method)

	for _, r := range recs {
		assert.Equal(t, r.Confidence < classify.DefaultReviewThreshold, r.NeedsReview, r.OriginalName)
	}
	assert.Empty(t, f.runner.Running())
}

func TestRun_InputErrorsFailBatch(t *testing.T) {
	tests := []struct {
		name    string
		content string
		column  string
		want    error
	}{
		{name: "missing declared column", content: payeesCSV, column: "Vendor", want: ingest.ErrColumnNotFound},
		{name: "empty file", content: "", want: ingest.ErrEmptyFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := f.file(t, "input.csv", tt.content)

			b, err := f.runner.Run(context.Background(), Job{Path: path, Ingest: ingest.Options{Column: tt.column}, Modules: enrich.AllEnabled()})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			require.NotNil(t, b)
			assert.Equal(t, model.BatchStatusFailed, b.Status)
			assert.NotEmpty(t, b.ErrorMessage)
			assert.Zero(t, b.ProcessedRecords)
			assert.Empty(t, b.Modules)
		})
	}
}

func TestRun_CancelledDuringEnrichment(t *testing.T) {
	var r *Runner
	f := newFixture(t, blockingModule{cancel: func(id string) error { return r.Cancel(id) }})
	r = f.runner
	path := f.file(t, "payees.csv", payeesCSV)

	b, err := r.Run(context.Background(), Job{Path: path, Modules: enrich.AllEnabled()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.BatchStatusCancelled, b.Status)
	assert.Equal(t, model.ModuleStatusCompleted, b.Modules[model.ModuleMatching].Status)
	assert.Equal(t, model.ModuleStatusFailed, b.Modules[model.ModulePredictive].Status)
	assert.Equal(t, "cancelled", b.Modules[model.ModulePredictive].Error)
	assert.True(t, b.ModulesTerminal())
	assert.Empty(t, r.Running())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "payees.csv", payeesCSV)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := f.runner.Run(ctx, Job{Path: path, Modules: enrich.AllEnabled()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, b)

	batches, err := f.store.ListBatches(context.Background(), store.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestCancel_NotRunning(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.runner.Cancel("nope"), ErrNotRunning)
}

func TestSubmit_RunsInBackground(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "payees.tsv", "name\tstate\nAcme LLC\tTX\n")

	id, err := f.runner.Submit(context.Background(), Job{Path: path, Modules: enrich.AllEnabled()})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.runner.Wait()

	b, err := f.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.Equal(t, 1, b.ProcessedRecords)
}

func TestEnrich_RerunsModules(t *testing.T) {
	f := newFixture(t)
	path := f.file(t, "payees.csv", payeesCSV)
	first, err := f.runner.Run(context.Background(), Job{Path: path, Modules: enrich.AllEnabled().Without(model.ModuleMatching)})
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusSkipped, first.Modules[model.ModuleMatching].Status)

	b, err := f.runner.Enrich(context.Background(), first.ID, enrich.AllEnabled())
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.Equal(t, model.ModuleStatusCompleted, b.Modules[model.ModuleMatching].Status)
	assert.Equal(t, 3, b.Modules[model.ModuleMatching].Processed)
}

func TestRegistry(t *testing.T) {
	reg := newRegistry()
	ctx, release := reg.track(context.Background(), "b1")
	assert.Equal(t, []string{"b1"}, reg.active())
	assert.True(t, reg.stop("b1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	release()
	assert.Empty(t, reg.active())
	assert.False(t, reg.stop("b1"))
}
