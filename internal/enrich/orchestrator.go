package enrich

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/store"
)

// Orchestrator runs registered modules against a batch. A module failure is
// recorded on that module only; the batch still completes.
type Orchestrator struct {
	store   store.Store
	modules []Module
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewOrchestrator registers modules. Known modules that are not registered
// are reported as skipped on every batch.
func NewOrchestrator(st store.Store, m *metrics.Metrics, modules ...Module) *Orchestrator {
	sorted := append([]Module(nil), modules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Orchestrator{
		store:   st,
		modules: sorted,
		metrics: m,
		log:     zap.L().With(zap.String("component", "enrich")),
	}
}

// Modules returns the registered modules in execution order.
func (o *Orchestrator) Modules() []Module {
	return append([]Module(nil), o.modules...)
}

// Run executes the enabled modules for batchID and drives the batch to a
// terminal status: completed normally, cancelled when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, batchID string, opts Options) error {
	log := o.log.With(zap.String("batch_id", batchID))
	persist := context.WithoutCancel(ctx)

	if err := o.store.SetBatchStatus(persist, batchID, model.BatchStatusEnriching, ""); err != nil {
		return eris.Wrap(err, "enrich: mark enriching")
	}

	active, err := o.initModules(persist, batchID, opts)
	if err != nil {
		return err
	}

	for _, phase := range phases(active) {
		if ctx.Err() != nil {
			o.abandon(persist, log, batchID, phase, "cancelled")
			continue
		}
		g := new(errgroup.Group)
		for _, m := range phase {
			g.Go(func() error {
				o.execute(ctx, persist, log, batchID, m, opts)
				return nil
			})
		}
		_ = g.Wait()
	}

	return o.finish(ctx, persist, log, batchID)
}

// initModules writes the initial state of every known module: skipped when
// disabled or unregistered, pending otherwise. It returns the modules to run.
func (o *Orchestrator) initModules(ctx context.Context, batchID string, opts Options) ([]Module, error) {
	registered := make(map[model.ModuleName]Module, len(o.modules))
	for _, m := range o.modules {
		registered[m.Name()] = m
	}

	var (
		states []model.ModuleState
		active []Module
	)
	names := append([]model.ModuleName(nil), model.AllModules...)
	for _, m := range o.modules {
		if !containsModule(names, m.Name()) {
			names = append(names, m.Name())
		}
	}
	for _, name := range names {
		st := model.ModuleState{Module: name, Status: model.ModuleStatusSkipped}
		if m, ok := registered[name]; ok && opts.IsEnabled(name) {
			st.Status = model.ModuleStatusPending
			active = append(active, m)
		}
		states = append(states, st)
		o.metrics.ModuleTransition(string(name), string(st.Status))
	}
	if err := o.store.InitModules(ctx, batchID, states); err != nil {
		return nil, eris.Wrap(err, "enrich: init modules")
	}
	return active, nil
}

func (o *Orchestrator) execute(ctx, persist context.Context, log *zap.Logger, batchID string, m Module, opts Options) {
	name := m.Name()
	mlog := log.With(zap.String("module", string(name)))
	o.transition(persist, mlog, batchID, name, model.ModuleStatusProcessing, "")

	res, err := runModule(ctx, batchID, m, opts)
	switch {
	case err != nil && ctx.Err() != nil:
		o.transition(persist, mlog, batchID, name, model.ModuleStatusFailed, "cancelled")
	case err != nil:
		mlog.Error("enrich: module failed", zap.Error(err))
		o.transition(persist, mlog, batchID, name, model.ModuleStatusFailed, err.Error())
	default:
		mlog.Info("enrich: module completed",
			zap.Int("processed", res.Processed),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
		o.transition(persist, mlog, batchID, name, model.ModuleStatusCompleted, "")
	}
}

// runModule converts a module panic into an error.
func runModule(ctx context.Context, batchID string, m Module, opts Options) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("enrich: module %s panicked: %v", m.Name(), p)
		}
	}()
	return m.Execute(ctx, batchID, opts)
}

func (o *Orchestrator) abandon(ctx context.Context, log *zap.Logger, batchID string, phase []Module, reason string) {
	for _, m := range phase {
		o.transition(ctx, log.With(zap.String("module", string(m.Name()))), batchID, m.Name(), model.ModuleStatusFailed, reason)
	}
}

func (o *Orchestrator) transition(ctx context.Context, log *zap.Logger, batchID string, name model.ModuleName, status model.ModuleStatus, reason string) {
	if err := o.store.SetModuleStatus(ctx, batchID, name, status, reason); err != nil {
		log.Error("enrich: set module status failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	o.metrics.ModuleTransition(string(name), string(status))
	log.Info("enrich: module transition", zap.String("status", string(status)), zap.String("reason", reason))
}

// finish re-reads the batch, forces any straggling module to failed and
// flips the batch to its terminal status.
func (o *Orchestrator) finish(ctx, persist context.Context, log *zap.Logger, batchID string) error {
	b, err := o.store.GetBatch(persist, batchID)
	if err != nil {
		return eris.Wrap(err, "enrich: reload batch")
	}
	for name, st := range b.Modules {
		if !st.Status.Terminal() {
			o.transition(persist, log.With(zap.String("module", string(name))), batchID, name, model.ModuleStatusFailed, "not terminal at batch completion")
		}
	}

	status := model.BatchStatusCompleted
	if ctx.Err() != nil {
		status = model.BatchStatusCancelled
	}
	if err := o.store.SetBatchStatus(persist, batchID, status, ""); err != nil {
		return eris.Wrapf(err, "enrich: mark %s", status)
	}
	log.Info("enrich: batch finished", zap.String("status", string(status)))
	if status == model.BatchStatusCancelled {
		return eris.Wrap(ctx.Err(), "enrich: batch cancelled")
	}
	return nil
}

// phases groups sorted modules by Order.
func phases(mods []Module) [][]Module {
	var out [][]Module
	for i, m := range mods {
		if i == 0 || m.Order() != mods[i-1].Order() {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], m)
	}
	return out
}

func containsModule(list []model.ModuleName, name model.ModuleName) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
