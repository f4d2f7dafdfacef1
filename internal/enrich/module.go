// Package enrich runs independently toggled enrichment modules over a
// classified batch in declared order and tracks per-module state on the batch.
package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/model"
)

// ErrUnknownModule is returned by ParseModules for a name outside model.AllModules.
var ErrUnknownModule = eris.New("enrich: unknown module")

// Options selects the modules to run for one batch.
type Options struct {
	Enabled map[model.ModuleName]bool
}

// AllEnabled returns options enabling every known module.
func AllEnabled() Options {
	o := Options{Enabled: make(map[model.ModuleName]bool, len(model.AllModules))}
	for _, m := range model.AllModules {
		o.Enabled[m] = true
	}
	return o
}

// IsEnabled reports whether m should run.
func (o Options) IsEnabled(m model.ModuleName) bool {
	return o.Enabled[m]
}

// Without returns a copy of o with the named modules disabled.
func (o Options) Without(names ...model.ModuleName) Options {
	out := Options{Enabled: make(map[model.ModuleName]bool, len(o.Enabled))}
	for k, v := range o.Enabled {
		out.Enabled[k] = v
	}
	for _, n := range names {
		out.Enabled[n] = false
	}
	return out
}

// ParseModules maps user-supplied names (case-insensitive, '-' or '_') to
// known modules.
func ParseModules(names []string) ([]model.ModuleName, error) {
	out := make([]model.ModuleName, 0, len(names))
	for _, raw := range names {
		n := model.ModuleName(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
		if n == "" {
			continue
		}
		if !containsModule(model.AllModules, n) {
			return nil, eris.Wrapf(ErrUnknownModule, "%q", raw)
		}
		out = append(out, n)
	}
	return out, nil
}

// Result summarizes one module run.
type Result struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

// Module is one enrichment step. Name doubles as the module's status field on
// the batch. Modules with a lower Order finish before higher ones start;
// modules sharing an Order run concurrently.
type Module interface {
	Name() model.ModuleName
	Order() int
	Execute(ctx context.Context, batchID string, opts Options) (Result, error)
}

// Declared execution order. Card-network lookups read validated addresses and
// predictive scoring reads every other module's output.
const (
	OrderMatching    = 10
	OrderAddress     = 20
	OrderCardNetwork = 30
	OrderPredictive  = 40
)
