package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/match"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/resilience"
	"github.com/sells-group/payee-cli/internal/store"
	"github.com/sells-group/payee-cli/pkg/cardnet"
	"github.com/sells-group/payee-cli/pkg/geocode"
	"github.com/sells-group/payee-cli/pkg/predict"
)

// Matcher is the part of the matching engine the module needs.
type Matcher interface {
	Match(ctx context.Context, q match.Query) (model.MatchResult, error)
}

// MatchingModule resolves every record against the reference entity store.
type MatchingModule struct {
	runner  *Runner
	store   store.Store
	matcher Matcher
}

// NewMatchingModule creates the matching module.
func NewMatchingModule(r *Runner, st store.Store, m Matcher) *MatchingModule {
	return &MatchingModule{runner: r, store: st, matcher: m}
}

func (m *MatchingModule) Name() model.ModuleName { return model.ModuleMatching }
func (m *MatchingModule) Order() int             { return OrderMatching }

func (m *MatchingModule) Execute(ctx context.Context, batchID string, _ Options) (Result, error) {
	return m.runner.Run(ctx, batchID, RowTask{
		Module: model.ModuleMatching,
		Handle: func(ctx context.Context, rec model.ClassificationRecord) (Outcome, error) {
			res, err := m.matcher.Match(ctx, match.Query{Name: rec.OriginalName, City: rec.City, State: rec.State})
			if werr := m.store.UpdateMatch(ctx, rec.ID, res); werr != nil {
				return Outcome{}, eris.Wrap(werr, "enrich: save match")
			}
			if err != nil {
				return Outcome{}, err
			}
			return Completed, nil
		},
		Degrade: func(ctx context.Context, rec model.ClassificationRecord, timedOut bool, reason string) error {
			method := model.MatchMethodSkipped
			if timedOut {
				method = model.MatchMethodTimeout
			}
			return m.store.UpdateMatch(ctx, rec.ID, model.MatchResult{Method: method, Reasoning: reason})
		},
	})
}

// AddressModule validates record addresses with the geocoder.
type AddressModule struct {
	runner  *Runner
	store   store.Store
	client  geocode.Client
	policy  *resilience.Policy
	metrics *metrics.Metrics
}

// NewAddressModule creates the address validation module.
func NewAddressModule(r *Runner, st store.Store, c geocode.Client, ps resilience.Policies, m *metrics.Metrics) *AddressModule {
	return &AddressModule{runner: r, store: st, client: c, policy: ps.Get(resilience.CallAddress), metrics: m}
}

func (a *AddressModule) Name() model.ModuleName { return model.ModuleAddressValidation }
func (a *AddressModule) Order() int             { return OrderAddress }

func (a *AddressModule) Execute(ctx context.Context, batchID string, _ Options) (Result, error) {
	return a.runner.Run(ctx, batchID, RowTask{
		Module: model.ModuleAddressValidation,
		Handle: func(ctx context.Context, rec model.ClassificationRecord) (Outcome, error) {
			in := geocode.AddressInput{Street: rec.Address, City: rec.City, State: rec.State, ZipCode: rec.Zip}
			if in.Empty() {
				return Skip("no address"), nil
			}
			geo, err := resilience.Call(ctx, a.policy, &geocode.Result{}, func(ctx context.Context) (*geocode.Result, error) {
				return a.client.Geocode(ctx, in)
			})
			if err != nil {
				a.metrics.Fallback(string(resilience.CallAddress))
			}
			out := model.AddressResult{
				Validated: geo.Matched,
				Street:    geo.Street,
				City:      geo.City,
				State:     geo.State,
				Zip:       geo.Zip,
				Latitude:  geo.Latitude,
				Longitude: geo.Longitude,
				Quality:   geo.Quality,
			}
			if werr := a.store.UpdateAddress(ctx, rec.ID, out); werr != nil {
				return Outcome{}, eris.Wrap(werr, "enrich: save address")
			}
			if err != nil {
				return Outcome{}, err
			}
			return Completed, nil
		},
		Degrade: func(ctx context.Context, rec model.ClassificationRecord, _ bool, _ string) error {
			return a.store.UpdateAddress(ctx, rec.ID, model.AddressResult{})
		},
	})
}

// CardNetworkModule looks payees up in the card-network merchant directory,
// preferring validated address fields.
type CardNetworkModule struct {
	runner  *Runner
	store   store.Store
	client  cardnet.Client
	policy  *resilience.Policy
	metrics *metrics.Metrics
}

// NewCardNetworkModule creates the card-network module.
func NewCardNetworkModule(r *Runner, st store.Store, c cardnet.Client, ps resilience.Policies, m *metrics.Metrics) *CardNetworkModule {
	return &CardNetworkModule{runner: r, store: st, client: c, policy: ps.Get(resilience.CallCardNet), metrics: m}
}

func (c *CardNetworkModule) Name() model.ModuleName { return model.ModuleCardNetwork }
func (c *CardNetworkModule) Order() int             { return OrderCardNetwork }

func (c *CardNetworkModule) Execute(ctx context.Context, batchID string, _ Options) (Result, error) {
	return c.runner.Run(ctx, batchID, RowTask{
		Module: model.ModuleCardNetwork,
		Handle: func(ctx context.Context, rec model.ClassificationRecord) (Outcome, error) {
			m, err := resilience.Call(ctx, c.policy, &cardnet.Merchant{}, func(ctx context.Context) (*cardnet.Merchant, error) {
				return c.client.Lookup(ctx, merchantQuery(rec))
			})
			if err != nil {
				c.metrics.Fallback(string(resilience.CallCardNet))
			}
			out := model.CardNetworkResult{
				Found:        m.Found,
				MerchantID:   m.MerchantID,
				MerchantName: m.MerchantName,
				MCC:          m.MCC,
				Confidence:   m.Confidence,
			}
			if werr := c.store.UpdateCardNetwork(ctx, rec.ID, out); werr != nil {
				return Outcome{}, eris.Wrap(werr, "enrich: save card network")
			}
			if err != nil {
				return Outcome{}, err
			}
			return Completed, nil
		},
		Degrade: func(ctx context.Context, rec model.ClassificationRecord, _ bool, _ string) error {
			return c.store.UpdateCardNetwork(ctx, rec.ID, model.CardNetworkResult{})
		},
	})
}

// merchantQuery uses the validated address when address validation produced one.
func merchantQuery(rec model.ClassificationRecord) cardnet.Query {
	q := cardnet.Query{Name: rec.OriginalName, Street: rec.Address, City: rec.City, State: rec.State, Zip: rec.Zip}
	if a := rec.AddressInfo; a != nil && a.Validated {
		q.Street, q.City, q.State, q.Zip = a.Street, a.City, a.State, a.Zip
	}
	return q
}

// PredictiveModule scores each record from the other modules' outputs.
type PredictiveModule struct {
	runner  *Runner
	store   store.Store
	client  predict.Client
	policy  *resilience.Policy
	metrics *metrics.Metrics
}

// NewPredictiveModule creates the predictive scoring module.
func NewPredictiveModule(r *Runner, st store.Store, c predict.Client, ps resilience.Policies, m *metrics.Metrics) *PredictiveModule {
	return &PredictiveModule{runner: r, store: st, client: c, policy: ps.Get(resilience.CallPredict), metrics: m}
}

func (p *PredictiveModule) Name() model.ModuleName { return model.ModulePredictive }
func (p *PredictiveModule) Order() int             { return OrderPredictive }

func (p *PredictiveModule) Execute(ctx context.Context, batchID string, _ Options) (Result, error) {
	return p.runner.Run(ctx, batchID, RowTask{
		Module: model.ModulePredictive,
		Handle: func(ctx context.Context, rec model.ClassificationRecord) (Outcome, error) {
			pred, err := resilience.Do(ctx, p.policy, func(ctx context.Context) (*predict.Prediction, error) {
				return p.client.Score(ctx, features(rec))
			})
			if err != nil {
				p.metrics.Fallback(string(resilience.CallPredict))
				return Outcome{}, err
			}
			out := model.PredictionResult{Score: pred.Score, Label: pred.Label, Version: pred.Version}
			if err := p.store.UpdatePrediction(ctx, rec.ID, out); err != nil {
				return Outcome{}, eris.Wrap(err, "enrich: save prediction")
			}
			return Completed, nil
		},
	})
}

// features flattens a record and its enrichment outputs for the scorer.
func features(rec model.ClassificationRecord) predict.Features {
	f := predict.Features{
		Name:       rec.OriginalName,
		Category:   string(rec.Category),
		Confidence: rec.Confidence,
		SICCode:    rec.SICCode,
		Amount:     strings.TrimSpace(rec.Extra["amount"]),
	}
	if m := rec.Match; m != nil {
		f.Matched, f.MatchConfidence = m.Matched, m.Confidence
	}
	if a := rec.AddressInfo; a != nil {
		f.AddressValidated = a.Validated
	}
	if c := rec.CardNetwork; c != nil {
		f.CardNetworkFound, f.MCC = c.Found, c.MCC
	}
	return f
}
