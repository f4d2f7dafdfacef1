// Package match resolves free-text payee names against the reference entity
// store: cache, exact variant lookup, trigram candidate retrieval, a fixed
// early-accept table and, for what remains, an AI judge.
package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/ai"
	"github.com/sells-group/payee-cli/internal/cache"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
	"github.com/sells-group/payee-cli/internal/resilience"
)

// EntityStore is the slice of the store the engine reads.
type EntityStore interface {
	FindExact(ctx context.Context, variants []string) (*model.Entity, error)
	SearchSimilar(ctx context.Context, name string, limit int, minSimilarity float64) ([]model.Candidate, error)
}

// Config tunes retrieval and arbitration.
type Config struct {
	TopK               int
	MinSimilarity      float64
	JudgeEnabled       bool
	JudgeCandidates    int
	JudgeMinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 12
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.3
	}
	if c.JudgeCandidates <= 0 {
		c.JudgeCandidates = 5
	}
	if c.JudgeMinConfidence <= 0 {
		c.JudgeMinConfidence = 0.85
	}
	return c
}

// Deps are optional collaborators.
type Deps struct {
	Judge    ai.Provider
	Cache    cache.Tier[model.MatchResult]
	Policies resilience.Policies
	Limits   *resilience.Limits
	Metrics  *metrics.Metrics
}

// Query is a name plus optional locality.
type Query struct {
	Name  string
	City  string
	State string
}

// Engine implements the matching cascade. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    EntityStore
	judge    ai.Provider
	cache    cache.Tier[model.MatchResult]
	dbPolicy *resilience.Policy
	aiPolicy *resilience.Policy
	limits   *resilience.Limits
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New creates an Engine. A nil Deps.Cache gets a private LRU tier.
func New(cfg Config, st EntityStore, deps Deps) *Engine {
	c := deps.Cache
	if c == nil {
		c = cache.NewLRU[model.MatchResult]("match", 0, 0, deps.Metrics)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    st,
		judge:    deps.Judge,
		cache:    c,
		dbPolicy: deps.Policies.Get(resilience.CallDB),
		aiPolicy: deps.Policies.Get(resilience.CallAI),
		limits:   deps.Limits,
		metrics:  deps.Metrics,
		log:      zap.L().With(zap.String("component", "match")),
	}
}

// Match resolves q. A non-nil error means a store lookup failed; the returned
// result is then an uncached no-match describing the failure. A failed judge
// call is not an error: the engine degrades to the rule-stage answer.
func (e *Engine) Match(ctx context.Context, q Query) (model.MatchResult, error) {
	norm := normalize.Name(q.Name)
	if norm == "" {
		return e.finish(model.MatchResult{Method: model.MatchMethodNone, Reasoning: "empty name"}), nil
	}

	key := cacheKey(norm, q)
	if r, ok := e.cache.Get(ctx, key); ok {
		return r, nil
	}

	ent, err := e.findExact(ctx, normalize.Variants(q.Name))
	if err != nil {
		return e.degraded("exact lookup", err), err
	}
	if ent != nil {
		return e.remember(ctx, key, model.MatchResult{
			Matched:    true,
			EntityID:   ent.ID,
			EntityName: ent.Name,
			Confidence: 1.0,
			Method:     model.MatchMethodExact,
			Reasoning:  fmt.Sprintf("exact match on %q", ent.NormalizedName),
		}), nil
	}

	cands, err := e.searchSimilar(ctx, norm)
	if err != nil {
		return e.degraded("candidate search", err), err
	}
	if len(cands) == 0 {
		return e.remember(ctx, key, model.MatchResult{Method: model.MatchMethodNone, Reasoning: "no candidates"}), nil
	}

	if r, ok := earlyAccept(norm, q, cands); ok {
		return e.remember(ctx, key, r), nil
	}

	r, ok, cacheable := e.arbitrate(ctx, q, cands)
	switch {
	case ok:
		return e.remember(ctx, key, r), nil
	case !cacheable:
		return e.finish(noMatch(cands, r.Reasoning)), nil
	}
	reason := r.Reasoning
	if reason == "" {
		reason = "no candidate cleared the accept rules"
	}
	return e.remember(ctx, key, noMatch(cands, reason)), nil
}

func (e *Engine) findExact(ctx context.Context, variants []string) (*model.Entity, error) {
	release, err := e.limits.DB(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ent, err := resilience.Do(ctx, e.dbPolicy, func(ctx context.Context) (*model.Entity, error) {
		return e.store.FindExact(ctx, variants)
	})
	return ent, eris.Wrap(err, "match: find exact")
}

func (e *Engine) searchSimilar(ctx context.Context, norm string) ([]model.Candidate, error) {
	release, err := e.limits.DB(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	cands, err := resilience.Do(ctx, e.dbPolicy, func(ctx context.Context) ([]model.Candidate, error) {
		return e.store.SearchSimilar(ctx, norm, e.cfg.TopK, e.cfg.MinSimilarity)
	})
	return cands, eris.Wrap(err, "match: search similar")
}

// arbitrate asks the judge about the top candidates. ok reports an accepted
// match; cacheable is false when the judge call itself failed. On rejection
// the judge's reasoning is returned in r.Reasoning.
func (e *Engine) arbitrate(ctx context.Context, q Query, cands []model.Candidate) (r model.MatchResult, ok, cacheable bool) {
	if !e.cfg.JudgeEnabled || e.judge == nil {
		return model.MatchResult{}, false, true
	}
	top := cands
	if len(top) > e.cfg.JudgeCandidates {
		top = top[:e.cfg.JudgeCandidates]
	}

	verdict, err := e.callJudge(ctx, ai.JudgeRequest{Query: q.Name, City: q.City, State: q.State, Candidates: top})
	if err != nil {
		e.metrics.Fallback(string(resilience.CallAI))
		e.log.Warn("match: judge failed, using rule outcome", zap.String("name", q.Name), zap.Error(err))
		return model.MatchResult{Reasoning: "judge unavailable: " + err.Error()}, false, false
	}

	if !verdict.Matched || verdict.Confidence < e.cfg.JudgeMinConfidence {
		return model.MatchResult{Reasoning: fmt.Sprintf("judge declined (%.2f): %s", verdict.Confidence, verdict.Reasoning)}, false, true
	}
	for _, c := range top {
		if c.ID == verdict.EntityID {
			return model.MatchResult{
				Matched:    true,
				EntityID:   c.ID,
				EntityName: c.Name,
				Confidence: verdict.Confidence,
				Method:     model.MatchMethodJudge,
				Reasoning:  verdict.Reasoning,
			}, true, true
		}
	}
	return model.MatchResult{Reasoning: "judge named an entity outside the candidate set"}, false, true
}

func (e *Engine) callJudge(ctx context.Context, req ai.JudgeRequest) (ai.JudgeResult, error) {
	release, err := e.limits.AI(ctx)
	if err != nil {
		return ai.JudgeResult{}, err
	}
	defer release()
	return resilience.Do(ctx, e.aiPolicy, func(ctx context.Context) (ai.JudgeResult, error) {
		return e.judge.Judge(ctx, req)
	})
}

// remember caches r under key and records the outcome.
func (e *Engine) remember(ctx context.Context, key string, r model.MatchResult) model.MatchResult {
	e.cache.Set(ctx, key, r)
	return e.finish(r)
}

func (e *Engine) finish(r model.MatchResult) model.MatchResult {
	e.metrics.Match(string(r.Method))
	return r
}

func (e *Engine) degraded(step string, err error) model.MatchResult {
	e.log.Warn("match: store lookup failed", zap.String("step", step), zap.Error(err))
	return e.finish(model.MatchResult{Method: model.MatchMethodNone, Reasoning: step + " failed: " + err.Error()})
}

func noMatch(cands []model.Candidate, reason string) model.MatchResult {
	r := model.MatchResult{Method: model.MatchMethodNone, Reasoning: reason}
	if len(cands) > 0 {
		r.Confidence = cands[0].Similarity
	}
	return r
}

func cacheKey(norm string, q Query) string {
	return norm + "|" + strings.ToLower(strings.TrimSpace(q.City)) + "|" + strings.ToLower(strings.TrimSpace(q.State))
}
