// Package classify assigns a category and confidence to each payee through a
// five-stage cascade of increasing cost: pattern rules, fingerprint cache and
// intelligence rules, fuzzy recall, cached AI answers, and a fresh AI call.
package classify

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/ai"
	"github.com/sells-group/payee-cli/internal/cache"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
	"github.com/sells-group/payee-cli/internal/resilience"
)

const (
	// DefaultReviewThreshold flags every result below it for human review.
	DefaultReviewThreshold = 0.95
	// DefaultDuplicateAILimit caps the residual set sent to AI grouping.
	DefaultDuplicateAILimit = 20

	fallbackConfidence = 0.75
)

// Config tunes the cascade.
type Config struct {
	ReviewThreshold  float64
	DuplicateAILimit int
	FuzzyIndexSize   int
}

func (c Config) withDefaults() Config {
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = DefaultReviewThreshold
	}
	if c.DuplicateAILimit <= 0 {
		c.DuplicateAILimit = DefaultDuplicateAILimit
	}
	return c
}

// Deps are the collaborators shared with the rest of the pipeline. Every
// field is optional: a nil Provider sends residual rows straight to the
// fallback, and nil Caches gets private in-process tiers.
type Deps struct {
	Provider ai.Provider
	Caches   *cache.Caches
	Policies resilience.Policies
	Limits   *resilience.Limits
	Metrics  *metrics.Metrics
}

// Result is one classified row.
type Result struct {
	Row model.Row
	model.Classification
	NormalizedName   string
	NeedsReview      bool
	Excluded         bool
	ExclusionKeyword string
}

// Record converts the result into a persistable record for batchID. The
// amount travels in Extra under "amount".
func (r Result) Record(batchID string) model.ClassificationRecord {
	row := r.Row
	if row.Amount != "" {
		row.Extra = maps.Clone(row.Extra)
		row.SetExtra("amount", row.Amount)
	}
	return model.ClassificationRecord{
		BatchID:          batchID,
		RowIndex:         r.Row.Index,
		OriginalName:     r.Row.Name,
		NormalizedName:   r.NormalizedName,
		Address:          r.Row.Address,
		City:             r.Row.City,
		State:            r.Row.State,
		Zip:              r.Row.Zip,
		Category:         r.Category,
		Confidence:       r.Confidence,
		Reasoning:        r.Reasoning,
		Stage:            r.Stage,
		SICCode:          r.SICCode,
		NeedsReview:      r.NeedsReview,
		Excluded:         r.Excluded,
		ExclusionKeyword: r.ExclusionKeyword,
		Extra:            row.Extra,
	}
}

// Stats are cumulative cascade counters.
type Stats struct {
	StageHits       map[model.Stage]int64 `json:"stage_hits"`
	APICalls        int64                 `json:"api_calls"`
	APICallsAvoided int64                 `json:"api_calls_avoided"`
}

type counters struct {
	pattern, fingerprint, fuzzy, cachedAI, freshAI, fallback atomic.Int64
	apiCalls, avoided                                        atomic.Int64
}

func (c *counters) stage(s model.Stage) *atomic.Int64 {
	switch s {
	case model.StagePattern:
		return &c.pattern
	case model.StageFingerprint:
		return &c.fingerprint
	case model.StageFuzzy:
		return &c.fuzzy
	case model.StageCachedAI:
		return &c.cachedAI
	case model.StageFreshAI:
		return &c.freshAI
	default:
		return &c.fallback
	}
}

// Classifier runs the cascade. It is safe for concurrent use.
type Classifier struct {
	cfg      Config
	rules    *Rules
	provider ai.Provider
	caches   *cache.Caches
	policy   *resilience.Policy
	limits   *resilience.Limits
	metrics  *metrics.Metrics
	fuzzy    *fuzzyIndex
	counts   counters
	log      *zap.Logger
}

// New creates a Classifier. Known businesses seed the fuzzy index.
func New(cfg Config, rules *Rules, deps Deps) *Classifier {
	cfg = cfg.withDefaults()
	caches := deps.Caches
	if caches == nil {
		caches = cache.New(cache.Config{}, nil, deps.Metrics)
	}
	c := &Classifier{
		cfg:      cfg,
		rules:    rules,
		provider: deps.Provider,
		caches:   caches,
		policy:   deps.Policies.Get(resilience.CallAI),
		limits:   deps.Limits,
		metrics:  deps.Metrics,
		fuzzy:    newFuzzyIndex(cfg.FuzzyIndexSize),
		log:      zap.L().With(zap.String("component", "classify")),
	}
	for _, kb := range rules.KnownBusinesses {
		c.fuzzy.add(kb, hit(model.CategoryBusiness, confKnownBusiness, model.StagePattern, "known business %q", kb))
	}
	return c
}

// Stats returns a snapshot of the cumulative counters.
func (c *Classifier) Stats() Stats {
	s := Stats{StageHits: make(map[model.Stage]int64)}
	for _, st := range []model.Stage{
		model.StagePattern, model.StageFingerprint, model.StageFuzzy,
		model.StageCachedAI, model.StageFreshAI, model.StageFallback,
	} {
		s.StageHits[st] = c.counts.stage(st).Load()
	}
	s.APICalls = c.counts.apiCalls.Load()
	s.APICallsAvoided = c.counts.avoided.Load()
	return s
}

// Classify runs one row through the cascade. Service failures degrade to the
// fallback classification; the only error returned is ctx cancellation
// observed before the row starts.
func (c *Classifier) Classify(ctx context.Context, row model.Row) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrap(err, "classify: cancelled")
	}

	res := Result{Row: row, NormalizedName: normalize.Name(row.Name)}
	if kw := c.rules.exclusion(row.Name); kw != "" {
		res.Excluded, res.ExclusionKeyword = true, kw
	}

	res.Classification = c.cascade(ctx, row, res.NormalizedName)
	res.Confidence = clamp01(res.Confidence)
	res.NeedsReview = res.Confidence < c.cfg.ReviewThreshold
	return res, nil
}

func (c *Classifier) cascade(ctx context.Context, row model.Row, norm string) model.Classification {
	log := c.log.With(zap.Int("row", row.Index))

	// 1. pattern rules
	if cl, ok := c.rules.matchPattern(row.Name); ok && cl.Confidence >= patternAccept {
		c.learn(norm, cl)
		return c.done(log, cl)
	}

	// 2. fingerprint cache, then intelligence rules
	fp := normalize.Fingerprint(row.Name, row.Address)
	if cl, ok := c.caches.Fingerprint.Get(ctx, fp); ok {
		cl.Stage = model.StageFingerprint
		return c.done(log, cl)
	}
	if cl, ok := c.rules.scoreIntelligence(row.Name); ok && cl.Confidence >= intelligenceAccept {
		c.caches.Fingerprint.Set(ctx, fp, cl)
		return c.done(log, cl)
	}

	// 3. fuzzy recall
	if cl, near, sim, ok := c.fuzzy.lookup(norm); ok && cl.Confidence >= fuzzyAccept {
		cl.Stage = model.StageFuzzy
		cl.Reasoning = fmt.Sprintf("similar to %q (%.2f): %s", near, sim, cl.Reasoning)
		return c.done(log, cl)
	}

	// 4. cached AI answer
	key := aiKey(norm, row)
	if cl, ok := c.caches.AI.Get(ctx, key); ok {
		cl.Stage = model.StageCachedAI
		return c.done(log, cl)
	}

	// 5. fresh AI call
	cl, err := c.callAI(ctx, row)
	if err != nil {
		c.metrics.Fallback(string(resilience.CallAI))
		log.Warn("classify: classification service failed, using fallback", zap.Error(err))
		return c.done(log, fallback(err))
	}
	c.caches.AI.Set(ctx, key, cl)
	c.caches.Fingerprint.Set(ctx, fp, cl)
	c.learn(norm, cl)
	return c.done(log, cl)
}

func (c *Classifier) callAI(ctx context.Context, row model.Row) (model.Classification, error) {
	if c.provider == nil {
		return model.Classification{}, eris.New("classify: no classification service configured")
	}
	release, err := c.limits.AI(ctx)
	if err != nil {
		return model.Classification{}, err
	}
	defer release()

	c.counts.apiCalls.Add(1)
	out, err := resilience.Do(ctx, c.policy, func(ctx context.Context) (ai.ClassifyResult, error) {
		return c.provider.Classify(ctx, ai.ClassifyRequest{
			Name: row.Name, City: row.City, State: row.State, Amount: row.Amount,
		})
	})
	if err != nil {
		return model.Classification{}, err
	}
	return model.Classification{
		Category:   out.Category,
		Confidence: clamp01(out.Confidence),
		Reasoning:  out.Reasoning,
		SICCode:    out.SICCode,
		Stage:      model.StageFreshAI,
	}, nil
}

// learn feeds confident answers into the fuzzy index.
func (c *Classifier) learn(norm string, cl model.Classification) {
	if cl.Confidence >= fuzzyAccept {
		c.fuzzy.add(norm, cl)
	}
}

func (c *Classifier) done(log *zap.Logger, cl model.Classification) model.Classification {
	c.counts.stage(cl.Stage).Add(1)
	avoided := cl.Stage != model.StageFreshAI && cl.Stage != model.StageFallback
	if avoided {
		c.counts.avoided.Add(1)
	}
	c.metrics.StageHit(string(cl.Stage), avoided)
	log.Debug("classify: resolved",
		zap.String("stage", string(cl.Stage)),
		zap.String("category", string(cl.Category)),
		zap.Float64("confidence", cl.Confidence),
	)
	return cl
}

func fallback(err error) model.Classification {
	return model.Classification{
		Category:   model.CategoryBusiness,
		Confidence: fallbackConfidence,
		Stage:      model.StageFallback,
		Reasoning:  "default classification: " + err.Error(),
	}
}

// aiKey combines the normalized name with compact context so the same name
// paid in very different circumstances is asked about separately.
func aiKey(norm string, row model.Row) string {
	return norm + "|" + strings.ToUpper(strings.TrimSpace(row.State)) + "|" + amountBucket(row.Amount)
}

func amountBucket(s string) string {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	s = strings.Trim(s, "()")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	if v < 0 {
		v = -v
	}
	switch {
	case v < 100:
		return "lt100"
	case v < 1000:
		return "lt1k"
	case v < 10000:
		return "lt10k"
	default:
		return "10k+"
	}
}
