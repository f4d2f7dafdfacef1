package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/ai"
	"github.com/sells-group/payee-cli/internal/buffer"
	"github.com/sells-group/payee-cli/internal/cache"
	"github.com/sells-group/payee-cli/internal/classify"
	"github.com/sells-group/payee-cli/internal/config"
	"github.com/sells-group/payee-cli/internal/enrich"
	"github.com/sells-group/payee-cli/internal/match"
	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/pipeline"
	"github.com/sells-group/payee-cli/internal/resilience"
	"github.com/sells-group/payee-cli/internal/store"
	"github.com/sells-group/payee-cli/pkg/cardnet"
	"github.com/sells-group/payee-cli/pkg/geocode"
	"github.com/sells-group/payee-cli/pkg/predict"
)

// pipelineEnv holds the store, metrics and the wired pipeline needed by the
// run, enrich and serve commands.
type pipelineEnv struct {
	Store   store.Store
	Metrics *metrics.Metrics
	Runner  *pipeline.Runner
	Modules []enrich.Module
	redis   *redis.Client
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline builds every collaborator from cfg. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = metrics.New(reg)
	m := env.Metrics

	provider, err := ai.New(ai.Settings{
		Provider:       cfg.AI.Provider,
		AnthropicKey:   cfg.Anthropic.Key,
		AnthropicModel: cfg.Anthropic.Model,
		OpenAIKey:      cfg.OpenAI.Key,
		OpenAIModel:    cfg.OpenAI.Model,
		OpenAIBaseURL:  cfg.OpenAI.BaseURL,
	}, m)
	if err != nil {
		env.Close()
		return nil, err
	}
	if provider == nil {
		zap.L().Warn("ai provider disabled, residual rows use the default classification")
	}

	if cfg.Cache.RedisURL != "" {
		env.redis, err = cache.Connect(ctx, cfg.Cache.RedisURL)
		if err != nil {
			zap.L().Warn("redis unavailable, AI cache stays in process", zap.Error(err))
			env.redis = nil
		}
	}
	caches := cache.New(cache.Config{
		FingerprintSize: cfg.Cache.FingerprintSize,
		FingerprintTTL:  config.Mins(cfg.Cache.FingerprintTTLMins),
		MatchSize:       cfg.Cache.MatchSize,
		MatchTTL:        config.Mins(cfg.Cache.MatchTTLMins),
		AISize:          cfg.Cache.AISize,
		AITTL:           config.Mins(cfg.Cache.AITTLMins),
	}, env.redis, m)

	policies := resilience.NewPolicies(map[resilience.CallType]time.Duration{
		resilience.CallDB:      config.Secs(cfg.Timeouts.DBSecs),
		resilience.CallAI:      config.Secs(cfg.Timeouts.AISecs),
		resilience.CallAddress: config.Secs(cfg.Timeouts.AddressSecs),
		resilience.CallCardNet: config.Secs(cfg.Timeouts.CardNetSecs),
		resilience.CallPredict: config.Secs(cfg.Timeouts.PredictSecs),
	}, resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     config.Secs(cfg.Breaker.ResetSecs),
	}, func(ct resilience.CallType, s resilience.CircuitState) {
		m.Breaker(string(ct), int(s))
		zap.L().Warn("circuit breaker transition", zap.String("call", string(ct)), zap.String("state", s.String()))
	})
	limits := resilience.NewLimits(cfg.Limits.DBConcurrency, cfg.Limits.AIConcurrency, cfg.Limits.AIRPS)

	rules, err := classify.LoadRules(cfg.Classify.RulesFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	classifier := classify.New(classify.Config{
		ReviewThreshold:  cfg.Classify.ReviewThreshold,
		DuplicateAILimit: cfg.Classify.DuplicateAILimit,
		FuzzyIndexSize:   cfg.Classify.FuzzyIndexSize,
	}, rules, classify.Deps{Provider: provider, Caches: caches, Policies: policies, Limits: limits, Metrics: m})

	engine := match.New(match.Config{
		TopK:               cfg.Match.TopK,
		MinSimilarity:      cfg.Match.MinSimilarity,
		JudgeEnabled:       cfg.Match.JudgeEnabled,
		JudgeCandidates:    cfg.Match.JudgeCandidates,
		JudgeMinConfidence: cfg.Match.JudgeMinConfidence,
	}, st, match.Deps{Judge: provider, Cache: caches.Match, Policies: policies, Limits: limits, Metrics: m})

	rowRunner := enrich.NewRunner(st, enrich.RunnerConfig{
		ChunkSize:   cfg.Enrich.ChunkSize,
		Concurrency: cfg.Enrich.Concurrency,
		RowTimeout:  config.Secs(cfg.Enrich.RowTimeoutSecs),
	}, m)
	env.Modules = initModules(rowRunner, st, engine, policies, m)
	orch := enrich.NewOrchestrator(st, m, env.Modules...)

	env.Runner = pipeline.NewRunner(st, classifier, orch, pipeline.Config{
		Buffer: buffer.Config{
			MinBatch:       cfg.Buffer.MinBatch,
			MaxBatch:       cfg.Buffer.MaxBatch,
			MinConcurrency: cfg.Buffer.MinConcurrency,
			MaxConcurrency: cfg.Buffer.MaxConcurrency,
			AdjustInterval: config.Secs(cfg.Buffer.AdjustIntervalSec),
		},
		MemoryBudget: uint64(cfg.Buffer.MemoryBudgetMB) << 20,
	}, m)

	zap.L().Info("pipeline ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.Int("modules", len(env.Modules)),
		zap.Bool("redis", env.redis != nil),
	)
	return env, nil
}

// initModules registers matching and address validation always, and the
// card-network and predictive modules when their services are configured.
func initModules(r *enrich.Runner, st store.Store, engine *match.Engine, ps resilience.Policies, m *metrics.Metrics) []enrich.Module {
	geoOpts := []geocode.Option{geocode.WithRateLimit(cfg.Services.GeocodeRPS)}
	if cfg.Services.GeocodeURL != "" {
		geoOpts = append(geoOpts, geocode.WithBaseURL(cfg.Services.GeocodeURL))
	}
	mods := []enrich.Module{
		enrich.NewMatchingModule(r, st, engine),
		enrich.NewAddressModule(r, st, geocode.NewClient(geoOpts...), ps, m),
	}
	if cfg.Services.CardNetURL != "" {
		mods = append(mods, enrich.NewCardNetworkModule(r, st, cardnet.NewClient(cfg.Services.CardNetURL, cfg.Services.CardNetKey), ps, m))
	} else {
		zap.L().Info("card network service not configured, module will be skipped")
	}
	if cfg.Services.PredictURL != "" {
		mods = append(mods, enrich.NewPredictiveModule(r, st, predict.NewClient(cfg.Services.PredictURL, cfg.Services.PredictKey, &http.Client{Timeout: 30 * time.Second}), ps, m))
	} else {
		zap.L().Info("predictive service not configured, module will be skipped")
	}
	return mods
}

// moduleOptions starts from the configured toggles and disables the named modules.
func moduleOptions(disable []string) (enrich.Options, error) {
	opts := enrich.Options{Enabled: make(map[model.ModuleName]bool, len(model.AllModules))}
	for _, name := range model.AllModules {
		enabled, ok := cfg.Enrich.Modules[string(name)]
		opts.Enabled[name] = !ok || enabled
	}
	names, err := enrich.ParseModules(disable)
	if err != nil {
		return enrich.Options{}, err
	}
	return opts.Without(names...), nil
}
