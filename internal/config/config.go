package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	AI        AIConfig        `yaml:"ai" mapstructure:"ai"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Match     MatchConfig     `yaml:"match" mapstructure:"match"`
	Buffer    BufferConfig    `yaml:"buffer" mapstructure:"buffer"`
	Limits    LimitsConfig    `yaml:"limits" mapstructure:"limits"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Services  ServicesConfig  `yaml:"services" mapstructure:"services"`
	Watchdog  WatchdogConfig  `yaml:"watchdog" mapstructure:"watchdog"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AIConfig selects the classification and arbitration provider.
type AIConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ClassifyConfig tunes the classification cascade.
type ClassifyConfig struct {
	ReviewThreshold  float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	DuplicateAILimit int     `yaml:"duplicate_ai_limit" mapstructure:"duplicate_ai_limit"`
	FuzzyIndexSize   int     `yaml:"fuzzy_index_size" mapstructure:"fuzzy_index_size"`
	RulesFile        string  `yaml:"rules_file" mapstructure:"rules_file"`
}

// CacheConfig sizes the in-process cache tiers. RedisURL enables the shared
// tier under the AI cache.
type CacheConfig struct {
	FingerprintSize    int    `yaml:"fingerprint_size" mapstructure:"fingerprint_size"`
	FingerprintTTLMins int    `yaml:"fingerprint_ttl_mins" mapstructure:"fingerprint_ttl_mins"`
	MatchSize          int    `yaml:"match_size" mapstructure:"match_size"`
	MatchTTLMins       int    `yaml:"match_ttl_mins" mapstructure:"match_ttl_mins"`
	AISize             int    `yaml:"ai_size" mapstructure:"ai_size"`
	AITTLMins          int    `yaml:"ai_ttl_mins" mapstructure:"ai_ttl_mins"`
	RedisURL           string `yaml:"redis_url" mapstructure:"redis_url"`
}

// MatchConfig tunes candidate retrieval and AI arbitration.
type MatchConfig struct {
	TopK               int     `yaml:"top_k" mapstructure:"top_k"`
	MinSimilarity      float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
	JudgeEnabled       bool    `yaml:"judge_enabled" mapstructure:"judge_enabled"`
	JudgeCandidates    int     `yaml:"judge_candidates" mapstructure:"judge_candidates"`
	JudgeMinConfidence float64 `yaml:"judge_min_confidence" mapstructure:"judge_min_confidence"`
}

// BufferConfig bounds the adaptive batch buffer.
type BufferConfig struct {
	MinBatch          int `yaml:"min_batch" mapstructure:"min_batch"`
	MaxBatch          int `yaml:"max_batch" mapstructure:"max_batch"`
	MinConcurrency    int `yaml:"min_concurrency" mapstructure:"min_concurrency"`
	MaxConcurrency    int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	AdjustIntervalSec int `yaml:"adjust_interval_secs" mapstructure:"adjust_interval_secs"`
	MemoryBudgetMB    int `yaml:"memory_budget_mb" mapstructure:"memory_budget_mb"`
}

// LimitsConfig holds the tiered concurrency limits.
type LimitsConfig struct {
	DBConcurrency int     `yaml:"db_concurrency" mapstructure:"db_concurrency"`
	AIConcurrency int     `yaml:"ai_concurrency" mapstructure:"ai_concurrency"`
	AIRPS         float64 `yaml:"ai_rps" mapstructure:"ai_rps"`
}

// TimeoutsConfig holds per-call-type timeouts in seconds.
type TimeoutsConfig struct {
	DBSecs      int `yaml:"db_secs" mapstructure:"db_secs"`
	AISecs      int `yaml:"ai_secs" mapstructure:"ai_secs"`
	AddressSecs int `yaml:"address_secs" mapstructure:"address_secs"`
	CardNetSecs int `yaml:"cardnet_secs" mapstructure:"cardnet_secs"`
	PredictSecs int `yaml:"predict_secs" mapstructure:"predict_secs"`
}

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetSecs        int `yaml:"reset_secs" mapstructure:"reset_secs"`
}

// EnrichConfig sizes the enrichment runner and sets default module toggles.
type EnrichConfig struct {
	ChunkSize      int             `yaml:"chunk_size" mapstructure:"chunk_size"`
	Concurrency    int             `yaml:"concurrency" mapstructure:"concurrency"`
	RowTimeoutSecs int             `yaml:"row_timeout_secs" mapstructure:"row_timeout_secs"`
	Modules        map[string]bool `yaml:"modules" mapstructure:"modules"`
}

// ServicesConfig points at the enrichment services. GeocodeURL overrides the
// public Census endpoint; an empty card-network or predictive URL leaves that
// module unregistered.
type ServicesConfig struct {
	GeocodeURL string  `yaml:"geocode_url" mapstructure:"geocode_url"`
	GeocodeRPS float64 `yaml:"geocode_rps" mapstructure:"geocode_rps"`
	CardNetURL string  `yaml:"cardnet_url" mapstructure:"cardnet_url"`
	CardNetKey string  `yaml:"cardnet_key" mapstructure:"cardnet_key"`
	PredictURL string  `yaml:"predict_url" mapstructure:"predict_url"`
	PredictKey string  `yaml:"predict_key" mapstructure:"predict_key"`
}

// WatchdogConfig configures the stalled-state sweeps.
type WatchdogConfig struct {
	IntervalSecs         int `yaml:"interval_secs" mapstructure:"interval_secs"`
	HeartbeatTimeoutSecs int `yaml:"heartbeat_timeout_secs" mapstructure:"heartbeat_timeout_secs"`
	ProgressTimeoutSecs  int `yaml:"progress_timeout_secs" mapstructure:"progress_timeout_secs"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Secs converts a seconds setting to a Duration.
func Secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Mins converts a minutes setting to a Duration.
func Mins(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAYEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("classify.review_threshold", 0.95)
	v.SetDefault("classify.duplicate_ai_limit", 20)
	v.SetDefault("classify.fuzzy_index_size", 5000)
	v.SetDefault("cache.fingerprint_size", 10000)
	v.SetDefault("cache.fingerprint_ttl_mins", 60)
	v.SetDefault("cache.match_size", 10000)
	v.SetDefault("cache.match_ttl_mins", 30)
	v.SetDefault("cache.ai_size", 5000)
	v.SetDefault("cache.ai_ttl_mins", 24*60)
	v.SetDefault("match.top_k", 12)
	v.SetDefault("match.min_similarity", 0.3)
	v.SetDefault("match.judge_enabled", true)
	v.SetDefault("match.judge_candidates", 5)
	v.SetDefault("match.judge_min_confidence", 0.85)
	v.SetDefault("buffer.min_batch", 25)
	v.SetDefault("buffer.max_batch", 500)
	v.SetDefault("buffer.min_concurrency", 2)
	v.SetDefault("buffer.max_concurrency", 16)
	v.SetDefault("buffer.adjust_interval_secs", 2)
	v.SetDefault("buffer.memory_budget_mb", 1024)
	v.SetDefault("limits.db_concurrency", 8)
	v.SetDefault("limits.ai_concurrency", 4)
	v.SetDefault("limits.ai_rps", 5.0)
	v.SetDefault("timeouts.db_secs", 5)
	v.SetDefault("timeouts.ai_secs", 20)
	v.SetDefault("timeouts.address_secs", 10)
	v.SetDefault("timeouts.cardnet_secs", 10)
	v.SetDefault("timeouts.predict_secs", 10)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_secs", 30)
	v.SetDefault("enrich.chunk_size", 200)
	v.SetDefault("enrich.concurrency", 8)
	v.SetDefault("enrich.row_timeout_secs", 30)
	v.SetDefault("enrich.modules", map[string]bool{
		"matching":           true,
		"address_validation": true,
		"card_network":       true,
		"predictive":         true,
	})
	v.SetDefault("services.geocode_rps", 10.0)
	v.SetDefault("watchdog.interval_secs", 60)
	v.SetDefault("watchdog.heartbeat_timeout_secs", 300)
	v.SetDefault("watchdog.progress_timeout_secs", 1800)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "run",
// "enrich", "watchdog", "serve", "batches" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "run", "enrich", "serve":
		switch c.AI.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required when ai.provider is anthropic")
			}
		case "openai":
			if c.OpenAI.Key == "" {
				errs = append(errs, "openai.key is required when ai.provider is openai")
			}
		case "", "none":
		default:
			errs = append(errs, fmt.Sprintf("ai.provider must be anthropic, openai or none, got %q", c.AI.Provider))
		}
		if c.Classify.ReviewThreshold <= 0 || c.Classify.ReviewThreshold > 1 {
			errs = append(errs, "classify.review_threshold must be in (0, 1]")
		}
		if c.Buffer.MinBatch <= 0 || c.Buffer.MaxBatch < c.Buffer.MinBatch {
			errs = append(errs, "buffer.min_batch must be positive and not exceed buffer.max_batch")
		}
	}
	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if mode == "watchdog" && c.Watchdog.ProgressTimeoutSecs <= c.Enrich.RowTimeoutSecs {
		errs = append(errs, "watchdog.progress_timeout_secs must exceed enrich.row_timeout_secs")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
