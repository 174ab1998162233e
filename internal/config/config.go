// Package config loads sticker-engine configuration via viper, the way the
// teacher's internal/config package does: nested section structs, env
// overrides, and a mode-scoped Validate.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Keyword    KeywordConfig    `yaml:"keyword" mapstructure:"keyword"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational backend. Driver selects between
// "sqlite" (default, embedded) and "postgres" (production).
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// AnthropicConfig configures the AI client used by generation, extraction,
// and keyword-ranking calls.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	// RequestsPerSecond bounds outbound call rate via golang.org/x/time/rate.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`

	// Retry/circuit tunables passed through to internal/resilience.
	RetryMaxAttempts      int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier       float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitterFraction   float64 `yaml:"retry_jitter_fraction" mapstructure:"retry_jitter_fraction"`
	CircuitFailureThreshold int   `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutSecs int   `yaml:"circuit_reset_timeout_secs" mapstructure:"circuit_reset_timeout_secs"`
}

// QuotaConfig holds the default monthly bucket limits, overridable per
// deployment without a code change.
type QuotaConfig struct {
	AutoExplainLimit          int `yaml:"auto_explain_limit" mapstructure:"auto_explain_limit"`
	LearningInteractionsLimit int `yaml:"learning_interactions_limit" mapstructure:"learning_interactions_limit"`
	ExtractionsLimit          int `yaml:"extractions_limit" mapstructure:"extractions_limit"`
}

// SchedulerConfig tunes the sliding-window prefetch scheduler (C6).
type SchedulerConfig struct {
	MaxWindowSize          int `yaml:"max_window_size" mapstructure:"max_window_size"`
	JumpThreshold          int `yaml:"jump_threshold" mapstructure:"jump_threshold"`
	ConcurrencyBudgetPPT   int `yaml:"concurrency_budget_ppt" mapstructure:"concurrency_budget_ppt"`
	ConcurrencyBudgetText  int `yaml:"concurrency_budget_text" mapstructure:"concurrency_budget_text"`
}

// WorkerConfig tunes the background context-extraction worker (C7/C8).
type WorkerConfig struct {
	LeaseDuration        string `yaml:"lease_duration" mapstructure:"lease_duration"`
	BatchWordTargetMin   int    `yaml:"batch_word_target_min" mapstructure:"batch_word_target_min"`
	BatchWordTargetMid   int    `yaml:"batch_word_target_mid" mapstructure:"batch_word_target_mid"`
	BatchWordTargetMax   int    `yaml:"batch_word_target_max" mapstructure:"batch_word_target_max"`
	SamplePages          int    `yaml:"sample_pages" mapstructure:"sample_pages"`
	PollInterval         string `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// KeywordConfig tunes the C9 keyword-extraction LRU cache and token budget.
type KeywordConfig struct {
	CacheTTL     string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheCap     int    `yaml:"cache_cap" mapstructure:"cache_cap"`
	TokenBudget  int    `yaml:"token_budget" mapstructure:"token_budget"`
}

// MonitoringConfig configures the health/metrics surface and the
// background alert checker.
type MonitoringConfig struct {
	Enabled                     bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs           int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowMinutes       int     `yaml:"lookback_window_minutes" mapstructure:"lookback_window_minutes"`
	GenerationFailRateThreshold float64 `yaml:"generation_fail_rate_threshold" mapstructure:"generation_fail_rate_threshold"`
	ExtractionFailRateThreshold float64 `yaml:"extraction_fail_rate_threshold" mapstructure:"extraction_fail_rate_threshold"`
	CostThresholdUSD            float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL                  string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks required configuration fields based on run mode.
// Supported modes: "serve", "worker".
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required when store.driver is postgres")
	}
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Worker.LeaseDuration == "" {
			errs = append(errs, "worker.lease_duration is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Scheduler.MaxWindowSize < 1 {
		errs = append(errs, "scheduler.max_window_size must be >= 1")
	}
	if c.Keyword.TokenBudget < 1 {
		errs = append(errs, "keyword.token_budget must be >= 1")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STICKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "sticker-engine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("anthropic.max_tokens", 4000)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("anthropic.burst", 10)
	v.SetDefault("anthropic.retry_max_attempts", 3)
	v.SetDefault("anthropic.retry_initial_backoff_ms", 500)
	v.SetDefault("anthropic.retry_max_backoff_ms", 10000)
	v.SetDefault("anthropic.retry_multiplier", 2.0)
	v.SetDefault("anthropic.retry_jitter_fraction", 0.2)
	v.SetDefault("anthropic.circuit_failure_threshold", 5)
	v.SetDefault("anthropic.circuit_reset_timeout_secs", 30)

	v.SetDefault("quota.auto_explain_limit", 300)
	v.SetDefault("quota.learning_interactions_limit", 300)
	v.SetDefault("quota.extractions_limit", 20)

	v.SetDefault("scheduler.max_window_size", 8)
	v.SetDefault("scheduler.jump_threshold", 10)
	v.SetDefault("scheduler.concurrency_budget_ppt", 1)
	v.SetDefault("scheduler.concurrency_budget_text", 2)

	v.SetDefault("worker.lease_duration", "5m")
	v.SetDefault("worker.batch_word_target_min", 2000)
	v.SetDefault("worker.batch_word_target_mid", 4000)
	v.SetDefault("worker.batch_word_target_max", 6000)
	v.SetDefault("worker.sample_pages", 10)
	v.SetDefault("worker.poll_interval", "5s")

	v.SetDefault("keyword.cache_ttl", "5m")
	v.SetDefault("keyword.cache_cap", 1000)
	v.SetDefault("keyword.token_budget", 2000)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_minutes", 60)
	v.SetDefault("monitoring.generation_fail_rate_threshold", 0.2)
	v.SetDefault("monitoring.extraction_fail_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 0)

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
