// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Resource   ResourceConfig   `yaml:"resource" mapstructure:"resource"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Errors     ErrorsConfig     `yaml:"errors" mapstructure:"errors"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Collect    CollectConfig    `yaml:"collect" mapstructure:"collect"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// LLMConfig configures the connection to the generative model.
type LLMConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Model          string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs    int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// Timeout returns the per-call extraction deadline.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// CacheConfig configures response caching.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	TTLSecs  int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	MaxBytes int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
	Backend  string `yaml:"backend" mapstructure:"backend"` // "memory" or "remote"
}

// TTL returns the entry time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// ResourceConfig configures admission control and alerting.
type ResourceConfig struct {
	MaxMemoryMB       float64                   `yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
	MaxCPUPercent     float64                   `yaml:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxConcurrent     int                       `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	SampleIntervalSec int                       `yaml:"sample_interval_secs" mapstructure:"sample_interval_secs"`
	AlertThresholds   map[string]AlertThreshold `yaml:"alert_thresholds" mapstructure:"alert_thresholds"`
}

// AlertThreshold holds warning/critical bounds for one monitored resource.
type AlertThreshold struct {
	Warning  float64 `yaml:"warning" mapstructure:"warning"`
	Critical float64 `yaml:"critical" mapstructure:"critical"`
}

// BatchConfig configures the adaptive batch optimizer.
type BatchConfig struct {
	InitialSize int  `yaml:"initial_size" mapstructure:"initial_size"`
	MinSize     int  `yaml:"min_size" mapstructure:"min_size"`
	MaxSize     int  `yaml:"max_size" mapstructure:"max_size"`
	Adaptive    bool `yaml:"adaptive" mapstructure:"adaptive"`
}

// ValidationConfig configures the validator.
type ValidationConfig struct {
	RulesPath        string  `yaml:"rules_path" mapstructure:"rules_path"`
	Strict           bool    `yaml:"strict" mapstructure:"strict"`
	MinConfidence    float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	ExtractionWeight float64 `yaml:"extraction_weight" mapstructure:"extraction_weight"`
	FieldWeight      float64 `yaml:"field_weight" mapstructure:"field_weight"`
	FreshnessDays    int     `yaml:"freshness_days" mapstructure:"freshness_days"`
}

// ErrorsConfig configures retry, fallback, circuit breaker and DLQ behavior.
type ErrorsConfig struct {
	RetryMax                int  `yaml:"retry_max" mapstructure:"retry_max"`
	FallbackEnabled         bool `yaml:"fallback_enabled" mapstructure:"fallback_enabled"`
	DLQEnabled              bool `yaml:"dlq_enabled" mapstructure:"dlq_enabled"`
	CircuitFailureThreshold int  `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitRecoverySecs     int  `yaml:"circuit_recovery_seconds" mapstructure:"circuit_recovery_seconds"`
}

// StoreConfig configures the document store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CollectConfig configures the concrete collectors.
type CollectConfig struct {
	CountyBaseURL  string   `yaml:"county_base_url" mapstructure:"county_base_url"`
	ListingBaseURL string   `yaml:"listing_base_url" mapstructure:"listing_base_url"`
	TargetZips     []string `yaml:"target_zips" mapstructure:"target_zips"`
	TimeoutSecs    int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the health/metrics HTTP surface.
type ServerConfig struct {
	Port      int `yaml:"port" mapstructure:"port"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
	Workers   int `yaml:"workers" mapstructure:"workers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROPERTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.2")
	v.SetDefault("llm.timeout_seconds", 30)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.requests_per_sec", 10)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.max_bytes", 64<<20)
	v.SetDefault("cache.backend", "memory")

	v.SetDefault("resource.max_memory_mb", 2048)
	v.SetDefault("resource.max_cpu_percent", 80)
	v.SetDefault("resource.max_concurrent", 10)
	v.SetDefault("resource.sample_interval_secs", 5)
	v.SetDefault("resource.alert_thresholds.memory", map[string]any{"warning": 70.0, "critical": 85.0})
	v.SetDefault("resource.alert_thresholds.cpu", map[string]any{"warning": 70.0, "critical": 90.0})

	v.SetDefault("batch.initial_size", 10)
	v.SetDefault("batch.min_size", 1)
	v.SetDefault("batch.max_size", 50)
	v.SetDefault("batch.adaptive", true)

	v.SetDefault("validation.rules_path", "")
	v.SetDefault("validation.strict", false)
	v.SetDefault("validation.min_confidence", 0.5)
	v.SetDefault("validation.extraction_weight", 0.7)
	v.SetDefault("validation.field_weight", 0.3)
	v.SetDefault("validation.freshness_days", 7)

	v.SetDefault("errors.retry_max", 3)
	v.SetDefault("errors.fallback_enabled", true)
	v.SetDefault("errors.dlq_enabled", true)
	v.SetDefault("errors.circuit_failure_threshold", 5)
	v.SetDefault("errors.circuit_recovery_seconds", 30)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "property.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("collect.county_base_url", "https://mcassessor.maricopa.gov/api")
	v.SetDefault("collect.listing_base_url", "https://www.phoenixmlssearch.com")
	v.SetDefault("collect.target_zips", []string{"85031", "85033", "85035"})
	v.SetDefault("collect.timeout_secs", 30)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.queue_size", 100)
	v.SetDefault("server.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the configuration is usable for the given mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.LLM.BaseURL != "", "llm.base_url is required")
	check(c.LLM.Model != "", "llm.model is required")
	check(c.Resource.MaxConcurrent >= 1 && c.Resource.MaxConcurrent <= 100,
		"resource.max_concurrent must be between 1 and 100")
	check(c.Batch.MinSize >= 1, "batch.min_size must be >= 1")
	check(c.Batch.MaxSize >= c.Batch.MinSize, "batch.max_size must be >= batch.min_size")
	check(c.Validation.MinConfidence >= 0 && c.Validation.MinConfidence <= 1,
		"validation.min_confidence must be in [0,1]")

	switch mode {
	case "run", "batch":
		if c.Store.Driver == "postgres" {
			check(c.Store.DatabaseURL != "", "store.database_url is required for postgres")
		}
	case "serve":
		check(c.Server.Port > 0, "server.port must be > 0")
		check(c.Server.QueueSize > 0, "server.queue_size must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
