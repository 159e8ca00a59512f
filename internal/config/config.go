package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	GenAI        GenAIConfig        `yaml:"genai" mapstructure:"genai"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Segmentation SegmentationConfig `yaml:"segmentation" mapstructure:"segmentation"`
	Archive      ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Prompts      PromptsConfig      `yaml:"prompts" mapstructure:"prompts"`
	Catalog      CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Pricing      cost.Rates         `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	PromptCacheTTL string `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
}

// GenAIConfig holds Google GenAI settings.
type GenAIConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// LLMConfig configures model calls: provider, sampling and the retry budget.
type LLMConfig struct {
	Provider           string  `yaml:"provider" mapstructure:"provider"`
	Model              string  `yaml:"model" mapstructure:"model"`
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens          int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	CallTimeoutSecs    int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold   int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Retry returns the backoff policy between attempts.
func (c LLMConfig) Retry() resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs, c.BackoffMultiplier, c.JitterFraction)
}

// Breaker returns the provider circuit breaker settings.
func (c LLMConfig) Breaker() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.BreakerThreshold, c.BreakerResetSecs)
}

// CallTimeout bounds one model call. Zero disables it.
func (c LLMConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// SegmentationConfig holds run defaults. CLI flags and API requests override them.
type SegmentationConfig struct {
	ExtractionBatchSize int    `yaml:"extraction_batch_size" mapstructure:"extraction_batch_size"`
	RefinementBatchSize int    `yaml:"refinement_batch_size" mapstructure:"refinement_batch_size"`
	Concurrency         int    `yaml:"concurrency" mapstructure:"concurrency"`
	Category            string `yaml:"category" mapstructure:"category"`
}

// ArchiveConfig configures the interaction archive.
type ArchiveConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// PromptsConfig configures template loading.
type PromptsConfig struct {
	Dir   string `yaml:"dir" mapstructure:"dir"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

// CatalogConfig selects where product records come from.
type CatalogConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // file | postgres
	Path   string `yaml:"path" mapstructure:"path"`
	Sheet  string `yaml:"sheet" mapstructure:"sheet"`
	Table  string `yaml:"table" mapstructure:"table"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	JWTSecret   string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RunConfig returns the run configuration built from the llm and
// segmentation sections.
func (c *Config) RunConfig() model.RunConfig {
	return model.RunConfig{
		Provider:            c.LLM.Provider,
		Model:               c.LLM.Model,
		Temperature:         c.LLM.Temperature,
		MaxTokens:           c.LLM.MaxTokens,
		ExtractionBatchSize: c.Segmentation.ExtractionBatchSize,
		RefinementBatchSize: c.Segmentation.RefinementBatchSize,
		Concurrency:         c.Segmentation.Concurrency,
		Category:            c.Segmentation.Category,
	}
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SEGMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "segment.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.prompt_cache_ttl", "5m")
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.initial_backoff_ms", 500)
	v.SetDefault("llm.max_backoff_ms", 10000)
	v.SetDefault("llm.backoff_multiplier", 2.0)
	v.SetDefault("llm.jitter_fraction", 0.25)
	v.SetDefault("llm.call_timeout_secs", 120)
	v.SetDefault("llm.requests_per_second", 5.0)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_reset_secs", 30)
	v.SetDefault("segmentation.extraction_batch_size", 40)
	v.SetDefault("segmentation.refinement_batch_size", 50)
	v.SetDefault("segmentation.concurrency", 4)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("catalog.driver", "file")
	v.SetDefault("catalog.table", "products")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "segment", "serve",
// "migrate" or "runs".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "segment", "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateLLM()...)
		errs = append(errs, c.validateSegmentation()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "runs":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(resilience.ErrConfiguration, "config: "+strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for postgres"}
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []string{"store.sqlite_path is required for sqlite"}
		}
	default:
		return []string{fmt.Sprintf("store.driver %q is not supported", c.Store.Driver)}
	}
	return nil
}

func (c *Config) validateLLM() []string {
	var errs []string
	switch c.LLM.Provider {
	case "", "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "genai":
		if c.GenAI.Key == "" {
			errs = append(errs, "genai.key is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, "llm.max_attempts must be >= 1")
	}
	return errs
}

func (c *Config) validateSegmentation() []string {
	var errs []string
	if c.Segmentation.ExtractionBatchSize <= 0 {
		errs = append(errs, "segmentation.extraction_batch_size must be > 0")
	}
	if c.Segmentation.RefinementBatchSize <= 0 {
		errs = append(errs, "segmentation.refinement_batch_size must be > 0")
	}
	if c.Segmentation.Concurrency < 1 || c.Segmentation.Concurrency > 64 {
		errs = append(errs, "segmentation.concurrency must be between 1 and 64")
	}
	return errs
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
