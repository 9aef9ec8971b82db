package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Provider holds one upstream's settings. Each block is read from the
// environment under its provider prefix: OPENAI_API_KEY,
// OLLAMA_BASE_URL, and so on.
type Provider struct {
	Enabled bool   `envconfig:"ENABLED" default:"true"`
	APIKey  string `envconfig:"API_KEY"`
	BaseURL string `envconfig:"BASE_URL"`
	Model   string `envconfig:"MODEL"`
}

type Config struct {
	// Server
	Port string `envconfig:"PORT" default:"8080"`

	// Stores. Both optional: without POSTGRES_DSN usage recording is
	// in-memory, without REDIS_ADDR the cache is in-memory and
	// request-rate limiting is disabled.
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`

	// Cache
	CacheBackend       string        `envconfig:"CACHE_BACKEND"` // "memory" or "redis"; empty picks by REDIS_ADDR
	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"10m"` // 0 disables the sweeper

	// Generation defaults
	DefaultProvider    string  `envconfig:"DEFAULT_PROVIDER"`
	DefaultMaxTokens   int     `envconfig:"DEFAULT_MAX_TOKENS" default:"1024"`
	DefaultTemperature float64 `envconfig:"DEFAULT_TEMPERATURE" default:"0.7"`

	// Advisory budgets. RPM is enforced at the HTTP edge only; the
	// cost ceiling is recorded for external enforcement and never
	// blocks generation here.
	RateLimitRPM     int     `envconfig:"RATE_LIMIT_RPM" default:"60"`
	DailyCostCeiling float64 `envconfig:"DAILY_COST_CEILING_USD" default:"0"`

	// Providers
	OpenAI     Provider `ignored:"true"`
	Anthropic  Provider `ignored:"true"`
	Gemini     Provider `ignored:"true"`
	Perplexity Provider `ignored:"true"`
	Ollama     Provider `ignored:"true"`

	// Observability
	LogLevel             string `envconfig:"LOG_LEVEL" default:"info"`
	OTELExporterType     string `envconfig:"OTEL_EXPORTER_TYPE" default:"stdout"`
	OTELExporterEndpoint string `envconfig:"OTEL_EXPORTER_ENDPOINT" default:"localhost:4317"`
}

// ProviderIDs in registration order.
var ProviderIDs = []string{"openai", "anthropic", "gemini", "perplexity", "ollama"}

// ProviderByID returns the settings block for a provider id.
func (c *Config) ProviderByID(id string) (Provider, bool) {
	switch id {
	case "openai":
		return c.OpenAI, true
	case "anthropic":
		return c.Anthropic, true
	case "gemini":
		return c.Gemini, true
	case "perplexity":
		return c.Perplexity, true
	case "ollama":
		return c.Ollama, true
	}
	return Provider{}, false
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	blocks := map[string]*Provider{
		"openai":     &cfg.OpenAI,
		"anthropic":  &cfg.Anthropic,
		"gemini":     &cfg.Gemini,
		"perplexity": &cfg.Perplexity,
		"ollama":     &cfg.Ollama,
	}
	for prefix, block := range blocks {
		if err := envconfig.Process(prefix, block); err != nil {
			return nil, fmt.Errorf("parsing %s settings: %w", prefix, err)
		}
	}

	// Validation
	if cfg.DefaultProvider != "" {
		if _, ok := cfg.ProviderByID(cfg.DefaultProvider); !ok {
			return nil, fmt.Errorf("DEFAULT_PROVIDER %q is not a known provider", cfg.DefaultProvider)
		}
	}
	if cfg.DefaultTemperature < 0 || cfg.DefaultTemperature > 2 {
		return nil, fmt.Errorf("DEFAULT_TEMPERATURE must be within [0, 2], got %v", cfg.DefaultTemperature)
	}
	if cfg.DefaultMaxTokens < 0 {
		return nil, fmt.Errorf("DEFAULT_MAX_TOKENS must not be negative, got %d", cfg.DefaultMaxTokens)
	}
	switch cfg.CacheBackend {
	case "", "memory", "redis":
	default:
		return nil, fmt.Errorf("CACHE_BACKEND must be \"memory\" or \"redis\", got %q", cfg.CacheBackend)
	}
	if cfg.CacheBackend == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("CACHE_BACKEND=redis requires REDIS_ADDR")
	}
	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("CACHE_TTL must be positive, got %v", cfg.CacheTTL)
	}

	return cfg, nil
}

// CacheUsesRedis resolves the effective cache backend.
func (c *Config) CacheUsesRedis() bool {
	if c.CacheBackend == "redis" {
		return true
	}
	return c.CacheBackend == "" && c.RedisAddr != ""
}
