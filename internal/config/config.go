// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Port      int             `yaml:"port"`
	Cache     CacheConfig     `yaml:"cache"`
	Backend   BackendConfig   `yaml:"backend"`
	Models    ModelsConfig    `yaml:"models"`
	Search    SearchConfig    `yaml:"search"`
	Router    RouterConfig    `yaml:"router"`
	Budget    BudgetConfig    `yaml:"budget"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
	Debug     DebugConfig     `yaml:"debug,omitempty"`
}

// CacheConfig configures the two-tier cache layer.
type CacheConfig struct {
	// RemoteURL is the valkey/redis connection address. Empty disables the
	// remote tier and the cache runs fast-tier-only (degraded).
	RemoteURL      string `yaml:"remote_url,omitempty"`
	MaxConnections int    `yaml:"max_connections"`
	FastMaxSize    int    `yaml:"fast_cache_max_size"`

	// Per-strategy default TTLs in seconds.
	RoutingTTL       int `yaml:"routing_ttl"`
	ResponsesTTL     int `yaml:"responses_ttl"`
	ConversationsTTL int `yaml:"conversations_ttl"`
}

// BackendConfig configures the local inference daemon client.
type BackendConfig struct {
	Host           string        `yaml:"inference_host"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
}

// ModelsConfig configures the model manager.
type ModelsConfig struct {
	// DefaultModel handles requests when selection produces no candidate.
	DefaultModel string `yaml:"default_model"`
	// FallbackModel is the last resort in every fallback chain.
	FallbackModel string `yaml:"fallback_model"`
	// PreloadTiers lists tiers loaded eagerly at startup (e.g. ["t0"]).
	PreloadTiers []string `yaml:"preload_tiers"`
}

// SearchConfig configures web search and content enhancement.
type SearchConfig struct {
	BraveAPIKey     string        `yaml:"brave_api_key,omitempty"`
	BraveEndpoint   string        `yaml:"brave_endpoint,omitempty"`
	ResultCount     int           `yaml:"result_count"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxEnhance      int           `yaml:"max_enhance"`
	EnhanceParallel int           `yaml:"enhance_parallel"`
	ScrapeTimeout   time.Duration `yaml:"scrape_timeout"`
}

// RouterConfig configures the adaptive (bandit) router.
type RouterConfig struct {
	MinExplorationRate float64  `yaml:"min_exploration_rate"`
	Arms               []string `yaml:"arms"`
}

// BudgetConfig configures per-user cost budgets.
type BudgetConfig struct {
	Tiers map[string]TierLimits `yaml:"tiers"`
}

// TierLimits holds the monthly and daily spend caps for a user tier.
type TierLimits struct {
	Monthly float64 `yaml:"monthly"`
	Daily   float64 `yaml:"daily"`
}

// RuntimeConfig configures the graph execution runtime.
type RuntimeConfig struct {
	NodeTimeout    time.Duration `yaml:"node_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPathLength  int           `yaml:"max_path_length"`
}

// RateLimitConfig configures per-user admission control.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// StoreConfig configures the request audit store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DebugConfig contains debugging and logging settings.
type DebugConfig struct {
	VerboseLogging bool `yaml:"verbose_logging,omitempty"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Port: 8080,
		Cache: CacheConfig{
			MaxConnections:   20,
			FastMaxSize:      1000,
			RoutingTTL:       300,
			ResponsesTTL:     3600,
			ConversationsTTL: 86400,
		},
		Backend: BackendConfig{
			Host:           "http://127.0.0.1:11434",
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
			HealthTimeout:  10 * time.Second,
		},
		Models: ModelsConfig{
			DefaultModel:  "llama3.2:3b",
			FallbackModel: "llama3.2:1b",
			PreloadTiers:  []string{"t0"},
		},
		Search: SearchConfig{
			BraveEndpoint:   "https://api.search.brave.com/res/v1/web/search",
			ResultCount:     5,
			CacheTTL:        time.Hour,
			MaxEnhance:      3,
			EnhanceParallel: 3,
			ScrapeTimeout:   15 * time.Second,
		},
		Router: RouterConfig{
			MinExplorationRate: 0.05,
			Arms:               []string{"fast_chat", "search_augmented", "api_fallback", "hybrid_mode"},
		},
		Budget: BudgetConfig{
			Tiers: map[string]TierLimits{
				"free":       {Monthly: 20, Daily: 5},
				"pro":        {Monthly: 500, Daily: 25},
				"enterprise": {Monthly: 10000, Daily: 200},
			},
		},
		Runtime: RuntimeConfig{
			NodeTimeout:    30 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxPathLength:  20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Store: StoreConfig{
			Path: "prism.db",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment variable values.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a YAML config file, applies ${ENV_VAR} expansion, merges it over
// defaults, and validates the result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(raw), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configured values for consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Cache.FastMaxSize < 1 {
		return fmt.Errorf("fast_cache_max_size must be positive, got %d", c.Cache.FastMaxSize)
	}
	if c.Cache.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.Cache.MaxConnections)
	}
	if c.Router.MinExplorationRate < 0 || c.Router.MinExplorationRate > 1 {
		return fmt.Errorf("min_exploration_rate must be in [0,1], got %f", c.Router.MinExplorationRate)
	}
	if len(c.Router.Arms) == 0 {
		return fmt.Errorf("router requires at least one arm")
	}
	if c.Runtime.MaxPathLength < 1 {
		return fmt.Errorf("max_path_length must be positive, got %d", c.Runtime.MaxPathLength)
	}
	for name, tier := range c.Budget.Tiers {
		if tier.Monthly <= 0 || tier.Daily <= 0 {
			return fmt.Errorf("budget tier %q must have positive limits", name)
		}
		if tier.Daily > tier.Monthly {
			return fmt.Errorf("budget tier %q daily limit exceeds monthly limit", name)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute)
	}
	return nil
}
