// Package config loads service configuration from a YAML file, the
// environment (TRIAGE_ prefix) and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "TRIAGE"
	configName = "triage"
	configType = "yaml"

	// HandlingMargin is the time one message may spend outside upstream
	// calls: classification, store writes and the bounded handoff notification.
	HandlingMargin = 15 * time.Second
)

// Config is the full service configuration. Every component receives the
// section it needs through its constructor.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Failover     FailoverConfig     `mapstructure:"failover"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Organization OrganizationConfig `mapstructure:"organization"`
	Supabase     SupabaseConfig     `mapstructure:"supabase"`
	Qdrant       QdrantConfig       `mapstructure:"qdrant"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // memory | redis
	RedisURL  string        `mapstructure:"redis_url"`
	TTL       time.Duration `mapstructure:"ttl"`
	LockLease time.Duration `mapstructure:"lock_lease"`
}

type UpstreamConfig struct {
	Provider        string        `mapstructure:"provider"` // openai | anthropic | gemini | http
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostCap         float64       `mapstructure:"cost_cap"`
	SystemPrompt    string        `mapstructure:"system_prompt"`
	HistoryMessages int           `mapstructure:"history_messages"`
	HistoryTokens   int           `mapstructure:"history_tokens"`
}

type FailoverConfig struct {
	MaxRetries               int    `mapstructure:"max_retries"`
	RepeatedFailureThreshold int    `mapstructure:"repeated_failure_threshold"`
	TemplatesFile            string `mapstructure:"templates_file"`
}

type ClassifierConfig struct {
	RulesFile     string  `mapstructure:"rules_file"`
	HotThreshold  float64 `mapstructure:"hot_threshold"`
	WarmThreshold float64 `mapstructure:"warm_threshold"`
}

type OrganizationConfig struct {
	Name         string   `mapstructure:"name"`
	Phone        string   `mapstructure:"phone"`
	Email        string   `mapstructure:"email"`
	HomeRegion   string   `mapstructure:"home_region"`
	HomeProvince string   `mapstructure:"home_province"`
	Greeting     string   `mapstructure:"greeting"`
	Options      []string `mapstructure:"options"`
}

type SupabaseConfig struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	AssistantToken string        `mapstructure:"assistant_token"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type QdrantConfig struct {
	URL             string  `mapstructure:"url"`
	APIKey          string  `mapstructure:"api_key"`
	Collection      string  `mapstructure:"collection"`
	Limit           int     `mapstructure:"limit"`
	MinScore        float32 `mapstructure:"min_score"`
	EmbeddingModel  string  `mapstructure:"embedding_model"`
	EmbeddingAPIKey string  `mapstructure:"embedding_api_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Enabled reports whether Supabase is configured.
func (c SupabaseConfig) Enabled() bool { return c.URL != "" && c.APIKey != "" }

// Enabled reports whether knowledge retrieval is configured.
func (c QdrantConfig) Enabled() bool { return c.URL != "" && c.Collection != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 64<<10)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.ttl", 24*time.Hour)
	v.SetDefault("store.lock_lease", 60*time.Second)

	v.SetDefault("upstream.provider", "openai")
	v.SetDefault("upstream.model", "gpt-4o-mini")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", 8*time.Second)
	v.SetDefault("upstream.cost_cap", 12000)
	v.SetDefault("upstream.system_prompt", "")
	v.SetDefault("upstream.history_messages", 20)
	v.SetDefault("upstream.history_tokens", 3000)

	v.SetDefault("failover.max_retries", 3)
	v.SetDefault("failover.repeated_failure_threshold", 3)
	v.SetDefault("failover.templates_file", "")

	v.SetDefault("classifier.rules_file", "")
	v.SetDefault("classifier.hot_threshold", 8.5)
	v.SetDefault("classifier.warm_threshold", 6.0)

	v.SetDefault("organization.name", "")
	v.SetDefault("organization.phone", "")
	v.SetDefault("organization.email", "")
	v.SetDefault("organization.home_region", "")
	v.SetDefault("organization.home_province", "")
	v.SetDefault("organization.greeting", "")
	v.SetDefault("organization.options", []string{})

	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.api_key", "")
	v.SetDefault("supabase.assistant_token", "")
	v.SetDefault("supabase.cache_ttl", 5*time.Minute)

	v.SetDefault("qdrant.url", "")
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.collection", "")
	v.SetDefault("qdrant.limit", 4)
	v.SetDefault("qdrant.min_score", 0.35)
	v.SetDefault("qdrant.embedding_model", "text-embedding-3-small")
	v.SetDefault("qdrant.embedding_api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case ./triage.yaml
// is used when present. A .env file in the working directory is loaded
// first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadWith(viper.New(), path)
}

// LoadWith reads configuration into the given viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WorstCaseHandling is the longest one message can take when every upstream
// attempt runs into its timeout.
func (c *Config) WorstCaseHandling() time.Duration {
	attempts := max(c.Failover.MaxRetries, 0) + 1
	return time.Duration(attempts)*c.Upstream.Timeout + HandlingMargin
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, redis", c.Store.Driver))
	}

	switch c.Upstream.Provider {
	case "openai", "anthropic", "gemini":
		if c.Upstream.APIKey == "" {
			errs = append(errs, fmt.Errorf("upstream.api_key is required for provider %s", c.Upstream.Provider))
		}
	case "http":
		if c.Upstream.BaseURL == "" {
			errs = append(errs, errors.New("upstream.base_url is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("upstream.provider %q is not one of openai, anthropic, gemini, http", c.Upstream.Provider))
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.CostCap < 0 {
		errs = append(errs, errors.New("upstream.cost_cap must not be negative"))
	}
	if c.Failover.MaxRetries < 0 {
		errs = append(errs, errors.New("failover.max_retries must not be negative"))
	}
	if c.Classifier.WarmThreshold <= 0 || c.Classifier.HotThreshold <= c.Classifier.WarmThreshold || c.Classifier.HotThreshold > 10 {
		errs = append(errs, errors.New("classifier thresholds must satisfy 0 < warm < hot <= 10"))
	}

	if c.Upstream.Timeout > 0 {
		worst := c.WorstCaseHandling()
		if c.Server.WriteTimeout > 0 && worst >= c.Server.WriteTimeout {
			errs = append(errs, fmt.Errorf("server.write_timeout %s must exceed the worst-case handling time %s ((max_retries+1) x upstream.timeout + %s)",
				c.Server.WriteTimeout, worst, HandlingMargin))
		}
		if c.Store.LockLease > 0 && worst >= c.Store.LockLease {
			errs = append(errs, fmt.Errorf("store.lock_lease %s must exceed the worst-case handling time %s ((max_retries+1) x upstream.timeout + %s)",
				c.Store.LockLease, worst, HandlingMargin))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
