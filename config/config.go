// Package config loads leadscout settings: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/ratelimit"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
)

// Config holds the full leadscout configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AllowedOrigins are the browser origins, besides the API's own host,
	// that may open the progress websocket. Env: ALLOWED_ORIGINS, comma
	// separated.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Passphrase seals the stored cookie and password. Without it secrets
	// are not persisted and the session does not survive a restart.
	Passphrase string `yaml:"-"`

	Cache       CacheConfig                 `yaml:"cache"`
	Batch       BatchConfig                 `yaml:"batch"`
	Maintenance MaintenanceConfig           `yaml:"maintenance"`
	Audit       AuditConfig                 `yaml:"audit"`
	RateLimits  map[string]ratelimit.Budget `yaml:"rate_limits"`
	Browser     linkedin.BrowserConfig      `yaml:"browser"`
	Registry    RegistryConfig              `yaml:"registry"`
	WebSearch   WebSearchConfig             `yaml:"websearch"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	RedisURL   string        `yaml:"redis_url"`
}

type BatchConfig struct {
	// ReuseWindow: negative reuses an identical completed batch forever.
	ReuseWindow     time.Duration `yaml:"reuse_window"`
	Retention       time.Duration `yaml:"retention"`
	DefaultLimit    int           `yaml:"default_limit"`
	PublishProgress bool          `yaml:"publish_progress"` // on Redis, needs cache.redis_url
}

type MaintenanceConfig struct {
	CachePurge   string `yaml:"cache_purge"`
	Retention    string `yaml:"retention"`
	SessionCheck string `yaml:"session_check"`
	AuditCleanup string `yaml:"audit_cleanup"`
}

type AuditConfig struct {
	Disabled  bool          `yaml:"disabled"`
	Retention time.Duration `yaml:"retention"`
}

type RegistryConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
}

type WebSearchConfig struct {
	APIKey   string `yaml:"-"`
	EngineID string `yaml:"engine_id"`
	BaseURL  string `yaml:"base_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8090",
		DBPath:   "data/leadscout.db",
		LogLevel: "info",
		Cache: CacheConfig{
			Backend:    CacheSQLite,
			TTL:        30 * 24 * time.Hour,
			MaxEntries: 50_000,
		},
		Batch: BatchConfig{
			ReuseWindow:  24 * time.Hour,
			Retention:    90 * 24 * time.Hour,
			DefaultLimit: 10,
		},
		Maintenance: MaintenanceConfig{
			CachePurge:   "@every 6h",
			Retention:    "@daily",
			SessionCheck: "@every 30m",
			AuditCleanup: "@daily",
		},
		Audit: AuditConfig{Retention: 90 * 24 * time.Hour},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if p := os.Getenv("PORT"); p != "" {
		c.Listen = ":" + p
	}
	c.Listen = env("LISTEN", c.Listen)
	c.DBPath = env("DB_PATH", c.DBPath)
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)
	c.Passphrase = env("SESSION_PASSPHRASE", c.Passphrase)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	c.Cache.Backend = env("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisURL = env("REDIS_URL", c.Cache.RedisURL)

	c.Browser.RemoteURL = env("CHROME_REMOTE_URL", c.Browser.RemoteURL)
	c.Browser.Bin = env("CHROME_BIN", c.Browser.Bin)
	if v := os.Getenv("BROWSER_HEADFUL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: BROWSER_HEADFUL: %w", err)
		}
		c.Browser.Headful = b
	}

	c.Registry.APIKey = env("PAPPERS_API_KEY", c.Registry.APIKey)
	c.WebSearch.APIKey = env("GOOGLE_SEARCH_API_KEY", c.WebSearch.APIKey)
	c.WebSearch.EngineID = env("GOOGLE_SEARCH_CX", c.WebSearch.EngineID)
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheSQLite:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("config: cache backend redis needs redis_url (or REDIS_URL)")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q (memory, sqlite, redis)", c.Cache.Backend)
	}
	if c.Batch.PublishProgress && c.Cache.RedisURL == "" {
		return errors.New("config: batch.publish_progress needs redis_url")
	}
	for name, b := range c.RateLimits {
		if b.PerMinute < 0 || b.PerHour < 0 || b.PerDay < 0 || b.MinDelay < 0 || b.Cooldown < 0 {
			return fmt.Errorf("config: rate_limits.%s: negative value", name)
		}
	}
	return nil
}

// Budgets returns the stock budgets with the configured overrides merged
// in. Unknown services are added as given.
func (c *Config) Budgets() map[string]ratelimit.Budget {
	out := ratelimit.DefaultBudgets()
	for name, b := range c.RateLimits {
		if base, ok := out[name]; ok {
			out[name] = base.Merge(b)
		} else {
			out[name] = b
		}
	}
	return out
}

// Level maps LogLevel to a slog level; unknown values mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
