// Package config loads and validates all runtime configuration for the
// translation proxy.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// InstanceID is the opaque per-process id returned in X-Instance-ID and
	// GET /health. Auto-generated if unset.
	InstanceID string

	Cache       CacheConfig
	RateLimit   RateLimitConfig
	AuthLimit   AuthLimitConfig
	Concurrency ConcurrencyConfig
	Dedup       DedupConfig
	Upstream    UpstreamConfig
	Analytics   AnalyticsConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any origin.
	CORSOrigins []string
}

// CacheConfig controls the translation cache.
type CacheConfig struct {
	MaxSize         int
	TTL             time.Duration
	LockTimeout     time.Duration
	CleanupInterval time.Duration
	ExcludeExact    []string
	ExcludePatterns []string
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPM       int
	Burst     int
	ClientTTL time.Duration
}

// AuthLimitConfig controls the authentication-failure lockout tracker.
type AuthLimitConfig struct {
	MaxAttempts    int
	WindowSeconds  time.Duration
	LockoutSeconds time.Duration
}

// ConcurrencyConfig bounds upstream fan-out.
type ConcurrencyConfig struct {
	MaxConcurrentAPICalls int
}

// DedupConfig controls in-flight request coalescing.
type DedupConfig struct {
	Enabled bool
}

// UpstreamConfig controls the outbound HTTP client used for every
// caller-specified target_endpoint.
type UpstreamConfig struct {
	HTTPTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxConnections int
	MaxKeepalive   int
	DeltaField     string
}

// AnalyticsConfig controls the optional ClickHouse analytics sink.
type AnalyticsConfig struct {
	Enabled  bool
	DSN      string
	Database string
	Table    string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("INSTANCE_ID", "")

	v.SetDefault("CACHE_MAX_SIZE", 1000)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("LOCK_TIMEOUT", "50ms")
	v.SetDefault("CLEANUP_INTERVAL", "5m")
	v.SetDefault("CACHE_EXCLUDE_EXACT", []string{})
	v.SetDefault("CACHE_EXCLUDE_PATTERNS", []string{})

	v.SetDefault("RATE_LIMIT_RPM", 60)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("CLIENT_TTL", "10m")

	v.SetDefault("AUTH_FAILURE_MAX_ATTEMPTS", 5)
	v.SetDefault("AUTH_FAILURE_WINDOW_SECONDS", "300s")
	v.SetDefault("AUTH_FAILURE_LOCKOUT_SECONDS", "300s")

	v.SetDefault("MAX_CONCURRENT_API_CALLS", 10)
	v.SetDefault("DEDUP_ENABLED", true)

	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("CONNECT_TIMEOUT", "5s")
	v.SetDefault("MAX_CONNECTIONS", 100)
	v.SetDefault("MAX_KEEPALIVE", 20)
	v.SetDefault("UPSTREAM_DELTA_FIELD", "content")

	v.SetDefault("ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("ANALYTICS_ENABLED", false)
	v.SetDefault("ANALYTICS_DSN", "")
	v.SetDefault("ANALYTICS_DATABASE", "translateproxy")
	v.SetDefault("ANALYTICS_TABLE", "requests")

	cfg := &Config{
		Port:       v.GetInt("PORT"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		InstanceID: v.GetString("INSTANCE_ID"),

		Cache: CacheConfig{
			MaxSize:         v.GetInt("CACHE_MAX_SIZE"),
			TTL:             v.GetDuration("CACHE_TTL"),
			LockTimeout:     v.GetDuration("LOCK_TIMEOUT"),
			CleanupInterval: v.GetDuration("CLEANUP_INTERVAL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPM:       v.GetInt("RATE_LIMIT_RPM"),
			Burst:     v.GetInt("RATE_LIMIT_BURST"),
			ClientTTL: v.GetDuration("CLIENT_TTL"),
		},

		AuthLimit: AuthLimitConfig{
			MaxAttempts:    v.GetInt("AUTH_FAILURE_MAX_ATTEMPTS"),
			WindowSeconds:  v.GetDuration("AUTH_FAILURE_WINDOW_SECONDS"),
			LockoutSeconds: v.GetDuration("AUTH_FAILURE_LOCKOUT_SECONDS"),
		},

		Concurrency: ConcurrencyConfig{
			MaxConcurrentAPICalls: v.GetInt("MAX_CONCURRENT_API_CALLS"),
		},

		Dedup: DedupConfig{
			Enabled: v.GetBool("DEDUP_ENABLED"),
		},

		Upstream: UpstreamConfig{
			HTTPTimeout:    v.GetDuration("HTTP_TIMEOUT"),
			ConnectTimeout: v.GetDuration("CONNECT_TIMEOUT"),
			MaxConnections: v.GetInt("MAX_CONNECTIONS"),
			MaxKeepalive:   v.GetInt("MAX_KEEPALIVE"),
			DeltaField:     v.GetString("UPSTREAM_DELTA_FIELD"),
		},

		Analytics: AnalyticsConfig{
			Enabled:  v.GetBool("ANALYTICS_ENABLED"),
			DSN:      v.GetString("ANALYTICS_DSN"),
			Database: v.GetString("ANALYTICS_DATABASE"),
			Table:    v.GetString("ANALYTICS_TABLE"),
		},

		CORSOrigins: v.GetStringSlice("ALLOWED_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: CACHE_MAX_SIZE must be ≥ 1, got %d", c.Cache.MaxSize)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.RateLimit.RPM < 1 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be ≥ 1, got %d", c.RateLimit.RPM)
	}
	if c.AuthLimit.MaxAttempts < 1 {
		return fmt.Errorf("config: AUTH_FAILURE_MAX_ATTEMPTS must be ≥ 1, got %d", c.AuthLimit.MaxAttempts)
	}
	if c.Concurrency.MaxConcurrentAPICalls < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_API_CALLS must be ≥ 1, got %d", c.Concurrency.MaxConcurrentAPICalls)
	}
	switch c.Upstream.DeltaField {
	case "content", "system_response", "choices[0].delta.content":
	default:
		return fmt.Errorf("config: invalid UPSTREAM_DELTA_FIELD %q", c.Upstream.DeltaField)
	}
	if c.Analytics.Enabled && c.Analytics.DSN == "" {
		return fmt.Errorf("config: ANALYTICS_DSN is required when ANALYTICS_ENABLED=true")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
