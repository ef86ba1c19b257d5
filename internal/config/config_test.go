package config

import "testing"

func validConfig() *Config {
	return &Config{
		LogLevel: "info",
		Cache:    CacheConfig{MaxSize: 100, TTL: 1},
		RateLimit: RateLimitConfig{RPM: 60},
		AuthLimit: AuthLimitConfig{MaxAttempts: 5},
		Concurrency: ConcurrencyConfig{MaxConcurrentAPICalls: 10},
		Upstream: UpstreamConfig{DeltaField: "content"},
	}
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfig_ValidateRejectsBadLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestConfig_ValidateRejectsBadDeltaField(t *testing.T) {
	c := validConfig()
	c.Upstream.DeltaField = "garbage"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for invalid delta field")
	}
}

func TestConfig_ValidateRequiresAnalyticsDSNWhenEnabled(t *testing.T) {
	c := validConfig()
	c.Analytics.Enabled = true
	if err := c.validate(); err == nil {
		t.Fatal("expected error when analytics enabled without a DSN")
	}
}

func TestConfig_ValidateRejectsZeroRPM(t *testing.T) {
	c := validConfig()
	c.RateLimit.RPM = 0
	if err := c.validate(); err == nil {
		t.Fatal("expected error for zero RPM")
	}
}
