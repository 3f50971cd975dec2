package config

import (
	"errors"
	"testing"
	"time"
)

var allKeys = []string{
	"APP_ENV", "APP_HTTP_ADDR", "METRICS_ADDR", "DB_DSN", "STORE_TYPE", "SESSION_STORE",
	"REDIS_URL", "ADMIN_API_KEY", "ADMIN_API_KEY_HASH", "TEST_PROVIDER_KEY", "TOKEN_SECRET", "TOKEN_PREVIOUS_SECRET",
	"TOKEN_TTL", "SESSION_TTL", "VALIDATION_FRESHNESS", "ENFORCE_CHECKOUT", "ENFORCE_CART",
	"RATE_LIMIT_PER_IP", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every key for the duration of the test. viper treats an
// empty environment value as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "dev" {
		t.Errorf("Expected AppEnv='dev', got '%s'", cfg.AppEnv)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr=':8080', got '%s'", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("Expected MetricsAddr=':9090', got '%s'", cfg.MetricsAddr)
	}
	if cfg.StoreType != "memory" || cfg.SessionStore != "memory" {
		t.Errorf("Expected memory stores, got '%s'/'%s'", cfg.StoreType, cfg.SessionStore)
	}
	if cfg.AdminAPIKey != DefaultAdminAPIKey {
		t.Errorf("Expected AdminAPIKey='admin-123', got '%s'", cfg.AdminAPIKey)
	}
	if cfg.TokenTTL != 2*time.Hour || cfg.SessionTTL != 30*time.Minute || cfg.ValidationFreshness != 24*time.Hour {
		t.Errorf("unexpected durations: %v %v %v", cfg.TokenTTL, cfg.SessionTTL, cfg.ValidationFreshness)
	}
	if !cfg.EnforceCheckout || !cfg.EnforceCart {
		t.Error("Expected both enforcement flags on by default")
	}
	if cfg.RateLimitPerIP != 100 {
		t.Errorf("Expected RateLimitPerIP=100, got %d", cfg.RateLimitPerIP)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("unexpected log settings: %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.TokenSecret) != 64 || !cfg.TokenSecretGenerated() {
		t.Errorf("Expected a generated 64-char token secret, got %q", cfg.TokenSecret)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate in dev: %v", err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "staging")
	t.Setenv("APP_HTTP_ADDR", ":9999")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("ENFORCE_CART", "false")
	t.Setenv("RATE_LIMIT_PER_IP", "200")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("TEST_PROVIDER_KEY", "provider-456")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AppEnv != "staging" || cfg.HTTPAddr != ":9999" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.SessionStore != "redis" || cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis settings not applied: %s %s", cfg.SessionStore, cfg.RedisURL)
	}
	if cfg.TokenSecret != "s3cret" || cfg.TokenSecretGenerated() {
		t.Error("explicit token secret must be used as-is")
	}
	if cfg.TokenTTL != 90*time.Minute {
		t.Errorf("Expected TokenTTL=90m, got %v", cfg.TokenTTL)
	}
	if cfg.EnforceCart {
		t.Error("Expected EnforceCart=false")
	}
	if cfg.TestProviderKey != "provider-456" {
		t.Errorf("Expected TestProviderKey='provider-456', got '%s'", cfg.TestProviderKey)
	}
	if cfg.RateLimitPerIP != 200 {
		t.Errorf("Expected RateLimitPerIP=200, got %d", cfg.RateLimitPerIP)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		AppEnv:              "dev",
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		StoreType:           "memory",
		SessionStore:        "memory",
		AdminAPIKey:         "k",
		TokenSecret:         "s",
		TokenTTL:            time.Hour,
		SessionTTL:          time.Minute,
		ValidationFreshness: time.Hour,
		RateLimitPerIP:      10,
		LogFormat:           "json",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad store", func(c *Config) { c.StoreType = "mysql" }, "STORE_TYPE"},
		{"postgres without dsn", func(c *Config) { c.StoreType = "postgres" }, "DB_DSN"},
		{"bad session store", func(c *Config) { c.SessionStore = "file" }, "SESSION_STORE"},
		{"redis without url", func(c *Config) { c.SessionStore = "redis" }, "REDIS_URL"},
		{"empty http addr", func(c *Config) { c.HTTPAddr = "" }, "APP_HTTP_ADDR"},
		{"empty metrics addr", func(c *Config) { c.MetricsAddr = "" }, "METRICS_ADDR"},
		{"no admin credential", func(c *Config) { c.AdminAPIKey = "" }, "ADMIN_API_KEY"},
		{"hash only is fine", func(c *Config) { c.AdminAPIKey = ""; c.AdminAPIKeyHash = "$2a$..." }, ""},
		{"provider key equals admin key", func(c *Config) { c.TestProviderKey = c.AdminAPIKey }, "TEST_PROVIDER_KEY"},
		{"distinct provider key", func(c *Config) { c.TestProviderKey = "p" }, ""},
		{"zero token ttl", func(c *Config) { c.TokenTTL = 0 }, "TOKEN_TTL"},
		{"negative freshness", func(c *Config) { c.ValidationFreshness = -time.Second }, "VALIDATION_FRESHNESS"},
		{"zero rate limit", func(c *Config) { c.RateLimitPerIP = 0 }, "RATE_LIMIT_PER_IP"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"prod default key", func(c *Config) { c.AppEnv = "prod"; c.AdminAPIKey = DefaultAdminAPIKey }, "ADMIN_API_KEY"},
		{"prod generated secret", func(c *Config) { c.AppEnv = "production"; c.tokenSecretGenerated = true }, "TOKEN_SECRET"},
		{"dev generated secret", func(c *Config) { c.tokenSecretGenerated = true }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
		})
	}
}
