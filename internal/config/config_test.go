package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef-secret"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CONFIG_FILE", "LOG_LEVEL", "LISTEN_ADDR", "METRICS_LISTEN_ADDR",
		"DATABASE_URL", "MASTER_SECRET", "BOOTSTRAP_KEY", "TOKEN_TTL", "SWEEP_INTERVAL",
		"WEBHOOK_TIMEOUT", "WEBHOOK_BASE_BACKOFF", "WEBHOOK_MAX_BACKOFF", "SUMMARY_LENGTH",
		"REVOCATION_CONCURRENCY", "WEBHOOK_MAX_ATTEMPTS", "WEBHOOK_FAILURE_THRESHOLD",
		"RATE_LIMIT_BURST", "RATE_LIMIT_RPS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB"} {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q (default)", cfg.LogLevel, "info")
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q (default)", cfg.ListenAddr, ":8080")
	}
	if cfg.SummaryLength != 500 {
		t.Errorf("SummaryLength = %d, want 500", cfg.SummaryLength)
	}
	if cfg.Webhook.FailureThreshold != 10 {
		t.Errorf("FailureThreshold = %d, want 10", cfg.Webhook.FailureThreshold)
	}
	if cfg.Webhook.BaseBackoff != time.Second {
		t.Errorf("BaseBackoff = %s, want 1s", cfg.Webhook.BaseBackoff)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/syndication")
	t.Setenv("TOKEN_TTL", "2h")
	t.Setenv("REVOCATION_CONCURRENCY", "8")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.DatabaseURL != "postgres://u:p@db/syndication" {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
	if cfg.TokenTTL != 2*time.Hour || cfg.RevocationConcurrency != 8 || cfg.RateLimit.RPS != 2.5 {
		t.Errorf("unexpected parsed values: ttl=%s conc=%d rps=%v", cfg.TokenTTL, cfg.RevocationConcurrency, cfg.RateLimit.RPS)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_TIMEOUT", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "WEBHOOK_TIMEOUT") {
		t.Fatalf("expected WEBHOOK_TIMEOUT error, got %v", err)
	}
}

func TestLoadWithArgs_FileThenEnvThenFlags(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	yaml := []byte(`
listen_addr: ":7000"
log_level: warn
summary_length: 280
webhook:
  timeout: 6s
  max_attempts: 3
rate_limit:
  redis_addr: "redis:6379"
`)
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadWithArgs([]string{"--config", path, "--listen-addr", ":7100"})
	if err != nil {
		t.Fatalf("LoadWithArgs() error = %v", err)
	}
	if cfg.ListenAddr != ":7100" {
		t.Errorf("flag should win: ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("env should beat file: LogLevel = %q", cfg.LogLevel)
	}
	if cfg.SummaryLength != 280 || cfg.Webhook.Timeout != 6*time.Second || cfg.Webhook.MaxAttempts != 3 {
		t.Errorf("file values not applied: %+v", cfg.Webhook)
	}
	if cfg.Webhook.FailureThreshold != 10 {
		t.Errorf("defaults should survive a partial file, got %d", cfg.Webhook.FailureThreshold)
	}
	if cfg.RateLimit.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cfg.RateLimit.RedisAddr)
	}
}

func TestLoadWithArgs_UnknownFlag(t *testing.T) {
	clearEnv(t)

	if _, err := LoadWithArgs([]string{"--nope"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.MasterSecret = "" }, "MASTER_SECRET"},
		{"short secret", func(c *Config) { c.MasterSecret = "short" }, "MASTER_SECRET"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"timeout too short", func(c *Config) { c.Webhook.Timeout = time.Second }, "webhook timeout"},
		{"timeout too long", func(c *Config) { c.Webhook.Timeout = time.Minute }, "webhook timeout"},
		{"backoff inverted", func(c *Config) { c.Webhook.MaxBackoff = time.Millisecond }, "backoff"},
		{"zero concurrency", func(c *Config) { c.RevocationConcurrency = 0 }, "concurrency"},
		{"zero threshold", func(c *Config) { c.Webhook.FailureThreshold = 0 }, "threshold"},
		{"no rate", func(c *Config) { c.RateLimit.RPS = 0 }, "rate limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.MasterSecret = testSecret
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	c := Default()
	c.MasterSecret = testSecret

	k1, err := c.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	k2, _ := c.Keys()

	if len(k1.TokenSigning) != 32 || len(k1.SecretEncryption) != 32 {
		t.Fatalf("expected 32-byte keys, got %d/%d", len(k1.TokenSigning), len(k1.SecretEncryption))
	}
	if bytes.Equal(k1.TokenSigning, k1.SecretEncryption) {
		t.Error("signing and encryption keys must differ")
	}
	if !bytes.Equal(k1.TokenSigning, k2.TokenSigning) {
		t.Error("key derivation must be deterministic")
	}

	c.MasterSecret = testSecret + "-rotated"
	k3, _ := c.Keys()
	if bytes.Equal(k1.TokenSigning, k3.TokenSigning) {
		t.Error("a different master secret must yield different keys")
	}
}
