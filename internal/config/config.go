// Package config provides configuration loading and validation.
//
// Values come from built-in defaults, then an optional YAML file
// (CONFIG_FILE or --config), then environment variables, then command-line
// flags. Secrets are accepted from the environment only.
package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel              string          `yaml:"log_level"`           // debug, info, warn, error
	ListenAddr            string          `yaml:"listen_addr"`         // e.g. ":8080"
	MetricsListenAddr     string          `yaml:"metrics_listen_addr"` // e.g. "localhost:9090"
	DatabaseURL           string          `yaml:"database_url"`        // SQLite path or postgres:// URL
	TokenTTL              time.Duration   `yaml:"token_ttl"`
	SummaryLength         int             `yaml:"summary_length"`
	RevocationConcurrency int             `yaml:"revocation_concurrency"`
	SweepInterval         time.Duration   `yaml:"sweep_interval"` // 0 disables the background sweep
	Webhook               WebhookConfig   `yaml:"webhook"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`

	MasterSecret string `yaml:"-"` // Required: >= 32 bytes, keys are derived from it
	BootstrapKey string `yaml:"-"` // Optional: creates the first admin principal
}

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	MaxAttempts      int           `yaml:"max_attempts"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// RateLimitConfig controls the public endpoint limiter. When RedisAddr is set
// the limit is shared across instances.
type RateLimitConfig struct {
	RPS           float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"-"`
	RedisDB       int     `yaml:"redis_db"`
}

// Keys are the symmetric keys derived from the master secret.
type Keys struct {
	TokenSigning     []byte
	SecretEncryption []byte
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		LogLevel:              "info",
		ListenAddr:            ":8080",
		MetricsListenAddr:     "localhost:9090",
		DatabaseURL:           "/data/syndication.db",
		TokenTTL:              24 * time.Hour,
		SummaryLength:         500,
		RevocationConcurrency: 4,
		SweepInterval:         15 * time.Second,
		Webhook: WebhookConfig{
			Timeout:          10 * time.Second,
			BaseBackoff:      time.Second,
			MaxBackoff:       30 * time.Second,
			MaxAttempts:      4,
			FailureThreshold: 10,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// Load builds configuration from the environment alone.
func Load() (*Config, error) {
	return LoadWithArgs(nil)
}

// LoadWithArgs builds configuration from defaults, the optional YAML file,
// environment variables and finally the given command-line arguments.
func LoadWithArgs(args []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("syndication-gateway", pflag.ContinueOnError)
	configFile := fs.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	listenAddr := fs.String("listen-addr", "", "HTTP listen address")
	metricsAddr := fs.String("metrics-listen-addr", "", "metrics listen address")
	databaseURL := fs.String("database-url", "", "SQLite path or postgres:// URL")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := cfg.loadFile(*configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", *configFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if fs.Changed("listen-addr") {
		cfg.ListenAddr = *listenAddr
	}
	if fs.Changed("metrics-listen-addr") {
		cfg.MetricsListenAddr = *metricsAddr
	}
	if fs.Changed("database-url") {
		cfg.DatabaseURL = *databaseURL
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.MetricsListenAddr, "METRICS_LISTEN_ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.MasterSecret, "MASTER_SECRET")
	setString(&c.BootstrapKey, "BOOTSTRAP_KEY")
	setString(&c.RateLimit.RedisAddr, "REDIS_ADDR")
	setString(&c.RateLimit.RedisPassword, "REDIS_PASSWORD")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.TokenTTL, "TOKEN_TTL"},
		{&c.SweepInterval, "SWEEP_INTERVAL"},
		{&c.Webhook.Timeout, "WEBHOOK_TIMEOUT"},
		{&c.Webhook.BaseBackoff, "WEBHOOK_BASE_BACKOFF"},
		{&c.Webhook.MaxBackoff, "WEBHOOK_MAX_BACKOFF"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&c.SummaryLength, "SUMMARY_LENGTH"},
		{&c.RevocationConcurrency, "REVOCATION_CONCURRENCY"},
		{&c.Webhook.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS"},
		{&c.Webhook.FailureThreshold, "WEBHOOK_FAILURE_THRESHOLD"},
		{&c.RateLimit.Burst, "RATE_LIMIT_BURST"},
		{&c.RateLimit.RedisDB, "REDIS_DB"},
	}
	for _, i := range ints {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		c.RateLimit.RPS = rps
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// Validate checks all configuration constraints.
func (c *Config) Validate() error {
	if len(c.MasterSecret) < 32 {
		return fmt.Errorf("MASTER_SECRET environment variable is required and must be at least 32 bytes")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.SummaryLength <= 0 {
		return fmt.Errorf("summary length must be positive")
	}
	if c.RevocationConcurrency < 1 {
		return fmt.Errorf("revocation concurrency must be at least 1")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	if c.Webhook.Timeout < 5*time.Second || c.Webhook.Timeout > 10*time.Second {
		return fmt.Errorf("webhook timeout must be between 5s and 10s, got %s", c.Webhook.Timeout)
	}
	if c.Webhook.BaseBackoff <= 0 || c.Webhook.MaxBackoff < c.Webhook.BaseBackoff {
		return fmt.Errorf("webhook backoff must satisfy 0 < base <= max")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}
	if c.Webhook.FailureThreshold < 1 {
		return fmt.Errorf("webhook failure threshold must be at least 1")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit requires positive rps and burst")
	}
	return nil
}

// Keys derives the token signing key and the at-rest encryption key from the
// master secret with HKDF-SHA256.
func (c *Config) Keys() (Keys, error) {
	signing, err := derive(c.MasterSecret, "embed-token-signing")
	if err != nil {
		return Keys{}, err
	}
	encryption, err := derive(c.MasterSecret, "secret-encryption")
	if err != nil {
		return Keys{}, err
	}
	return Keys{TokenSigning: signing, SecretEncryption: encryption}, nil
}

func derive(secret, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}
