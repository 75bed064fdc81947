// ABOUTME: Configuration loading and parsing for leadrouter
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Cursor backends.
const (
	CursorBackendMemory = "memory"
	CursorBackendSQLite = "sqlite"
	CursorBackendRedis  = "redis"
)

// Config represents the complete leadrouter configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Distribution DistributionConfig `yaml:"distribution" toml:"distribution"`
	Redis        RedisConfig        `yaml:"redis" toml:"redis"`
	Leads        LeadsConfig        `yaml:"leads" toml:"leads"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables authentication on the API.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DistributionConfig holds lead distribution settings
type DistributionConfig struct {
	CursorBackend string `yaml:"cursor_backend" toml:"cursor_backend"`
	CursorName    string `yaml:"cursor_name" toml:"cursor_name"`
	CASAttempts   int    `yaml:"cas_attempts" toml:"cas_attempts"`

	RefreshTimeout    time.Duration `yaml:"-" toml:"-"`
	RefreshTimeoutRaw string        `yaml:"refresh_timeout" toml:"refresh_timeout"`

	Bookkeeping BookkeepingConfig `yaml:"bookkeeping" toml:"bookkeeping"`
	Breaker     BreakerConfig     `yaml:"breaker" toml:"breaker"`
}

// BookkeepingConfig controls how assignment counters are written back.
// An explicit max_retries of 0 disables retries.
type BookkeepingConfig struct {
	Async     bool `yaml:"async" toml:"async"`
	QueueSize int  `yaml:"queue_size" toml:"queue_size"`

	MaxRetries    int  `yaml:"-" toml:"-"`
	MaxRetriesRaw *int `yaml:"max_retries" toml:"max_retries"`

	RetryBackoff    time.Duration `yaml:"-" toml:"-"`
	RetryBackoffRaw string        `yaml:"retry_backoff" toml:"retry_backoff"`
}

// BreakerConfig controls the circuit breaker around the agent directory
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures" toml:"max_failures"`

	OpenTimeout    time.Duration `yaml:"-" toml:"-"`
	OpenTimeoutRaw string        `yaml:"open_timeout" toml:"open_timeout"`
	Interval       time.Duration `yaml:"-" toml:"-"`
	IntervalRaw    string        `yaml:"interval" toml:"interval"`
}

// RedisConfig holds the shared cursor connection for cursor_backend "redis"
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Key      string `yaml:"key" toml:"key"`
}

// LeadsConfig holds lead intake settings.
// An explicit rate_per_minute of 0 disables rate limiting.
type LeadsConfig struct {
	DedupeMax int `yaml:"dedupe_max" toml:"dedupe_max"`
	Burst     int `yaml:"burst" toml:"burst"`

	RatePerMinute    float64  `yaml:"-" toml:"-"`
	RatePerMinuteRaw *float64 `yaml:"rate_per_minute" toml:"rate_per_minute"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if v := cfg.Distribution.Bookkeeping.MaxRetriesRaw; v != nil {
		cfg.Distribution.Bookkeeping.MaxRetries = *v
	}
	if v := cfg.Leads.RatePerMinuteRaw; v != nil {
		cfg.Leads.RatePerMinute = *v
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config path: LEADROUTER_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/leadrouter/config.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("LEADROUTER_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "leadrouter", "config.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	d := &c.Distribution
	if d.CursorBackend == "" {
		d.CursorBackend = CursorBackendMemory
	}
	if d.CursorName == "" {
		d.CursorName = "default"
	}
	if d.CASAttempts == 0 {
		d.CASAttempts = 8
	}
	if d.RefreshTimeout == 0 {
		d.RefreshTimeout = 3 * time.Second
	}
	if d.Bookkeeping.QueueSize == 0 {
		d.Bookkeeping.QueueSize = 1024
	}
	if d.Bookkeeping.MaxRetries == 0 && d.Bookkeeping.MaxRetriesRaw == nil {
		d.Bookkeeping.MaxRetries = 3
	}
	if d.Bookkeeping.RetryBackoff == 0 {
		d.Bookkeeping.RetryBackoff = 100 * time.Millisecond
	}
	if d.Breaker.MaxFailures == 0 {
		d.Breaker.MaxFailures = 5
	}
	if d.Breaker.OpenTimeout == 0 {
		d.Breaker.OpenTimeout = 30 * time.Second
	}
	if d.Breaker.Interval == 0 {
		d.Breaker.Interval = 60 * time.Second
	}

	if c.Redis.Key == "" {
		c.Redis.Key = "leadrouter:cursor:" + d.CursorName
	}

	if c.Leads.DedupeTTL == 0 {
		c.Leads.DedupeTTL = 10 * time.Minute
	}
	if c.Leads.DedupeMax == 0 {
		c.Leads.DedupeMax = 10000
	}
	if c.Leads.RatePerMinute == 0 && c.Leads.RatePerMinuteRaw == nil {
		c.Leads.RatePerMinute = 120
	}
	if c.Leads.Burst == 0 {
		c.Leads.Burst = 20
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Distribution.CursorBackend {
	case CursorBackendMemory, CursorBackendSQLite:
	case CursorBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when distribution.cursor_backend is redis")
		}
	default:
		return fmt.Errorf("distribution.cursor_backend must be memory, sqlite or redis, got %q", c.Distribution.CursorBackend)
	}

	if c.Distribution.CASAttempts < 1 {
		return fmt.Errorf("distribution.cas_attempts must be positive")
	}
	if c.Distribution.Bookkeeping.MaxRetries < 0 {
		return fmt.Errorf("distribution.bookkeeping.max_retries must not be negative")
	}

	if c.Leads.RatePerMinute < 0 {
		return fmt.Errorf("leads.rate_per_minute must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"distribution.refresh_timeout", cfg.Distribution.RefreshTimeoutRaw, &cfg.Distribution.RefreshTimeout},
		{"distribution.bookkeeping.retry_backoff", cfg.Distribution.Bookkeeping.RetryBackoffRaw, &cfg.Distribution.Bookkeeping.RetryBackoff},
		{"distribution.breaker.open_timeout", cfg.Distribution.Breaker.OpenTimeoutRaw, &cfg.Distribution.Breaker.OpenTimeout},
		{"distribution.breaker.interval", cfg.Distribution.Breaker.IntervalRaw, &cfg.Distribution.Breaker.Interval},
		{"leads.dedupe_ttl", cfg.Leads.DedupeTTLRaw, &cfg.Leads.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
