package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/campaigner/internal/dispatch"
	"github.com/foxzi/campaigner/internal/mailer"
	"github.com/foxzi/campaigner/internal/ratelimit"
)

// Config is the root configuration for the campaigner daemon.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Storage   StorageConfig    `yaml:"storage"`
	Queue     QueueConfig      `yaml:"queue"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Retry     RetryConfig      `yaml:"retry"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	Mailer    MailerConfig     `yaml:"mailer"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	ABTest    ABTestConfig     `yaml:"ab_test"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // EHLO name, defaults to os.Hostname
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// APIKey is compared verbatim; APIKeyHash is a bcrypt hash of the key
	// and wins when both are set. Empty both means no auth.
	APIKey     string `yaml:"api_key"`
	APIKeyHash string `yaml:"api_key_hash"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// StorageConfig contains the on-disk paths.
type StorageConfig struct {
	QueuePath    string `yaml:"queue_path"`    // bbolt file holding tasks and buckets
	DatabasePath string `yaml:"database_path"` // sqlite file holding campaign metadata
}

// QueueConfig contains queue and retention settings.
type QueueConfig struct {
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	MaxConsecutiveLeases int           `yaml:"max_consecutive_leases"`
	RetentionMaxAge      time.Duration `yaml:"retention_max_age"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// RetryConfig contains backoff settings.
type RetryConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RateLimitedFactor int           `yaml:"rate_limited_factor"`
}

// MailerConfig contains SMTP delivery settings.
type MailerConfig struct {
	// Mode selects the delivery path: "smtp" or "memory". Memory keeps
	// messages in process and is meant for tests and dry runs.
	Mode    string              `yaml:"mode"`
	Timeout time.Duration       `yaml:"timeout"`
	Relay   *mailer.RelayConfig `yaml:"relay,omitempty"`
	DKIM    DKIMConfig          `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings.
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SchedulerConfig contains schedule expansion settings.
type SchedulerConfig struct {
	// Lookahead bounds how far ahead recurring occurrences materialize
	// into queue tasks.
	Lookahead time.Duration `yaml:"lookahead"`
}

// ABTestConfig contains evaluator settings.
type ABTestConfig struct {
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout <= 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "./data/queue.db"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./data/campaigner.db"
	}

	if c.Queue.LeaseTTL <= 0 {
		c.Queue.LeaseTTL = 2 * time.Minute
	}
	if c.Queue.RetentionMaxAge <= 0 {
		c.Queue.RetentionMaxAge = 7 * 24 * time.Hour
	}
	if c.Queue.CleanupInterval <= 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 30 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = time.Hour
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.RateLimitedFactor <= 0 {
		c.Retry.RateLimitedFactor = 4
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.SendTimeout <= 0 {
		c.Dispatch.SendTimeout = 10 * time.Second
	}

	if c.Mailer.Mode == "" {
		c.Mailer.Mode = "smtp"
	}
	if c.Mailer.Timeout <= 0 {
		c.Mailer.Timeout = 30 * time.Second
	}

	if c.Scheduler.Lookahead <= 0 {
		c.Scheduler.Lookahead = 30 * 24 * time.Hour
	}

	if c.ABTest.EvaluateInterval <= 0 {
		c.ABTest.EvaluateInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Mailer.Mode {
	case "smtp", "memory":
	default:
		return fmt.Errorf("invalid mailer.mode: %s (must be smtp or memory)", c.Mailer.Mode)
	}

	if c.Mailer.Relay != nil && c.Mailer.Relay.Host == "" {
		return fmt.Errorf("mailer.relay.host is required when a relay is configured")
	}

	if c.Mailer.DKIM.Enabled {
		if c.Mailer.DKIM.Domain == "" {
			return fmt.Errorf("mailer.dkim.domain is required when DKIM is enabled")
		}
		if c.Mailer.DKIM.Selector == "" {
			return fmt.Errorf("mailer.dkim.selector is required when DKIM is enabled")
		}
		if c.Mailer.DKIM.KeyFile == "" {
			return fmt.Errorf("mailer.dkim.key_file is required when DKIM is enabled")
		}
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateRateLimit() error {
	check := func(name string, lc *ratelimit.LimitConfig) error {
		if lc == nil {
			return nil
		}
		if lc.Capacity < 0 {
			return fmt.Errorf("rate_limit.%s.capacity must not be negative", name)
		}
		if lc.RefillPerSec < 0 {
			return fmt.Errorf("rate_limit.%s.refill_per_sec must not be negative", name)
		}
		return nil
	}

	if err := check("global", c.RateLimit.Global); err != nil {
		return err
	}
	if err := check("user", c.RateLimit.User); err != nil {
		return err
	}
	if err := check("campaign", c.RateLimit.Campaign); err != nil {
		return err
	}
	if err := check("domain", c.RateLimit.Domain); err != nil {
		return err
	}
	for name, lc := range c.RateLimit.Domains {
		if err := check("domains."+name, lc); err != nil {
			return err
		}
	}
	return nil
}
