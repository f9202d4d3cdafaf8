package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  api_key: secret
rate_limit:
  global:
    capacity: 100
    refill_per_sec: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %q, want :8080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "secret" {
		t.Errorf("API.APIKey = %q, want secret", cfg.API.APIKey)
	}
	if cfg.Queue.LeaseTTL != 2*time.Minute {
		t.Errorf("Queue.LeaseTTL = %v, want 2m", cfg.Queue.LeaseTTL)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.RateLimitedFactor != 4 {
		t.Errorf("Retry.RateLimitedFactor = %d, want 4", cfg.Retry.RateLimitedFactor)
	}
	if cfg.RateLimit.Global == nil || cfg.RateLimit.Global.Capacity != 100 {
		t.Errorf("RateLimit.Global = %+v, want capacity 100", cfg.RateLimit.Global)
	}
	if cfg.RateLimit.Campaign != nil {
		t.Errorf("RateLimit.Campaign = %+v, want nil (unlimited)", cfg.RateLimit.Campaign)
	}
	if cfg.Scheduler.Lookahead != 30*24*time.Hour {
		t.Errorf("Scheduler.Lookahead = %v, want 720h", cfg.Scheduler.Lookahead)
	}
	if cfg.Mailer.Mode != "smtp" {
		t.Errorf("Mailer.Mode = %q, want smtp", cfg.Mailer.Mode)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad mailer mode", "mailer:\n  mode: pigeon\n"},
		{"relay without host", "mailer:\n  relay:\n    port: 587\n"},
		{"dkim without key", "mailer:\n  dkim:\n    enabled: true\n    domain: example.com\n    selector: mail\n"},
		{"negative capacity", "rate_limit:\n  global:\n    capacity: -1\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded for a missing file, want error")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("Metrics.ListenAddr = %q, want :9090", cfg.Metrics.ListenAddr)
	}
}
