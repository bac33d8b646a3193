package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.InactivityTimeout != 10*time.Minute {
		t.Fatalf("InactivityTimeout = %v, want 10m", cfg.Auth.InactivityTimeout)
	}
	if cfg.Auth.RetryLimit != 3 {
		t.Fatalf("RetryLimit = %d, want 3", cfg.Auth.RetryLimit)
	}
	if cfg.Auth.SweepInterval != 30*time.Second {
		t.Fatalf("SweepInterval = %v, want 30s", cfg.Auth.SweepInterval)
	}
	if cfg.Auth.FullProbability != 0.1 {
		t.Fatalf("FullProbability = %v, want 0.1", cfg.Auth.FullProbability)
	}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Fatal("expected development mode")
	}
	if cfg.JournalRetention != 30*24*time.Hour {
		t.Fatalf("JournalRetention = %v, want 720h", cfg.JournalRetention)
	}
	if cfg.OTel.Enabled() {
		t.Fatal("otel should be disabled without an endpoint")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INACTIVITY_TIMEOUT", "2m")
	t.Setenv("CHALLENGE_RETRY_LIMIT", "5")
	t.Setenv("CHALLENGE_FULL_PROBABILITY", "0.25")
	t.Setenv("ALLOWED_EMAIL_DOMAINS", " inst.edu, ,alumni.inst.edu ")
	t.Setenv("BACKEND_API_URL", "http://backend:8000/")
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.InactivityTimeout != 2*time.Minute {
		t.Fatalf("InactivityTimeout = %v", cfg.Auth.InactivityTimeout)
	}
	if cfg.Auth.RetryLimit != 5 || cfg.Auth.FullProbability != 0.25 {
		t.Fatalf("policy = %+v", cfg.Auth)
	}
	if got := strings.Join(cfg.Auth.AllowedEmailDomains, "|"); got != "inst.edu|alumni.inst.edu" {
		t.Fatalf("AllowedEmailDomains = %q", got)
	}
	if cfg.Backend.URL != "http://backend:8000" {
		t.Fatalf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Auth.SweepInterval != 30*time.Second {
		t.Fatalf("invalid duration should fall back, got %v", cfg.Auth.SweepInterval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"production without secret": {"APP_ENV": "production", "JWT_SECRET": ""},
		"zero retry limit":          {"CHALLENGE_RETRY_LIMIT": "0"},
		"probability above one":     {"CHALLENGE_FULL_PROBABILITY": "1.5"},
		"inverted fragments":        {"CHALLENGE_MIN_FRAGMENT": "4", "CHALLENGE_MAX_FRAGMENT": "2"},
		"telegram without secret":   {"TELEGRAM_BOT_TOKEN": "123:abc"},
		"node id too large":         {"NODE_ID": "4096"},
		"unknown timezone":          {"BOT_TIMEZONE": "Mars/Olympus_Mons"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
