// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	Env            string
	DBPath         string
	ServiceAPIKey  string
	NodeID         int64
	AllowedOrigins []string

	// Timezone names the zone used for time-of-day greetings. Empty means
	// the process's local zone.
	Timezone         string
	JournalRetention time.Duration

	Backend    BackendConfig
	Classifier ClassifierConfig
	Telegram   TelegramConfig
	Actions    ActionsConfig
	Token      TokenConfig
	Auth       AuthConfig
	Sanitizer  SanitizerConfig
	OTel       OTelConfig
}

// BackendConfig points at the academic backend used for student lookup.
type BackendConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	RedisURL string
	CacheTTL time.Duration

	// CacheSecret keys the sealed Redis entries. Replicas sharing a cache
	// need the same secret.
	CacheSecret string
}

// ClassifierConfig configures the remote intent classifier. An empty Addr
// uses the keyword classifier only.
type ClassifierConfig struct {
	Addr          string
	MinConfidence float64
}

// TelegramConfig enables the Telegram transport when BotToken is set.
type TelegramConfig struct {
	BotToken      string
	APIURL        string
	WebhookSecret string
}

// ActionsConfig points at the protected action handlers.
type ActionsConfig struct {
	URL     string
	Timeout time.Duration
}

// TokenConfig controls access tokens minted after authentication.
type TokenConfig struct {
	Secret string
	TTL    time.Duration
}

// AuthConfig holds the authentication policy.
type AuthConfig struct {
	InactivityTimeout   time.Duration
	SweepInterval       time.Duration
	RetryLimit          int
	FullProbability     float64
	MinFragment         int
	MaxFragment         int
	ChallengeTTL        time.Duration
	AllowedEmailDomains []string
	InboundRate         float64
	InboundBurst        int
}

// SanitizerConfig bounds transcript clean-up work.
type SanitizerConfig struct {
	MaxAttempts int
	Workers     int
	Rate        float64
	QueueSize   int
}

// OTelConfig configures OpenTelemetry export.
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Enabled reports whether an OTLP endpoint is configured.
func (o OTelConfig) Enabled() bool {
	return o.Endpoint != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("APP_ENV", "development"),
		DBPath:           getEnv("DB_PATH", "./data/campusbot.db"),
		ServiceAPIKey:    getEnv("SERVICE_API_KEY", ""),
		NodeID:           int64(getEnvInt("NODE_ID", 1)),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", nil),
		Timezone:         getEnv("BOT_TIMEZONE", ""),
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 30*24*time.Hour),
		Backend: BackendConfig{
			URL:         strings.TrimRight(getEnv("BACKEND_API_URL", "http://localhost:8000"), "/"),
			APIKey:      getEnv("BACKEND_API_KEY", ""),
			Timeout:     getEnvDuration("BACKEND_TIMEOUT", 5*time.Second),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    getEnvDuration("STUDENT_CACHE_TTL", 2*time.Minute),
			CacheSecret: getEnv("STUDENT_CACHE_SECRET", ""),
		},
		Classifier: ClassifierConfig{
			Addr:          getEnv("CLASSIFIER_ADDR", ""),
			MinConfidence: getEnvFloat("CLASSIFIER_MIN_CONFIDENCE", 0.6),
		},
		Telegram: TelegramConfig{
			BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
			APIURL:        strings.TrimRight(getEnv("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
			WebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		},
		Actions: ActionsConfig{
			URL:     strings.TrimRight(getEnv("ACTIONS_URL", ""), "/"),
			Timeout: getEnvDuration("ACTIONS_TIMEOUT", 10*time.Second),
		},
		Token: TokenConfig{
			Secret: getEnv("JWT_SECRET", ""),
			TTL:    getEnvDuration("JWT_TTL", 30*time.Minute),
		},
		Auth: AuthConfig{
			InactivityTimeout:   getEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute),
			SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
			RetryLimit:          getEnvInt("CHALLENGE_RETRY_LIMIT", 3),
			FullProbability:     getEnvFloat("CHALLENGE_FULL_PROBABILITY", 0.1),
			MinFragment:         getEnvInt("CHALLENGE_MIN_FRAGMENT", 2),
			MaxFragment:         getEnvInt("CHALLENGE_MAX_FRAGMENT", 4),
			ChallengeTTL:        getEnvDuration("CHALLENGE_TTL", 5*time.Minute),
			AllowedEmailDomains: getEnvList("ALLOWED_EMAIL_DOMAINS", nil),
			InboundRate:         getEnvFloat("INBOUND_RATE", 1),
			InboundBurst:        getEnvInt("INBOUND_BURST", 5),
		},
		Sanitizer: SanitizerConfig{
			MaxAttempts: getEnvInt("SANITIZER_MAX_ATTEMPTS", 3),
			Workers:     getEnvInt("SANITIZER_WORKERS", 4),
			Rate:        getEnvFloat("SANITIZER_RATE", 20),
			QueueSize:   getEnvInt("SANITIZER_QUEUE_SIZE", 1024),
		},
		OTel: OTelConfig{
			Endpoint:       strings.TrimRight(getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "/"),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "campusbot"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_API_URL cannot be empty")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be > 0")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023")
	}
	if c.IsProduction() && c.Token.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("BOT_TIMEZONE: %w", err)
		}
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("JOURNAL_RETENTION must be >= 0")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("JWT_TTL must be > 0")
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("CLASSIFIER_MIN_CONFIDENCE must be within [0,1]")
	}
	if c.Auth.InactivityTimeout <= 0 {
		return fmt.Errorf("INACTIVITY_TIMEOUT must be > 0")
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Auth.RetryLimit < 1 {
		return fmt.Errorf("CHALLENGE_RETRY_LIMIT must be >= 1")
	}
	if c.Auth.FullProbability < 0 || c.Auth.FullProbability > 1 {
		return fmt.Errorf("CHALLENGE_FULL_PROBABILITY must be within [0,1]")
	}
	if c.Auth.MinFragment < 1 || c.Auth.MaxFragment < c.Auth.MinFragment {
		return fmt.Errorf("CHALLENGE_MIN_FRAGMENT/CHALLENGE_MAX_FRAGMENT out of range")
	}
	if c.Auth.InboundRate <= 0 || c.Auth.InboundBurst < 1 {
		return fmt.Errorf("INBOUND_RATE and INBOUND_BURST must be > 0")
	}
	if c.Sanitizer.MaxAttempts < 1 {
		return fmt.Errorf("SANITIZER_MAX_ATTEMPTS must be >= 1")
	}
	if c.Sanitizer.Workers < 1 {
		return fmt.Errorf("SANITIZER_WORKERS must be >= 1")
	}
	if c.Sanitizer.Rate <= 0 {
		return fmt.Errorf("SANITIZER_RATE must be > 0")
	}
	if c.Sanitizer.QueueSize <= 0 {
		return fmt.Errorf("SANITIZER_QUEUE_SIZE must be > 0")
	}
	if c.Telegram.BotToken != "" && c.Telegram.WebhookSecret == "" {
		return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
