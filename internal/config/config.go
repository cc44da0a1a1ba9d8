// Package config loads the reconciler's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the reconciler.
type Config struct {
	BindAddress   string        `envconfig:"RECONCILER_BIND_ADDRESS" default:"0.0.0.0"`
	Port          int           `envconfig:"RECONCILER_PORT" default:"8080"`
	DataDir       string        `envconfig:"RECONCILER_DATA_DIR" default:"/data"`
	DBDriver      string        `envconfig:"RECONCILER_DB_DRIVER" default:"sqlite"`
	DatabaseURL   string        `envconfig:"RECONCILER_DATABASE_URL"`
	CatalogPath   string        `envconfig:"RECONCILER_CATALOG_PATH" default:"catalog.yaml"`
	StoreTimeout  time.Duration `envconfig:"RECONCILER_STORE_TIMEOUT" default:"5s"`
	EventTimeout  time.Duration `envconfig:"RECONCILER_EVENT_TIMEOUT" default:"20s"`
	AdminKey      string        `envconfig:"RECONCILER_ADMIN_KEY"`
	PublicMetrics bool          `envconfig:"RECONCILER_PUBLIC_METRICS" default:"false"`
	// WebhookRateLimit is requests per minute per client IP.
	WebhookRateLimit int `envconfig:"RECONCILER_WEBHOOK_RATE_LIMIT" default:"120"`

	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIKey        string `envconfig:"STRIPE_API_KEY"`

	PostmarkServerToken string `envconfig:"POSTMARK_SERVER_TOKEN"`
	ResendAPIKey        string `envconfig:"RESEND_API_KEY"`
	EmailFrom           string `envconfig:"RECONCILER_EMAIL_FROM" default:"billing@localhost"`

	RedisAddr     string `envconfig:"RECONCILER_REDIS_ADDR"`
	RedisPassword string `envconfig:"RECONCILER_REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"RECONCILER_REDIS_DB" default:"0"`

	NotifyWorkers         int      `envconfig:"RECONCILER_NOTIFY_WORKERS" default:"4"`
	OutboundWebhookURLs   []string `envconfig:"RECONCILER_OUTBOUND_WEBHOOK_URLS"`
	OutboundWebhookSecret string   `envconfig:"RECONCILER_OUTBOUND_WEBHOOK_SECRET"`

	LogLevel  string `envconfig:"RECONCILER_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"RECONCILER_LOG_FORMAT" default:"auto"`
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.AdminKey = strings.TrimSpace(c.AdminKey)
	c.StripeWebhookSecret = strings.TrimSpace(c.StripeWebhookSecret)
	c.StripeAPIKey = strings.TrimSpace(c.StripeAPIKey)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)

	urls := c.OutboundWebhookURLs[:0]
	for _, u := range c.OutboundWebhookURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	c.OutboundWebhookURLs = urls
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "RECONCILER_ADMIN_KEY")
	}
	if c.DBDriver == DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "RECONCILER_DATABASE_URL")
	}
	if len(c.OutboundWebhookURLs) > 0 && strings.TrimSpace(c.OutboundWebhookSecret) == "" {
		missing = append(missing, "RECONCILER_OUTBOUND_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("RECONCILER_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverPostgres {
		return fmt.Errorf("RECONCILER_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("RECONCILER_STORE_TIMEOUT must be greater than 0, got %s", c.StoreTimeout)
	}
	if c.EventTimeout < c.StoreTimeout {
		return fmt.Errorf("RECONCILER_EVENT_TIMEOUT (%s) must not be shorter than RECONCILER_STORE_TIMEOUT (%s)", c.EventTimeout, c.StoreTimeout)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("RECONCILER_WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("RECONCILER_NOTIFY_WORKERS must be greater than 0, got %d", c.NotifyWorkers)
	}
	for _, raw := range c.OutboundWebhookURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("RECONCILER_OUTBOUND_WEBHOOK_URLS contains an invalid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("RECONCILER_OUTBOUND_WEBHOOK_URLS must use http or https, got %q", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("RECONCILER_OUTBOUND_WEBHOOK_URLS entry %q has no host", raw)
		}
	}
	return nil
}
