package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// Config application configuration
type Config struct {
	// HTTP
	Port          string `env:"PORT" envDefault:"8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL,required,notEmpty"` // e.g., https://mail.example.com
	AppRedirect   string `env:"APP_REDIRECT_URL"`                  // where the OAuth callback sends the browser

	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"` // sqlite, sqlite3 or pgx
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"./data/mailsync.db"`

	// Security
	EncryptionKey    string `env:"ENCRYPTION_KEY,required,notEmpty"` // 32 bytes, raw or base64
	InternalAPIToken string `env:"INTERNAL_API_TOKEN,required,notEmpty"`
	JWKSURL          string `env:"JWKS_URL"` // enables session auth for interactive callers

	// Google
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GmailPubSubTopic   string `env:"GMAIL_PUBSUB_TOPIC"` // projects/<project>/topics/<topic>
	GmailPushToken     string `env:"GMAIL_PUSH_TOKEN"`

	// Microsoft
	MicrosoftClientID     string        `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string        `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenant       string        `env:"MICROSOFT_TENANT" envDefault:"common"`
	GraphClientState      string        `env:"GRAPH_CLIENT_STATE"`
	SubscriptionTTL       time.Duration `env:"SUBSCRIPTION_TTL" envDefault:"48h"`

	// Downstream
	DownstreamWebhookURL    string        `env:"DOWNSTREAM_WEBHOOK_URL"`
	DownstreamWebhookSecret string        `env:"DOWNSTREAM_WEBHOOK_SECRET"`
	DownstreamTimeout       time.Duration `env:"DOWNSTREAM_TIMEOUT" envDefault:"15s"`
	NATSURL                 string        `env:"NATS_URL"` // optional JetStream fan-out
	NATSStream              string        `env:"NATS_STREAM" envDefault:"MAIL_EVENTS"`
	NATSSubjectPrefix       string        `env:"NATS_SUBJECT_PREFIX" envDefault:"mail"`

	// Timing
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`
	TokenRefreshBuffer time.Duration `env:"TOKEN_REFRESH_BUFFER" envDefault:"2m"`
	ErrorBackoff       time.Duration `env:"ERROR_BACKOFF" envDefault:"30m"`
	RenewLookahead     time.Duration `env:"RENEW_LOOKAHEAD" envDefault:"24h"`
	StaleAfter         time.Duration `env:"STALE_AFTER" envDefault:"6h"`
	StuckAfter         time.Duration `env:"STUCK_AFTER" envDefault:"15m"`
	WatchdogInterval   time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"15m"` // 0 disables the ticker
	RedriveLimit       int           `env:"REDRIVE_LIMIT" envDefault:"50"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`

	// Workers
	AsyncDispatch bool `env:"ASYNC_DISPATCH" envDefault:"true"`
	Workers       int  `env:"WORKERS" envDefault:"8"`
	QueueSize     int  `env:"QUEUE_SIZE" envDefault:"256"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // "json" or "text"

	key []byte
}

// GoogleEnabled returns true if Google OAuth is configured
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// MicrosoftEnabled returns true if Microsoft OAuth is configured
func (c *Config) MicrosoftEnabled() bool {
	return c.MicrosoftClientID != "" && c.MicrosoftClientSecret != ""
}

// VaultKey returns the decoded encryption key
func (c *Config) VaultKey() []byte {
	return c.key
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	key, err := vault.ParseKey(c.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	c.key = key

	if !store.ValidDriver(c.DatabaseDriver) {
		return fmt.Errorf("DATABASE_DRIVER %q is not one of sqlite, sqlite3, pgx", c.DatabaseDriver)
	}

	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute url, got %q", c.PublicBaseURL)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")

	var errs []error
	if !c.GoogleEnabled() && !c.MicrosoftEnabled() {
		errs = append(errs, errors.New("configure GOOGLE_CLIENT_ID/SECRET or MICROSOFT_CLIENT_ID/SECRET"))
	}
	if c.GoogleEnabled() && c.GmailPubSubTopic == "" {
		errs = append(errs, errors.New("GMAIL_PUBSUB_TOPIC is required with Google credentials"))
	}
	if c.GoogleEnabled() && c.GmailPushToken == "" {
		errs = append(errs, errors.New("GMAIL_PUSH_TOKEN is required with Google credentials"))
	}
	if c.MicrosoftEnabled() && c.GraphClientState == "" {
		errs = append(errs, errors.New("GRAPH_CLIENT_STATE is required with Microsoft credentials"))
	}
	if c.DownstreamWebhookURL == "" && c.NATSURL == "" {
		errs = append(errs, errors.New("configure DOWNSTREAM_WEBHOOK_URL or NATS_URL"))
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		errs = append(errs, errors.New("WORKERS and QUEUE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
