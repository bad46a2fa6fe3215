// Package config loads settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/evetrade/ledger-engine/internal/esi"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all settings.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	ESI      ESIConfig
	SSO      SSOConfig
	Sync     SyncConfig
	Messages MessagingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// StorageConfig selects the backend: Postgres when DatabaseURL is set,
// else SQLite when SQLitePath is set, else in-memory.
type StorageConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:""`
	SealKey     string `envconfig:"TOKEN_SEAL_KEY" default:""`
}

// ESIConfig tunes the exchange gateway.
type ESIConfig struct {
	BaseURL        string        `envconfig:"ESI_BASE_URL" default:"https://esi.evetech.net"`
	UserAgent      string        `envconfig:"ESI_USER_AGENT" default:"evetrade-ledger/0.1"`
	CompatDate     string        `envconfig:"ESI_COMPAT_DATE" default:""`
	RatePerSecond  float64       `envconfig:"ESI_RATE_PER_SECOND" default:"20"`
	RateBurst      int           `envconfig:"ESI_RATE_BURST" default:"10"`
	MaxRetries     int           `envconfig:"ESI_MAX_RETRIES" default:"3"`
	BackoffBase    time.Duration `envconfig:"ESI_BACKOFF_BASE" default:"500ms"`
	RequestTimeout time.Duration `envconfig:"ESI_REQUEST_TIMEOUT" default:"20s"`
	ConnectTimeout time.Duration `envconfig:"ESI_CONNECT_TIMEOUT" default:"10s"`
}

// SSOConfig is the EVE SSO client identity.
type SSOConfig struct {
	ClientID     string `envconfig:"EVE_CLIENT_ID" default:""`
	ClientSecret string `envconfig:"EVE_CLIENT_SECRET" default:""`
	TokenURL     string `envconfig:"ESI_TOKEN_URL" default:"https://login.eveonline.com/v2/oauth/token"`
}

// SyncConfig controls wallet reconciliation.
type SyncConfig struct {
	Schedule       string        `envconfig:"SYNC_SCHEDULE" default:""`
	BackfillMaxAge time.Duration `envconfig:"SYNC_BACKFILL_MAX_AGE" default:"0"`
	LeaseTTL       time.Duration `envconfig:"SYNC_LEASE_TTL" default:"5m"`
}

// MessagingConfig enables RabbitMQ publication of sync outcomes.
type MessagingConfig struct {
	AMQPURL  string `envconfig:"AMQP_URL" default:""`
	Exchange string `envconfig:"AMQP_EXCHANGE" default:"evetrade.sync"`
}

// Address returns the listen address.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Gateway converts the ESI settings for esi.NewGateway.
func (c *Config) Gateway() esi.Config {
	return esi.Config{
		BaseURL:        c.ESI.BaseURL,
		UserAgent:      c.ESI.UserAgent,
		CompatDate:     c.ESI.CompatDate,
		MaxRetries:     c.ESI.MaxRetries,
		BackoffBase:    c.ESI.BackoffBase,
		RequestTimeout: c.ESI.RequestTimeout,
		ConnectTimeout: c.ESI.ConnectTimeout,
		RatePerSecond:  c.ESI.RatePerSecond,
		RateBurst:      c.ESI.RateBurst,
	}
}

// Credentials converts the SSO settings for esi.NewCredentials.
func (c *Config) Credentials() esi.CredentialsConfig {
	return esi.CredentialsConfig{
		ClientID:     c.SSO.ClientID,
		ClientSecret: c.SSO.ClientSecret,
		TokenURL:     c.SSO.TokenURL,
		Timeout:      c.ESI.RequestTimeout,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.ESI.MaxRetries < 1 {
		return nil, fmt.Errorf("ESI_MAX_RETRIES must be at least 1, got %d", cfg.ESI.MaxRetries)
	}
	if cfg.Sync.BackfillMaxAge < 0 {
		return nil, fmt.Errorf("SYNC_BACKFILL_MAX_AGE must not be negative")
	}

	return &cfg, nil
}

// MustLoad calls Load and panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
