package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the daemon configuration, read from the environment.
// A .env file in the working directory is loaded first when present.
type Config struct {
	ListenAddr      string        `env:"GOSUBS_LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr     string        `env:"GOSUBS_METRICS_ADDR" envDefault:":9091"`
	ShutdownTimeout time.Duration `env:"GOSUBS_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"GOSUBS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GOSUBS_LOG_FORMAT" envDefault:"json"`

	// Storage is "memory" or "postgres".
	Storage          string        `env:"GOSUBS_STORAGE" envDefault:"memory"`
	PostgresDSN      string        `env:"GOSUBS_POSTGRES_DSN"`
	PostgresMaxConns int32         `env:"GOSUBS_POSTGRES_MAX_CONNS" envDefault:"10"`
	AutoMigrate      bool          `env:"GOSUBS_AUTO_MIGRATE" envDefault:"true"`
	UsageRetention   time.Duration `env:"GOSUBS_USAGE_RETENTION" envDefault:"0s"`

	// RedisURL moves usage counters and notifications to Redis when set.
	RedisURL       string `env:"GOSUBS_REDIS_URL"`
	RedisKeyPrefix string `env:"GOSUBS_REDIS_KEY_PREFIX" envDefault:"gosubs:"`

	// AsyncUsageSync mirrors Redis reservations to the durable store in the background.
	AsyncUsageSync bool `env:"GOSUBS_USAGE_ASYNC_SYNC" envDefault:"true"`

	// Gateway is "mock" or "stripe".
	Gateway              string `env:"GOSUBS_GATEWAY" envDefault:"mock"`
	StripeAPIKey         string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET"`
	PaymentSigningSecret string `env:"GOSUBS_PAYMENT_SIGNING_SECRET"`
	MockWebhookSecret    string `env:"GOSUBS_MOCK_WEBHOOK_SECRET" envDefault:"whsec_dev"`

	AdminToken   string `env:"GOSUBS_ADMIN_TOKEN"`
	UserIDHeader string `env:"GOSUBS_USER_ID_HEADER" envDefault:"X-User-ID"`

	EntitlementGrace time.Duration `env:"GOSUBS_ENTITLEMENT_GRACE" envDefault:"0s"`
	TaxRate          float64       `env:"GOSUBS_TAX_RATE" envDefault:"0"`
	PlanCacheTTL     time.Duration `env:"GOSUBS_PLAN_CACHE_TTL" envDefault:"1m"`

	// RemoteSyncInterval is how often flagged cancellations are retried against the gateway (0 disables).
	RemoteSyncInterval time.Duration `env:"GOSUBS_REMOTE_SYNC_INTERVAL" envDefault:"5m"`

	WebhookRateLimit int `env:"GOSUBS_WEBHOOK_RATE_LIMIT" envDefault:"100"`
}

// loadConfig reads Config from the environment.
func loadConfig() (Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the combinations env tags cannot express.
func (c *Config) Validate() error {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	c.Gateway = strings.ToLower(strings.TrimSpace(c.Gateway))

	switch c.Storage {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("GOSUBS_POSTGRES_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	switch c.Gateway {
	case "mock":
	case "stripe":
		if c.StripeAPIKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_API_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe gateway")
		}
	default:
		return fmt.Errorf("unknown gateway %q", c.Gateway)
	}

	if c.TaxRate < 0 || c.TaxRate >= 1 {
		return fmt.Errorf("GOSUBS_TAX_RATE must be in [0, 1)")
	}
	return nil
}
