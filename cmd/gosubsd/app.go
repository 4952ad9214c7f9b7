package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gosubs/pkg/api"
	"github.com/mihaimyh/gosubs/pkg/billing"
	billingprom "github.com/mihaimyh/gosubs/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gosubs/pkg/billing/mock"
	"github.com/mihaimyh/gosubs/pkg/billing/stripe"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
	zerologadapter "github.com/mihaimyh/gosubs/pkg/gosubs/logger/zerolog"
	gosubsprom "github.com/mihaimyh/gosubs/pkg/gosubs/metrics/prometheus"
	"github.com/mihaimyh/gosubs/storage/memory"
	"github.com/mihaimyh/gosubs/storage/postgres"
	"github.com/mihaimyh/gosubs/storage/redis"
	"github.com/mihaimyh/gosubs/storage/tiered"
)

const metricsNamespace = "gosubs"

// app holds the wired daemon components.
type app struct {
	cfg      Config
	log      zerolog.Logger
	registry *prometheus.Registry
	storage  gosubs.Storage
	manager  *gosubs.Manager
	handler  http.Handler
	closers  []func()
}

// newLogger builds the process logger from LogLevel and LogFormat.
func newLogger(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out = zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Str("component", "gosubsd").Logger()
}

func newApp(ctx context.Context, cfg Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger := zerologadapter.NewLogger(log)

	storage, err := a.openStorage(ctx, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = storage

	billingMetrics := billingprom.NewMetrics(a.registry, metricsNamespace)
	gateway, provider, signatureHeader, err := openGateway(cfg, billingMetrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	managerConfig := gosubs.Config{
		Metrics:          gosubsprom.NewMetrics(a.registry, metricsNamespace),
		Logger:           logger,
		EntitlementGrace: cfg.EntitlementGrace,
		TaxRate:          cfg.TaxRate,
		PlanCache:        &gosubs.PlanCacheConfig{Enabled: cfg.PlanCacheTTL > 0, TTL: cfg.PlanCacheTTL},
		CircuitBreakerConfig: &gosubs.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
	if cfg.RedisURL != "" {
		if err := a.openRedis(&managerConfig, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	manager, err := gosubs.NewManager(storage, gateway, managerConfig)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	a.manager = manager

	webhook, err := billing.NewWebhookHandler(billing.Config{
		Manager:           manager,
		Provider:          provider,
		SignatureHeader:   signatureHeader,
		RateLimitRequests: cfg.WebhookRateLimit,
		Metrics:           billingMetrics,
		Logger:            logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create webhook handler: %w", err)
	}

	apiHandler, err := api.NewHandler(api.Config{
		Manager:   manager,
		GetUserID: api.FromHeader(cfg.UserIDHeader),
		AdminOnly: bearerToken(cfg.AdminToken),
		Webhooks:  map[string]http.Handler{provider: webhook},
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.healthz)
	r.Mount("/v1", apiHandler)
	a.handler = r
	return a, nil
}

func (a *app) openStorage(ctx context.Context, logger gosubs.Logger) (gosubs.Storage, error) {
	if a.cfg.Storage == "memory" {
		a.log.Warn().Msg("using in-memory storage, data is lost on restart")
		return memory.New(), nil
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = a.cfg.PostgresDSN
	pgConfig.MaxConns = a.cfg.PostgresMaxConns
	pgConfig.AutoMigrate = a.cfg.AutoMigrate
	pgConfig.UsageRetention = a.cfg.UsageRetention
	pgConfig.CleanupEnabled = a.cfg.UsageRetention > 0
	pgConfig.Logger = logger

	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) openRedis(managerConfig *gosubs.Config, logger gosubs.Logger) error {
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid GOSUBS_REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })

	redisConfig := redis.DefaultConfig()
	redisConfig.KeyPrefix = a.cfg.RedisKeyPrefix
	redisConfig.Channel = a.cfg.RedisKeyPrefix + "notifications"

	hot, err := redis.NewLedger(client, redisConfig)
	if err != nil {
		return err
	}
	ledger, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           a.storage,
		AsyncUsageSync: a.cfg.AsyncUsageSync,
		AsyncErrorHandler: func(err error) {
			a.log.Warn().Err(err).Msg("usage mirror write failed")
		},
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = ledger.Close() })
	notifier, err := redis.NewNotifier(client, redisConfig, logger)
	if err != nil {
		return err
	}
	managerConfig.Ledger = ledger
	managerConfig.Notifier = notifier
	return nil
}

// openGateway returns the configured gateway with its webhook route name
// and signature header.
func openGateway(cfg Config, metrics billing.Metrics) (gosubs.Gateway, string, string, error) {
	switch cfg.Gateway {
	case "stripe":
		g, err := stripe.New(stripe.Config{
			APIKey:               cfg.StripeAPIKey,
			WebhookSecret:        cfg.StripeWebhookSecret,
			PaymentSigningSecret: cfg.PaymentSigningSecret,
			Metrics:              metrics,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to create stripe gateway: %w", err)
		}
		return g, "stripe", stripe.SignatureHeader, nil
	default:
		keySecret := cfg.PaymentSigningSecret
		if keySecret == "" {
			keySecret = "key_dev"
		}
		return mock.New(cfg.MockWebhookSecret, keySecret), "mock", billing.DefaultSignatureHeader, nil
	}
}

// bearerToken guards admin routes with a static token. An empty token
// rejects every admin request.
func bearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.storage.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.log.Warn().Err(err).Msg("health check failed")
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// syncCancellations retries gateway cancellations that failed at cancel time.
func (a *app) syncCancellations(ctx context.Context) {
	synced, err := a.manager.SyncPendingCancellations(ctx, 100)
	if err != nil {
		a.log.Error().Err(err).Msg("remote cancellation sync failed")
		return
	}
	if synced > 0 {
		a.log.Info().Int("synced", synced).Msg("remote cancellations synced")
	}
}

// Close waits for in-flight notifications and releases connections.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
