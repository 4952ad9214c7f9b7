package gosubs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds subscription manager configuration
type Config struct {
	// Ledger overrides the usage ledger provided by Storage, e.g. with a Redis
	// ledger for hot counters. Default: the Storage itself.
	Ledger UsageLedger

	// Notifier delivers user notifications (default: NoopNotifier)
	Notifier Notifier

	// Metrics is used for tracking lifecycle operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Clock returns the current time (default: time.Now in UTC)
	Clock func() time.Time

	// IDGenerator returns new record ids (default: UUIDv4)
	IDGenerator func() string

	// EntitlementGrace extends entitlement past a subscription's end date to
	// absorb late renewal webhooks (default: 0)
	EntitlementGrace time.Duration

	// TaxRate is the flat rate applied to order amounts, e.g. 0.18 (default: 0)
	TaxRate float64

	// NotificationTimeout bounds a single notification delivery (default: 10 seconds)
	NotificationTimeout time.Duration

	// MaxTransitionRetries bounds reload-and-retry after a concurrent update (default: 3)
	MaxTransitionRetries int

	// PlanCache configures the plan read-through cache (disabled when nil)
	PlanCache *PlanCacheConfig

	// CircuitBreakerConfig configures the circuit breaker around gateway calls
	CircuitBreakerConfig *CircuitBreakerConfig
}

// Manager implements the subscription lifecycle, usage ledger, entitlement
// resolution, payment handling and webhook reconciliation on top of a
// persistence-only Storage and a remote Gateway.
type Manager struct {
	storage  Storage
	ledger   UsageLedger
	gateway  Gateway // nil when no gateway is configured
	decoder  EventDecoder
	notifier Notifier
	metrics  Metrics
	logger   Logger
	plans    *planCache
	breaker  CircuitBreaker
	config   Config

	wg sync.WaitGroup
}

// NewManager creates a subscription manager. gateway may be nil, in which
// case operations that need the remote side return ErrGatewayNotConfigured.
func NewManager(storage Storage, gateway Gateway, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Ledger == nil {
		config.Ledger = storage
	}
	if config.Notifier == nil {
		config.Notifier = &NoopNotifier{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Clock == nil {
		config.Clock = func() time.Time { return time.Now().UTC() }
	}
	if config.IDGenerator == nil {
		config.IDGenerator = uuid.NewString
	}
	if config.NotificationTimeout <= 0 {
		config.NotificationTimeout = 10 * time.Second
	}
	if config.MaxTransitionRetries <= 0 {
		config.MaxTransitionRetries = 3
	}
	if config.TaxRate < 0 {
		return nil, invalid("tax_rate", "must not be negative")
	}

	m := &Manager{
		storage:  storage,
		ledger:   config.Ledger,
		notifier: config.Notifier,
		metrics:  config.Metrics,
		logger:   config.Logger,
		config:   config,
	}

	if config.PlanCache != nil && config.PlanCache.Enabled {
		m.plans = newPlanCache(*config.PlanCache, config.Clock)
	}

	if gateway != nil {
		if dec, ok := gateway.(EventDecoder); ok {
			m.decoder = dec
		}
		if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
			m.breaker = NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
				m.metrics.RecordCircuitBreakerStateChange(string(state))
				m.logger.Warn("gateway circuit breaker state changed",
					F("gateway", gateway.Name()),
					F("state", string(state)),
				)
			})
		}
		m.gateway = newGuardedGateway(gateway, m.breaker, m.metrics)
	}

	return m, nil
}

// CircuitBreakerState returns the gateway breaker state, or StateClosed when no breaker is configured.
func (m *Manager) CircuitBreakerState() CircuitBreakerState {
	if m.breaker == nil {
		return StateClosed
	}
	return m.breaker.State()
}

// PlanCacheStats returns plan cache statistics. Zero when caching is disabled.
func (m *Manager) PlanCacheStats() CacheStats {
	if m.plans == nil {
		return CacheStats{}
	}
	return m.plans.stats()
}

func (m *Manager) now() time.Time {
	return m.config.Clock()
}

func (m *Manager) newID() string {
	return m.config.IDGenerator()
}

func (m *Manager) requireGateway() error {
	if m.gateway == nil {
		return ErrGatewayNotConfigured
	}
	return nil
}

// observe records a storage operation's duration and outcome.
func (m *Manager) observe(op string, start time.Time, err error) {
	m.metrics.RecordStorageOperation(op, time.Since(start), err)
}
