// Package prommetrics implements gosubs.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Metrics implements gosubs.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal           *prometheus.CounterVec
	transitionsRejectedTotal   *prometheus.CounterVec
	reservationsTotal          *prometheus.CounterVec
	releasesTotal              *prometheus.CounterVec
	paymentsTotal              *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	gatewayCallDuration        *prometheus.HistogramVec
	gatewayCallErrors          *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of executed subscription lifecycle transitions.",
		}, []string{"from", "to"}),

		transitionsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_rejected_total",
			Help:      "Total number of lifecycle transitions refused by the state machine.",
		}, []string{"from", "to"}),

		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reservations_total",
			Help:      "Total number of usage reservation attempts.",
		}, []string{"resource", "allowed"}),

		releasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_releases_total",
			Help:      "Total number of usage releases.",
		}, []string{"resource"}),

		paymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_recorded_total",
			Help:      "Total number of payment writes by resulting status.",
		}, []string{"status", "created"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of user notifications dispatched.",
		}, []string{"kind", "success"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),

		gatewayCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_call_errors_total",
			Help:      "Total number of failed payment gateway calls.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordTransition(from, to gosubs.Status) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordTransitionRejected(from, to gosubs.Status) {
	m.transitionsRejectedTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordReservation(resource gosubs.ResourceType, allowed bool) {
	m.reservationsTotal.WithLabelValues(string(resource), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordRelease(resource gosubs.ResourceType) {
	m.releasesTotal.WithLabelValues(string(resource)).Inc()
}

func (m *Metrics) RecordPayment(status gosubs.PaymentStatus, created bool) {
	m.paymentsTotal.WithLabelValues(string(status), strconv.FormatBool(created)).Inc()
}

func (m *Metrics) RecordNotification(kind gosubs.NotificationKind, err error) {
	m.notificationsTotal.WithLabelValues(string(kind), strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordGatewayCall(operation string, duration time.Duration, err error) {
	m.gatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.gatewayCallErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ gosubs.Metrics = (*Metrics)(nil)
