package gosubs

import "time"

// Metrics defines the interface for tracking lifecycle and ledger operations.
type Metrics interface {
	// RecordTransition records an executed lifecycle transition.
	RecordTransition(from, to Status)

	// RecordTransitionRejected records a transition refused because the edge is not allowed.
	RecordTransitionRejected(from, to Status)

	// RecordReservation records a CheckAndReserve outcome.
	RecordReservation(resource ResourceType, allowed bool)

	// RecordRelease records a Release call.
	RecordRelease(resource ResourceType)

	// RecordPayment records a payment row written or updated with the given status.
	// created is false when an insert was skipped because the payment already existed.
	RecordPayment(status PaymentStatus, created bool)

	// RecordNotification records a notification dispatch and whether it failed.
	RecordNotification(kind NotificationKind, err error)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordGatewayCall records the duration and status of a gateway call.
	RecordGatewayCall(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(_, _ Status)                              {}
func (n *NoopMetrics) RecordTransitionRejected(_, _ Status)                      {}
func (n *NoopMetrics) RecordReservation(_ ResourceType, _ bool)                  {}
func (n *NoopMetrics) RecordRelease(_ ResourceType)                              {}
func (n *NoopMetrics) RecordPayment(_ PaymentStatus, _ bool)                     {}
func (n *NoopMetrics) RecordNotification(_ NotificationKind, _ error)            {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordGatewayCall(_ string, _ time.Duration, _ error)      {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
