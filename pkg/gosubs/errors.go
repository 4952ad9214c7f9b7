package gosubs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is, except quota denial which is reported as a Reservation.
var (
	// ErrValidation is returned for malformed input rejected before persistence
	ErrValidation = errors.New("validation failed")

	// ErrAuth is returned for bad webhook or payment signatures
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound is returned for unknown plans, subscriptions or payments
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation contradicts current state
	ErrConflict = errors.New("conflict")

	// ErrTransient is returned for gateway, network or persistence failures that may succeed on retry
	ErrTransient = errors.New("transient failure")
)

var (
	// ErrPlanNotFound is returned when a plan does not exist
	ErrPlanNotFound = fmt.Errorf("plan %w", ErrNotFound)

	// ErrSubscriptionNotFound is returned when a subscription does not exist
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", ErrNotFound)

	// ErrPaymentNotFound is returned when a payment does not exist
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)

	// ErrDuplicatePlan is returned when an external plan id is already registered
	ErrDuplicatePlan = fmt.Errorf("%w: duplicate external plan id", ErrValidation)

	// ErrPlanInUse is returned when deleting a plan referenced by an active or trialing subscription
	ErrPlanInUse = fmt.Errorf("%w: plan is referenced by a live subscription", ErrConflict)

	// ErrPlanNotAvailable is returned when subscribing to a plan that is not active
	ErrPlanNotAvailable = fmt.Errorf("%w: plan is not available for subscription", ErrConflict)

	// ErrLiveSubscriptionExists is returned when a user already holds a non-terminal subscription
	ErrLiveSubscriptionExists = fmt.Errorf("%w: user already has a live subscription", ErrConflict)

	// ErrDuplicateSubscription is returned when an external subscription id is already stored
	ErrDuplicateSubscription = fmt.Errorf("%w: duplicate external subscription id", ErrConflict)

	// ErrStaleSubscription is returned by stores when a versioned update lost a
	// race. It is transient: the write succeeds once retried against the new version.
	ErrStaleSubscription = fmt.Errorf("%w: subscription was modified concurrently", ErrTransient)

	// ErrRefundExceedsBalance is returned when a refund is larger than the remaining captured amount
	ErrRefundExceedsBalance = fmt.Errorf("%w: refund exceeds remaining balance", ErrConflict)

	// ErrPaymentStatus is returned when a payment cannot move to the requested status
	ErrPaymentStatus = fmt.Errorf("%w: invalid payment status change", ErrConflict)

	// ErrInvalidSignature is returned when a webhook or payment signature does not verify
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrAuth)

	// ErrInvalidAmount is returned for non-positive or non-integral amounts
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)

	// ErrUnknownResource is returned for resource types outside the metered set
	ErrUnknownResource = fmt.Errorf("%w: unknown resource type", ErrValidation)

	// ErrGatewayNotConfigured is returned when an operation needs a gateway and none was provided
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")

	// ErrStorageUnavailable is returned when no storage was provided
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError is returned when a lifecycle edge is not allowed.
type TransitionError struct {
	SubscriptionID string
	From           Status
	To             Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscription %s: transition %s -> %s not allowed", e.SubscriptionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrConflict }

// Transient marks err as retryable. Errors already classified are returned unchanged.
func Transient(err error) error {
	if err == nil || IsDomainError(err) || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsDomainError reports whether err is a validation, auth, not-found or
// conflict error, as opposed to an infrastructure failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}

// Kind returns the error kind sentinel err belongs to. Unclassified errors are
// reported as ErrTransient.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, ErrAuth):
		return ErrAuth
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConflict):
		return ErrConflict
	default:
		return ErrTransient
	}
}
