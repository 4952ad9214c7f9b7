package gosubs

import (
	"context"
	"math"
	"time"
)

func validateAmount(resource ResourceType, amount float64) error {
	if !resource.Valid() {
		return ErrUnknownResource
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return ErrInvalidAmount
	}
	if !resource.Fractional() && amount != math.Trunc(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// CheckAndReserve atomically reserves amount of resource against the
// subscription's limit. A denied reservation is returned with Allowed=false
// and a nil error; the counter is left unchanged.
func (m *Manager) CheckAndReserve(ctx context.Context, subscriptionID string, resource ResourceType, amount float64) (Reservation, error) {
	if err := validateAmount(resource, amount); err != nil {
		return Reservation{Resource: resource}, err
	}

	start := time.Now()
	res, err := m.ledger.Reserve(ctx, subscriptionID, resource, amount)
	m.observe("reserve", start, err)
	if err != nil {
		return Reservation{Resource: resource}, Transient(err)
	}
	m.metrics.RecordReservation(resource, res.Allowed)

	if !res.Allowed {
		m.logger.Info("usage reservation denied",
			F("subscription_id", subscriptionID),
			F("resource", string(resource)),
			F("amount", amount),
			F("current", res.Current),
			F("limit", res.Limit),
		)
	}
	return res, nil
}

// Release returns amount of resource to the subscription. The counter never
// goes below zero. Returns the new counter value.
func (m *Manager) Release(ctx context.Context, subscriptionID string, resource ResourceType, amount float64) (float64, error) {
	if err := validateAmount(resource, amount); err != nil {
		return 0, err
	}

	start := time.Now()
	current, err := m.ledger.Release(ctx, subscriptionID, resource, amount)
	m.observe("release", start, err)
	if err != nil {
		return 0, Transient(err)
	}
	m.metrics.RecordRelease(resource)
	return current, nil
}

// Usage returns every usage counter of a subscription.
func (m *Manager) Usage(ctx context.Context, subscriptionID string) (map[ResourceType]UsageCounter, error) {
	start := time.Now()
	usage, err := m.ledger.Usage(ctx, subscriptionID)
	m.observe("usage", start, err)
	if err != nil {
		return nil, Transient(err)
	}
	return usage, nil
}

// ReserveForUser reserves against the user's active or trialing
// subscription. Returns ErrSubscriptionNotFound when there is none.
func (m *Manager) ReserveForUser(ctx context.Context, userID string, resource ResourceType, amount float64) (Reservation, string, error) {
	if err := validateAmount(resource, amount); err != nil {
		return Reservation{Resource: resource}, "", err
	}
	sub, err := m.storage.GetLiveSubscription(ctx, userID)
	if err != nil {
		return Reservation{Resource: resource}, "", err
	}
	if !sub.Status.Entitled() {
		return Reservation{Resource: resource}, "", ErrSubscriptionNotFound
	}
	res, err := m.CheckAndReserve(ctx, sub.ID, resource, amount)
	return res, sub.ID, err
}
