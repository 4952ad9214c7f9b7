package gosubs

import (
	"context"
	"fmt"
	"time"
)

// NotificationKind identifies what happened to a user's billing
type NotificationKind string

const (
	NotifySubscriptionActivated NotificationKind = "subscription.activated"
	NotifySubscriptionRenewed   NotificationKind = "subscription.renewed"
	NotifySubscriptionPastDue   NotificationKind = "subscription.past_due"
	NotifySubscriptionPaused    NotificationKind = "subscription.paused"
	NotifySubscriptionResumed   NotificationKind = "subscription.resumed"
	NotifySubscriptionCancelled NotificationKind = "subscription.cancelled"
	NotifySubscriptionCompleted NotificationKind = "subscription.completed"
	NotifyPaymentCaptured       NotificationKind = "payment.captured"
	NotifyPaymentFailed         NotificationKind = "payment.failed"
	NotifyRefundProcessed       NotificationKind = "refund.processed"
)

// Notification is a user-facing message produced by a billing change.
// Delivery (email, SMS, push) belongs to the Notifier implementation.
type Notification struct {
	Kind           NotificationKind  `json:"kind"`
	UserID         string            `json:"user_id"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	PaymentID      string            `json:"payment_id,omitempty"`
	Message        string            `json:"message"`
	Data           map[string]string `json:"data,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Notifier delivers notifications. Failures are logged by the caller and
// never affect the operation that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ Notification) error { return nil }

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// notify dispatches n in its own goroutine, detached from the caller's
// cancellation and bounded by NotificationTimeout.
func (m *Manager) notify(ctx context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = m.now()
	}
	detached := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
			m.metrics.RecordNotification(n.Kind, err)
			if err != nil {
				m.logger.Warn("notification failed",
					F("kind", string(n.Kind)),
					F("user_id", n.UserID),
					F("error", err.Error()),
				)
			}
		}()

		nctx, cancel := context.WithTimeout(detached, m.config.NotificationTimeout)
		defer cancel()
		err = m.notifier.Notify(nctx, n)
	}()
}

// Wait blocks until in-flight notifications have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
