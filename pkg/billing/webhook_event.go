package billing

import (
	"context"
	"time"
)

// WebhookEvent describes a webhook that changed local state. It is passed to
// the WebhookCallback after the change has been stored.
type WebhookEvent struct {
	// Provider is the gateway name ("stripe", "mock")
	Provider string

	// EventID is the gateway's event id, if the payload carried one
	EventID string

	// EventType is the canonical event type, e.g. "subscription.charged"
	EventType string

	// SubscriptionID is the local subscription the event applied to, if any
	SubscriptionID string

	// PaymentID is the local payment the event recorded, if any
	PaymentID string

	// ReceivedAt is when the handler accepted the request
	ReceivedAt time.Time
}

// WebhookCallback is invoked for every webhook whose outcome is "applied".
// Errors are logged and never change the response sent to the gateway.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
