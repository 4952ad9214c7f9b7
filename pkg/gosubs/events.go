package gosubs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is a canonical gateway webhook event name
type EventType string

const (
	EventSubscriptionAuthenticated EventType = "subscription.authenticated"
	EventSubscriptionActivated     EventType = "subscription.activated"
	EventSubscriptionCharged       EventType = "subscription.charged"
	EventSubscriptionPending       EventType = "subscription.pending"
	EventSubscriptionHalted        EventType = "subscription.halted"
	EventSubscriptionPaused        EventType = "subscription.paused"
	EventSubscriptionResumed       EventType = "subscription.resumed"
	EventSubscriptionCancelled     EventType = "subscription.cancelled"
	EventSubscriptionCompleted     EventType = "subscription.completed"
	EventSubscriptionUpdated       EventType = "subscription.updated"
	EventPaymentCaptured           EventType = "payment.captured"
	EventPaymentFailed             EventType = "payment.failed"
	EventRefundProcessed           EventType = "refund.processed"
)

// GatewayEvent is a decoded webhook event.
type GatewayEvent struct {
	ID           string
	Type         EventType
	CreatedAt    time.Time
	Subscription *EventSubscription
	Payment      *EventPayment
	Refund       *EventRefund
}

// EventSubscription is the subscription part of an event.
type EventSubscription struct {
	ID           string
	Status       string
	CurrentStart time.Time
	CurrentEnd   time.Time
}

// EventPayment is the payment part of an event.
type EventPayment struct {
	ID               string
	OrderID          string
	SubscriptionID   string
	Amount           int64
	Currency         string
	Status           PaymentStatus
	Method           string
	ErrorDescription string
	AmountRefunded   int64
}

// EventRefund is the refund part of an event.
type EventRefund struct {
	ID        string
	PaymentID string
	Amount    int64
}

// ExternalSubscriptionID returns the gateway subscription id the event refers to, if any.
func (e *GatewayEvent) ExternalSubscriptionID() string {
	if e.Subscription != nil && e.Subscription.ID != "" {
		return e.Subscription.ID
	}
	if e.Payment != nil {
		return e.Payment.SubscriptionID
	}
	return ""
}

// PeriodEnd returns the gateway-reported end of the current billing period.
func (e *GatewayEvent) PeriodEnd() time.Time {
	if e.Subscription == nil {
		return time.Time{}
	}
	return e.Subscription.CurrentEnd
}

type canonicalEnvelope struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Subscription *struct {
			Entity canonicalSubscription `json:"entity"`
		} `json:"subscription"`
		Payment *struct {
			Entity canonicalPayment `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity canonicalRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type canonicalSubscription struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
}

type canonicalPayment struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	SubscriptionID   string            `json:"subscription_id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Method           string            `json:"method"`
	ErrorDescription string            `json:"error_description"`
	AmountRefunded   int64             `json:"amount_refunded"`
	Notes            map[string]string `json:"notes"`
}

type canonicalRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

// DecodeEvent parses a webhook body in the canonical format:
//
//	{"id": "...", "event": "subscription.charged", "created_at": 1700000000,
//	 "payload": {"subscription": {"entity": {...}}, "payment": {"entity": {...}}}}
//
// eventType overrides the "event" field when non-empty. Timestamps are unix seconds.
func DecodeEvent(eventType string, rawBody []byte) (*GatewayEvent, error) {
	var env canonicalEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed event payload: %v", ErrValidation, err)
	}
	if eventType == "" {
		eventType = env.Event
	}
	if eventType == "" {
		return nil, invalid("event", "missing event type")
	}

	ev := &GatewayEvent{
		ID:   env.ID,
		Type: EventType(eventType),
	}
	if env.CreatedAt > 0 {
		ev.CreatedAt = time.Unix(env.CreatedAt, 0).UTC()
	}
	if s := env.Payload.Subscription; s != nil {
		ev.Subscription = &EventSubscription{
			ID:           s.Entity.ID,
			Status:       s.Entity.Status,
			CurrentStart: unixOrZero(s.Entity.CurrentStart),
			CurrentEnd:   unixOrZero(s.Entity.CurrentEnd),
		}
	}
	if p := env.Payload.Payment; p != nil {
		subID := p.Entity.SubscriptionID
		if subID == "" {
			subID = p.Entity.Notes["subscription_id"]
		}
		ev.Payment = &EventPayment{
			ID:               p.Entity.ID,
			OrderID:          p.Entity.OrderID,
			SubscriptionID:   subID,
			Amount:           p.Entity.Amount,
			Currency:         strings.ToUpper(p.Entity.Currency),
			Status:           ParsePaymentStatus(p.Entity.Status),
			Method:           p.Entity.Method,
			ErrorDescription: p.Entity.ErrorDescription,
			AmountRefunded:   p.Entity.AmountRefunded,
		}
	}
	if r := env.Payload.Refund; r != nil {
		ev.Refund = &EventRefund{
			ID:        r.Entity.ID,
			PaymentID: r.Entity.PaymentID,
			Amount:    r.Entity.Amount,
		}
	}
	return ev, nil
}

// ParsePaymentStatus maps a gateway payment status string to a PaymentStatus.
// Unknown and pre-settlement statuses ("created", "authorized") map to pending.
func ParsePaymentStatus(s string) PaymentStatus {
	switch strings.ToLower(s) {
	case "captured", "succeeded", "paid":
		return PaymentCaptured
	case "failed", "canceled", "cancelled":
		return PaymentFailed
	case "refunded":
		return PaymentRefunded
	case "partially_refunded":
		return PaymentPartiallyRefunded
	default:
		return PaymentPending
	}
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
