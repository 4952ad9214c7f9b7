package gosubs

import (
	"context"
	"time"
)

// Gateway is the remote payment gateway. It is treated as opaque and
// possibly failing; errors it returns are classified as transient unless
// they already carry a domain kind.
type Gateway interface {
	// Name identifies the gateway in logs and metrics (e.g. "stripe").
	Name() string

	CreateCustomer(ctx context.Context, req CustomerRequest) (*GatewayCustomer, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*GatewayOrder, error)

	// CreatePlan registers a billable plan and returns its external id.
	CreatePlan(ctx context.Context, plan *Plan) (string, error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, externalID string, atCycleEnd bool) error
	PauseSubscription(ctx context.Context, externalID string) error
	ResumeSubscription(ctx context.Context, externalID string) error

	CapturePayment(ctx context.Context, externalPaymentID string, amount Money) (*GatewayPayment, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*GatewayRefund, error)
	FetchPayment(ctx context.Context, externalPaymentID string) (*GatewayPayment, error)

	// VerifyPaymentSignature checks the signature returned to the client
	// after checkout for the given order and payment.
	VerifyPaymentSignature(orderID, paymentID, signature string) bool

	// VerifyWebhookSignature checks a webhook signature over the raw body.
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}

// EventDecoder is implemented by gateways whose webhook payloads do not use
// the canonical event format understood by DecodeEvent.
type EventDecoder interface {
	DecodeEvent(eventType string, rawBody []byte) (*GatewayEvent, error)
}

// CustomerRequest creates a gateway customer for a user
type CustomerRequest struct {
	UserID string
	Email  string
	Name   string
}

// GatewayCustomer is a customer as known by the gateway
type GatewayCustomer struct {
	ID string
}

// OrderRequest creates a one-off order the client pays at checkout
type OrderRequest struct {
	UserID  string
	Amount  Money
	Receipt string
	Notes   map[string]string
}

// GatewayOrder is an order as known by the gateway
type GatewayOrder struct {
	ID     string
	Amount Money
	Status string
}

// SubscriptionRequest creates a recurring subscription on the gateway
type SubscriptionRequest struct {
	UserID         string
	CustomerID     string
	ExternalPlanID string
	TrialDays      int
	// TotalCount is the number of billing cycles for fixed-term plans (0 = until cancelled)
	TotalCount int
}

// GatewaySubscription is a subscription as known by the gateway
type GatewaySubscription struct {
	ID           string
	Status       string
	CurrentStart time.Time
	CurrentEnd   time.Time
}

// GatewayPayment is a payment as known by the gateway
type GatewayPayment struct {
	ID               string
	OrderID          string
	Amount           Money
	Status           PaymentStatus
	Method           string
	ErrorDescription string
	AmountRefunded   int64
}

// RefundRequest refunds part or all of a captured payment
type RefundRequest struct {
	ExternalPaymentID string
	Amount            int64
	Reason            string
}

// GatewayRefund is a refund as known by the gateway
type GatewayRefund struct {
	ID     string
	Amount int64
	Status string
}
