// Package mock provides a scripted in-memory payment gateway for tests and
// local development. It signs webhooks and checkout payloads with HMAC-SHA256
// the way a real gateway does, and lets callers inject failures per call.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Subscription is a gateway-side subscription held by the mock.
type Subscription struct {
	ID         string
	CustomerID string
	PlanID     string
	Status     string
	TrialDays  int
	TotalCount int
}

// Gateway is a test double that records calls and returns configurable results.
type Gateway struct {
	mu sync.Mutex

	// WebhookSecret signs webhook bodies
	WebhookSecret string
	// KeySecret signs checkout (order|payment) payloads
	KeySecret string

	// Customers maps userID -> customerID.
	Customers map[string]string
	// Plans maps external plan id -> plan name.
	Plans map[string]string
	// Subscriptions maps external subscription id -> subscription.
	Subscriptions map[string]*Subscription
	// Orders maps order id -> order.
	Orders map[string]*gosubs.GatewayOrder
	// Payments maps payment id -> payment returned by FetchPayment.
	Payments map[string]*gosubs.GatewayPayment
	// Refunds collects every refund created.
	Refunds []gosubs.GatewayRefund

	// Error fields allow tests to inject failures.
	CreateCustomerErr     error
	CreateOrderErr        error
	CreatePlanErr         error
	CreateSubscriptionErr error
	CancelSubscriptionErr error
	PauseSubscriptionErr  error
	ResumeSubscriptionErr error
	CapturePaymentErr     error
	CreateRefundErr       error
	FetchPaymentErr       error

	// Now returns the time used for subscription periods (default: time.Now).
	Now func() time.Time

	calls    map[string]int
	seq      map[string]int
	eventSeq int
}

// New creates a mock gateway with the given webhook and checkout secrets.
func New(webhookSecret, keySecret string) *Gateway {
	return &Gateway{
		WebhookSecret: webhookSecret,
		KeySecret:     keySecret,
		Customers:     make(map[string]string),
		Plans:         make(map[string]string),
		Subscriptions: make(map[string]*Subscription),
		Orders:        make(map[string]*gosubs.GatewayOrder),
		Payments:      make(map[string]*gosubs.GatewayPayment),
		Now:           time.Now,
		calls:         make(map[string]int),
		seq:           make(map[string]int),
	}
}

// Calls returns how many times op was called.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// SetErr injects err for op; nil clears it.
func (g *Gateway) SetErr(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch op {
	case "create_customer":
		g.CreateCustomerErr = err
	case "create_order":
		g.CreateOrderErr = err
	case "create_plan":
		g.CreatePlanErr = err
	case "create_subscription":
		g.CreateSubscriptionErr = err
	case "cancel_subscription":
		g.CancelSubscriptionErr = err
	case "pause_subscription":
		g.PauseSubscriptionErr = err
	case "resume_subscription":
		g.ResumeSubscriptionErr = err
	case "capture_payment":
		g.CapturePaymentErr = err
	case "create_refund":
		g.CreateRefundErr = err
	case "fetch_payment":
		g.FetchPaymentErr = err
	}
}

func (g *Gateway) nextID(prefix string) string {
	g.seq[prefix]++
	return fmt.Sprintf("%s_mock_%d", prefix, g.seq[prefix])
}

func (g *Gateway) record(op string) {
	g.calls[op]++
}

// Name implements gosubs.Gateway
func (g *Gateway) Name() string { return "mock" }

// CreateCustomer implements gosubs.Gateway
func (g *Gateway) CreateCustomer(_ context.Context, req gosubs.CustomerRequest) (*gosubs.GatewayCustomer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_customer")

	if g.CreateCustomerErr != nil {
		return nil, g.CreateCustomerErr
	}
	if id, ok := g.Customers[req.UserID]; ok {
		return &gosubs.GatewayCustomer{ID: id}, nil
	}
	id := g.nextID("cust")
	g.Customers[req.UserID] = id
	return &gosubs.GatewayCustomer{ID: id}, nil
}

// CreateOrder implements gosubs.Gateway
func (g *Gateway) CreateOrder(_ context.Context, req gosubs.OrderRequest) (*gosubs.GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_order")

	if g.CreateOrderErr != nil {
		return nil, g.CreateOrderErr
	}
	order := &gosubs.GatewayOrder{ID: g.nextID("order"), Amount: req.Amount, Status: "created"}
	g.Orders[order.ID] = order
	cp := *order
	return &cp, nil
}

// CreatePlan implements gosubs.Gateway
func (g *Gateway) CreatePlan(_ context.Context, plan *gosubs.Plan) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_plan")

	if g.CreatePlanErr != nil {
		return "", g.CreatePlanErr
	}
	id := g.nextID("plan")
	g.Plans[id] = plan.Name
	return id, nil
}

// CreateSubscription implements gosubs.Gateway
func (g *Gateway) CreateSubscription(_ context.Context, req gosubs.SubscriptionRequest) (*gosubs.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_subscription")

	if g.CreateSubscriptionErr != nil {
		return nil, g.CreateSubscriptionErr
	}

	// Verify customer exists.
	found := false
	for _, cid := range g.Customers {
		if cid == req.CustomerID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("mock gateway: unknown customer %s", req.CustomerID)
	}

	sub := &Subscription{
		ID:         g.nextID("sub"),
		CustomerID: req.CustomerID,
		PlanID:     req.ExternalPlanID,
		Status:     "created",
		TrialDays:  req.TrialDays,
		TotalCount: req.TotalCount,
	}
	g.Subscriptions[sub.ID] = sub

	now := g.Now().UTC()
	return &gosubs.GatewaySubscription{
		ID:           sub.ID,
		Status:       sub.Status,
		CurrentStart: now,
		CurrentEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (g *Gateway) setStatus(op, externalID, status string, injected func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(op)

	if err := injected(); err != nil {
		return err
	}
	sub, ok := g.Subscriptions[externalID]
	if !ok {
		return fmt.Errorf("mock gateway: unknown subscription %s", externalID)
	}
	sub.Status = status
	return nil
}

// CancelSubscription implements gosubs.Gateway
func (g *Gateway) CancelSubscription(_ context.Context, externalID string, _ bool) error {
	return g.setStatus("cancel_subscription", externalID, "cancelled", func() error { return g.CancelSubscriptionErr })
}

// PauseSubscription implements gosubs.Gateway
func (g *Gateway) PauseSubscription(_ context.Context, externalID string) error {
	return g.setStatus("pause_subscription", externalID, "paused", func() error { return g.PauseSubscriptionErr })
}

// ResumeSubscription implements gosubs.Gateway
func (g *Gateway) ResumeSubscription(_ context.Context, externalID string) error {
	return g.setStatus("resume_subscription", externalID, "active", func() error { return g.ResumeSubscriptionErr })
}

// AddPayment scripts a payment returned by FetchPayment and CapturePayment.
func (g *Gateway) AddPayment(p gosubs.GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Payments[p.ID] = &p
}

// CapturePayment implements gosubs.Gateway
func (g *Gateway) CapturePayment(_ context.Context, externalPaymentID string, amount gosubs.Money) (*gosubs.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("capture_payment")

	if g.CapturePaymentErr != nil {
		return nil, g.CapturePaymentErr
	}
	p, ok := g.Payments[externalPaymentID]
	if !ok {
		return nil, fmt.Errorf("mock gateway: unknown payment %s", externalPaymentID)
	}
	if p.Amount.Amount != amount.Amount {
		return nil, fmt.Errorf("mock gateway: capture amount %d does not match %d", amount.Amount, p.Amount.Amount)
	}
	p.Status = gosubs.PaymentCaptured
	cp := *p
	return &cp, nil
}

// CreateRefund implements gosubs.Gateway
func (g *Gateway) CreateRefund(_ context.Context, req gosubs.RefundRequest) (*gosubs.GatewayRefund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_refund")

	if g.CreateRefundErr != nil {
		return nil, g.CreateRefundErr
	}
	p, ok := g.Payments[req.ExternalPaymentID]
	if ok {
		if p.AmountRefunded+req.Amount > p.Amount.Amount {
			return nil, fmt.Errorf("mock gateway: refund exceeds captured amount")
		}
		p.AmountRefunded += req.Amount
	}
	refund := gosubs.GatewayRefund{ID: g.nextID("rfnd"), Amount: req.Amount, Status: "processed"}
	g.Refunds = append(g.Refunds, refund)
	return &refund, nil
}

// FetchPayment implements gosubs.Gateway
func (g *Gateway) FetchPayment(_ context.Context, externalPaymentID string) (*gosubs.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("fetch_payment")

	if g.FetchPaymentErr != nil {
		return nil, g.FetchPaymentErr
	}
	p, ok := g.Payments[externalPaymentID]
	if !ok {
		return nil, fmt.Errorf("mock gateway: unknown payment %s", externalPaymentID)
	}
	cp := *p
	return &cp, nil
}

// VerifyPaymentSignature implements gosubs.Gateway
func (g *Gateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return billing.VerifyPaymentSignature(g.KeySecret, orderID, paymentID, signature)
}

// VerifyWebhookSignature implements gosubs.Gateway
func (g *Gateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	return billing.VerifyHMACSHA256(g.WebhookSecret, rawBody, signature)
}

// SignWebhook returns the signature the gateway would send with body.
func (g *Gateway) SignWebhook(body []byte) string {
	return billing.SignHMACSHA256(g.WebhookSecret, body)
}

// SignPayment returns the checkout signature the client would receive.
func (g *Gateway) SignPayment(orderID, paymentID string) string {
	return billing.SignPayment(g.KeySecret, orderID, paymentID)
}

// PaymentEntity is the payment part of a scripted webhook.
type PaymentEntity struct {
	ID               string
	OrderID          string
	SubscriptionID   string
	Amount           int64
	Currency         string
	Status           string
	ErrorDescription string
	AmountRefunded   int64
}

// SubscriptionEvent builds a canonical subscription webhook body.
// payment may be nil.
func (g *Gateway) SubscriptionEvent(eventType gosubs.EventType, externalSubID string, periodEnd time.Time, payment *PaymentEntity) []byte {
	payload := map[string]any{
		"subscription": map[string]any{
			"entity": map[string]any{
				"id":            externalSubID,
				"status":        string(eventType),
				"current_start": periodEnd.AddDate(0, -1, 0).Unix(),
				"current_end":   periodEnd.Unix(),
			},
		},
	}
	if periodEnd.IsZero() {
		payload["subscription"] = map[string]any{"entity": map[string]any{"id": externalSubID}}
	}
	if payment != nil {
		if payment.SubscriptionID == "" {
			payment.SubscriptionID = externalSubID
		}
		payload["payment"] = paymentPayload(payment)
	}
	return g.envelope(eventType, payload)
}

// PaymentEvent builds a canonical payment.captured or payment.failed body.
func (g *Gateway) PaymentEvent(eventType gosubs.EventType, payment PaymentEntity) []byte {
	return g.envelope(eventType, map[string]any{"payment": paymentPayload(&payment)})
}

// RefundEvent builds a canonical refund.processed body for a new refund id.
// totalRefunded is the payment's cumulative refunded amount.
func (g *Gateway) RefundEvent(paymentID string, amount, totalRefunded int64) []byte {
	g.mu.Lock()
	refundID := g.nextID("rfnd")
	g.mu.Unlock()
	return g.RefundEventWithID(refundID, paymentID, amount, totalRefunded)
}

// RefundEventWithID builds a refund.processed body for a known refund, such
// as one returned by CreateRefund.
func (g *Gateway) RefundEventWithID(refundID, paymentID string, amount, totalRefunded int64) []byte {
	return g.envelope(gosubs.EventRefundProcessed, map[string]any{
		"refund": map[string]any{
			"entity": map[string]any{"id": refundID, "payment_id": paymentID, "amount": amount},
		},
		"payment": paymentPayload(&PaymentEntity{ID: paymentID, Status: "refunded", AmountRefunded: totalRefunded}),
	})
}

func paymentPayload(p *PaymentEntity) map[string]any {
	return map[string]any{
		"entity": map[string]any{
			"id":                p.ID,
			"order_id":          p.OrderID,
			"subscription_id":   p.SubscriptionID,
			"amount":            p.Amount,
			"currency":          p.Currency,
			"status":            p.Status,
			"error_description": p.ErrorDescription,
			"amount_refunded":   p.AmountRefunded,
		},
	}
}

func (g *Gateway) envelope(eventType gosubs.EventType, payload map[string]any) []byte {
	g.mu.Lock()
	g.eventSeq++
	id := fmt.Sprintf("evt_mock_%d", g.eventSeq)
	created := g.Now().Unix()
	g.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"id":         id,
		"event":      string(eventType),
		"created_at": created,
		"payload":    payload,
	})
	if err != nil {
		panic(err)
	}
	return body
}

var _ gosubs.Gateway = (*Gateway)(nil)
