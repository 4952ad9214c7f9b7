package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

const (
	testAPIKey        = "sk_test_123"
	testWebhookSecret = "whsec_test_secret"
)

var (
	periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Config{
		APIKey:               testAPIKey,
		WebhookSecret:        testWebhookSecret,
		PaymentSigningSecret: "checkout_secret",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

func eventJSON(t *testing.T, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      "evt_test_123",
		"object":  "event",
		"type":    eventType,
		"created": periodStart.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func subscriptionObject(status string) map[string]any {
	return map[string]any{
		"id":     "sub_123",
		"object": "subscription",
		"status": status,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                   "si_1",
				"object":               "subscription_item",
				"current_period_start": periodStart.Unix(),
				"current_period_end":   periodEnd.Unix(),
			}},
		},
	}
}

func TestDecodeEvent_SubscriptionEvents(t *testing.T) {
	g := newTestGateway(t)

	paused := subscriptionObject("active")
	paused["pause_collection"] = map[string]any{"behavior": "void"}

	tests := []struct {
		name      string
		eventType string
		object    map[string]any
		want      gosubs.EventType
	}{
		{"created", "customer.subscription.created", subscriptionObject("incomplete"), gosubs.EventSubscriptionAuthenticated},
		{"updated active", "customer.subscription.updated", subscriptionObject("active"), gosubs.EventSubscriptionUpdated},
		{"updated past due", "customer.subscription.updated", subscriptionObject("past_due"), gosubs.EventSubscriptionHalted},
		{"updated unpaid", "customer.subscription.updated", subscriptionObject("unpaid"), gosubs.EventSubscriptionHalted},
		{"updated paused collection", "customer.subscription.updated", paused, gosubs.EventSubscriptionPaused},
		{"updated canceled", "customer.subscription.updated", subscriptionObject("canceled"), gosubs.EventSubscriptionCancelled},
		{"updated incomplete", "customer.subscription.updated", subscriptionObject("incomplete"), "customer.subscription.updated"},
		{"paused", "customer.subscription.paused", subscriptionObject("paused"), gosubs.EventSubscriptionPaused},
		{"resumed", "customer.subscription.resumed", subscriptionObject("active"), gosubs.EventSubscriptionResumed},
		{"deleted", "customer.subscription.deleted", subscriptionObject("canceled"), gosubs.EventSubscriptionCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := g.DecodeEvent("", eventJSON(t, tt.eventType, tt.object))
			if err != nil {
				t.Fatalf("DecodeEvent failed: %v", err)
			}
			if ev.Type != tt.want {
				t.Errorf("Type = %q, want %q", ev.Type, tt.want)
			}
			if ev.ID != "evt_test_123" {
				t.Errorf("ID = %q", ev.ID)
			}
			if got := ev.ExternalSubscriptionID(); got != "sub_123" {
				t.Errorf("subscription id = %q, want sub_123", got)
			}
			if !ev.PeriodEnd().Equal(periodEnd) {
				t.Errorf("PeriodEnd = %v, want %v", ev.PeriodEnd(), periodEnd)
			}
		})
	}
}

func invoiceObject() map[string]any {
	return map[string]any{
		"id":          "in_123",
		"object":      "invoice",
		"amount_paid": 49900,
		"amount_due":  49900,
		"currency":    "inr",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_123"},
		},
		"lines": map[string]any{
			"data": []map[string]any{{
				"period": map[string]any{"start": periodStart.Unix(), "end": periodEnd.Unix()},
			}},
		},
	}
}

func TestDecodeEvent_InvoicePaid(t *testing.T) {
	g := newTestGateway(t)

	ev, err := g.DecodeEvent("", eventJSON(t, "invoice.paid", invoiceObject()))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != gosubs.EventSubscriptionCharged {
		t.Fatalf("Type = %q, want charged", ev.Type)
	}
	if ev.Payment == nil || ev.Payment.ID != "in_123" || ev.Payment.Amount != 49900 || ev.Payment.Currency != "INR" {
		t.Errorf("unexpected payment: %+v", ev.Payment)
	}
	if ev.Payment.Status != gosubs.PaymentCaptured {
		t.Errorf("Status = %q, want captured", ev.Payment.Status)
	}
	if !ev.PeriodEnd().Equal(periodEnd) {
		t.Errorf("PeriodEnd = %v, want %v", ev.PeriodEnd(), periodEnd)
	}

	// Older API versions put the subscription on the invoice itself, possibly expanded.
	legacy := invoiceObject()
	delete(legacy, "parent")
	legacy["subscription"] = map[string]any{"id": "sub_legacy", "object": "subscription"}
	ev, err = g.DecodeEvent("", eventJSON(t, "invoice.payment_succeeded", legacy))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if got := ev.ExternalSubscriptionID(); got != "sub_legacy" {
		t.Errorf("subscription id = %q, want sub_legacy", got)
	}
}

func TestDecodeEvent_InvoiceFailedAndStandalone(t *testing.T) {
	g := newTestGateway(t)

	failed := invoiceObject()
	failed["amount_paid"] = 0
	failed["last_finalization_error"] = map[string]any{"message": "card declined"}
	ev, err := g.DecodeEvent("", eventJSON(t, "invoice.payment_failed", failed))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != gosubs.EventPaymentFailed {
		t.Errorf("Type = %q, want payment.failed", ev.Type)
	}
	if ev.Payment.Amount != 49900 || ev.Payment.ErrorDescription != "card declined" || ev.Payment.SubscriptionID != "sub_123" {
		t.Errorf("unexpected payment: %+v", ev.Payment)
	}

	standalone := invoiceObject()
	delete(standalone, "parent")
	ev, err = g.DecodeEvent("", eventJSON(t, "invoice.paid", standalone))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != "invoice.paid" || ev.Payment != nil {
		t.Errorf("standalone invoice decoded as %q with payment %+v", ev.Type, ev.Payment)
	}
}

func TestDecodeEvent_PaymentIntentAndRefund(t *testing.T) {
	g := newTestGateway(t)

	ev, err := g.DecodeEvent("", eventJSON(t, "payment_intent.succeeded", map[string]any{
		"id":                   "pi_123",
		"object":               "payment_intent",
		"amount":               1180,
		"amount_received":      1180,
		"currency":             "inr",
		"status":               "succeeded",
		"payment_method_types": []string{"card"},
	}))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != gosubs.EventPaymentCaptured {
		t.Errorf("Type = %q, want payment.captured", ev.Type)
	}
	if ev.Payment.ID != "pi_123" || ev.Payment.Currency != "INR" || ev.Payment.Method != "card" {
		t.Errorf("unexpected payment: %+v", ev.Payment)
	}

	ev, err = g.DecodeEvent("", eventJSON(t, "payment_intent.payment_failed", map[string]any{
		"id":                 "pi_456",
		"object":             "payment_intent",
		"amount":             500,
		"currency":           "usd",
		"status":             "requires_payment_method",
		"last_payment_error": map[string]any{"type": "card_error", "message": "insufficient funds"},
	}))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != gosubs.EventPaymentFailed || ev.Payment.ErrorDescription != "insufficient funds" {
		t.Errorf("unexpected failed event: %q %+v", ev.Type, ev.Payment)
	}

	ev, err = g.DecodeEvent("", eventJSON(t, "charge.refunded", map[string]any{
		"id":              "ch_123",
		"object":          "charge",
		"amount":          1180,
		"amount_refunded": 500,
		"currency":        "inr",
		"payment_intent":  "pi_123",
	}))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != gosubs.EventRefundProcessed {
		t.Errorf("Type = %q, want refund.processed", ev.Type)
	}
	if ev.Refund.PaymentID != "pi_123" || ev.Payment.AmountRefunded != 500 {
		t.Errorf("unexpected refund: %+v %+v", ev.Refund, ev.Payment)
	}
}

func TestDecodeEvent_Rejections(t *testing.T) {
	g := newTestGateway(t)

	if _, err := g.DecodeEvent("", []byte("{not json")); !errors.Is(err, gosubs.ErrValidation) {
		t.Errorf("malformed body: err = %v, want ErrValidation", err)
	}
	if _, err := g.DecodeEvent("", []byte(`{"id":"evt_1","data":{"object":{}}}`)); !errors.Is(err, gosubs.ErrValidation) {
		t.Errorf("missing type: err = %v, want ErrValidation", err)
	}

	ev, err := g.DecodeEvent("", eventJSON(t, "customer.created", map[string]any{"id": "cus_1"}))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != "customer.created" {
		t.Errorf("Type = %q, want passthrough", ev.Type)
	}
}

func sign(body []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func TestVerifyWebhookSignature(t *testing.T) {
	g := newTestGateway(t)
	body := eventJSON(t, "customer.subscription.deleted", subscriptionObject("canceled"))

	if !g.VerifyWebhookSignature(body, sign(body, testWebhookSecret, time.Now())) {
		t.Error("expected a fresh signature to verify")
	}
	if g.VerifyWebhookSignature(body, sign(body, "whsec_other", time.Now())) {
		t.Error("expected a foreign secret to fail")
	}
	if g.VerifyWebhookSignature(body, sign(body, testWebhookSecret, time.Now().Add(-time.Hour))) {
		t.Error("expected a stale signature to fail")
	}
	if g.VerifyWebhookSignature(body, "") {
		t.Error("expected a missing signature to fail")
	}

	unconfigured, err := New(Config{APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if unconfigured.VerifyWebhookSignature(body, sign(body, "", time.Now())) {
		t.Error("expected a gateway without webhook secret to reject everything")
	}
}

// The manager reconciles Stripe deliveries end to end through DecodeEvent.
func TestGateway_ReconcilesWithManager(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	store := memory.New()
	m, err := gosubs.NewManager(store, g, gosubs.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Wait)

	now := time.Now().UTC()
	sub := &gosubs.Subscription{
		ID:                     "local-sub-1",
		UserID:                 "user-1",
		ExternalSubscriptionID: "sub_123",
		Status:                 gosubs.StatusActive,
		BillingCycle:           gosubs.CycleMonthly,
		StartDate:              now,
		EndDate:                periodStart,
		Version:                1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	deliver := func(body []byte) *gosubs.WebhookResult {
		t.Helper()
		res, err := m.ProcessWebhook(ctx, "", body, sign(body, testWebhookSecret, time.Now()))
		if err != nil {
			t.Fatalf("ProcessWebhook failed: %v", err)
		}
		return res
	}

	if res := deliver(eventJSON(t, "invoice.paid", invoiceObject())); res.Outcome != gosubs.OutcomeApplied {
		t.Fatalf("invoice.paid outcome = %q, want applied", res.Outcome)
	}
	got, err := m.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !got.EndDate.Equal(periodEnd) {
		t.Errorf("EndDate = %v, want %v", got.EndDate, periodEnd)
	}
	payments, err := m.ListPayments(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(payments) != 1 || payments[0].Amount != 49900 {
		t.Errorf("payments = %+v, want one of 49900", payments)
	}

	// Redelivery of the same invoice changes nothing.
	if res := deliver(eventJSON(t, "invoice.paid", invoiceObject())); res.Outcome != gosubs.OutcomeNoop {
		t.Errorf("redelivered invoice.paid outcome = %q, want noop", res.Outcome)
	}

	if res := deliver(eventJSON(t, "customer.subscription.updated", subscriptionObject("past_due"))); res.Outcome != gosubs.OutcomeApplied {
		t.Errorf("past_due outcome = %q, want applied", res.Outcome)
	}
	if res := deliver(eventJSON(t, "customer.subscription.deleted", subscriptionObject("canceled"))); res.Outcome != gosubs.OutcomeApplied {
		t.Errorf("deleted outcome = %q, want applied", res.Outcome)
	}
	got, err = m.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Status != gosubs.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	if _, err := m.ProcessWebhook(ctx, "", []byte(`{}`), "t=1,v1=bad"); !errors.Is(err, gosubs.ErrAuth) {
		t.Errorf("bad signature: err = %v, want ErrAuth", err)
	}
}
