package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// DecodeEvent translates a Stripe event into the gateway-neutral event the
// manager reconciles. Event types without a lifecycle meaning keep their
// Stripe name and are acknowledged as ignored.
//
// The eventType argument is unused: Stripe names the type in the body.
func (g *Gateway) DecodeEvent(_ string, rawBody []byte) (*gosubs.GatewayEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", gosubs.ErrValidation, billing.ErrInvalidWebhookPayload, err)
	}
	if event.Type == "" {
		return nil, &gosubs.ValidationError{Field: "type", Reason: "missing event type"}
	}

	ev := &gosubs.GatewayEvent{
		ID:        event.ID,
		Type:      gosubs.EventType(event.Type),
		CreatedAt: unixOrZero(event.Created),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return ev, nil
	}

	var err error
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.deleted":
		err = decodeSubscriptionEvent(ev, string(event.Type), event.Data.Raw)
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		err = decodeInvoiceEvent(ev, string(event.Type), event.Data.Raw)
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		err = decodePaymentIntentEvent(ev, string(event.Type), event.Data.Raw)
	case "charge.refunded":
		err = decodeRefundEvent(ev, event.Data.Raw)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeSubscriptionEvent(ev *gosubs.GatewayEvent, stripeType string, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", gosubs.ErrValidation, err)
	}
	start, end := subscriptionPeriod(&sub)
	ev.Subscription = &gosubs.EventSubscription{
		ID:           sub.ID,
		Status:       string(sub.Status),
		CurrentStart: start,
		CurrentEnd:   end,
	}
	ev.Type = subscriptionEventType(stripeType, &sub)
	return nil
}

// subscriptionEventType maps a subscription event to a lifecycle event.
// customer.subscription.updated is read by the subscription's new status.
func subscriptionEventType(stripeType string, sub *stripe.Subscription) gosubs.EventType {
	switch stripeType {
	case "customer.subscription.created":
		return gosubs.EventSubscriptionAuthenticated
	case "customer.subscription.paused":
		return gosubs.EventSubscriptionPaused
	case "customer.subscription.resumed":
		return gosubs.EventSubscriptionResumed
	case "customer.subscription.deleted":
		return gosubs.EventSubscriptionCancelled
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.PauseCollection != nil {
			return gosubs.EventSubscriptionPaused
		}
		return gosubs.EventSubscriptionUpdated
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return gosubs.EventSubscriptionHalted
	case stripe.SubscriptionStatusPaused:
		return gosubs.EventSubscriptionPaused
	case stripe.SubscriptionStatusCanceled:
		return gosubs.EventSubscriptionCancelled
	default:
		return gosubs.EventType(stripeType)
	}
}

// invoicePayload holds the invoice fields reconciliation needs. The
// subscription reference moved under parent.subscription_details in newer
// API versions, so both places are read.
type invoicePayload struct {
	ID           string          `json:"id"`
	AmountPaid   int64           `json:"amount_paid"`
	AmountDue    int64           `json:"amount_due"`
	Currency     string          `json:"currency"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func (inv *invoicePayload) subscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// period returns the span covered by the invoice lines.
func (inv *invoicePayload) period() (start, end time.Time) {
	var lo, hi int64
	for _, line := range inv.Lines.Data {
		if line.Period.Start > 0 && (lo == 0 || line.Period.Start < lo) {
			lo = line.Period.Start
		}
		if line.Period.End > hi {
			hi = line.Period.End
		}
	}
	return unixOrZero(lo), unixOrZero(hi)
}

// decodeInvoiceEvent maps a paid subscription invoice to a charge for the
// new period and a failed one to a failed payment on the subscription.
// Invoices outside a subscription keep their Stripe type.
func decodeInvoiceEvent(ev *gosubs.GatewayEvent, stripeType string, raw json.RawMessage) error {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %v", gosubs.ErrValidation, err)
	}
	subID := inv.subscriptionID()
	if subID == "" {
		return nil
	}

	payment := &gosubs.EventPayment{
		ID:             inv.ID,
		SubscriptionID: subID,
		Currency:       strings.ToUpper(inv.Currency),
		Method:         "invoice",
	}
	if stripeType == "invoice.payment_failed" {
		ev.Type = gosubs.EventPaymentFailed
		payment.Amount = inv.AmountDue
		payment.Status = gosubs.PaymentFailed
		if inv.LastFinalizationError != nil {
			payment.ErrorDescription = inv.LastFinalizationError.Message
		}
		ev.Payment = payment
		return nil
	}

	start, end := inv.period()
	ev.Type = gosubs.EventSubscriptionCharged
	payment.Amount = inv.AmountPaid
	payment.Status = gosubs.PaymentCaptured
	ev.Payment = payment
	ev.Subscription = &gosubs.EventSubscription{
		ID:           subID,
		CurrentStart: start,
		CurrentEnd:   end,
	}
	return nil
}

func decodePaymentIntentEvent(ev *gosubs.GatewayEvent, stripeType string, raw json.RawMessage) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return fmt.Errorf("%w: payment_intent: %v", gosubs.ErrValidation, err)
	}
	gp := paymentFromIntent(&pi)
	ev.Payment = &gosubs.EventPayment{
		ID:               gp.ID,
		OrderID:          gp.OrderID,
		Amount:           gp.Amount.Amount,
		Currency:         gp.Amount.Currency,
		Status:           gp.Status,
		Method:           gp.Method,
		ErrorDescription: gp.ErrorDescription,
		AmountRefunded:   gp.AmountRefunded,
	}
	if stripeType == "payment_intent.succeeded" {
		ev.Type = gosubs.EventPaymentCaptured
	} else {
		ev.Type = gosubs.EventPaymentFailed
	}
	return nil
}

// decodeRefundEvent reads charge.refunded, whose amount_refunded is the
// cumulative total refunded on the charge.
func decodeRefundEvent(ev *gosubs.GatewayEvent, raw json.RawMessage) error {
	var charge stripe.Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return fmt.Errorf("%w: charge: %v", gosubs.ErrValidation, err)
	}
	paymentID := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		paymentID = charge.PaymentIntent.ID
	}

	ev.Type = gosubs.EventRefundProcessed
	ev.Payment = &gosubs.EventPayment{
		ID:             paymentID,
		Amount:         charge.Amount,
		Currency:       strings.ToUpper(string(charge.Currency)),
		AmountRefunded: charge.AmountRefunded,
	}
	ev.Refund = &gosubs.EventRefund{
		PaymentID: paymentID,
		Amount:    charge.AmountRefunded,
	}
	return nil
}

// expandableID reads an expandable reference, which is either an id string
// or the expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
