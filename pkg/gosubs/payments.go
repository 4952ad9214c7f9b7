package gosubs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// VerifyPaymentRequest confirms a checkout completed by the client
type VerifyPaymentRequest struct {
	UserID string
	// SubscriptionID links the payment to a subscription (optional)
	SubscriptionID string
	OrderID        string
	PaymentID      string
	Signature      string
}

func newReceiptNumber() string {
	return "RCPT-" + ulid.Make().String()
}

// CreateOrder creates a gateway order for a one-off payment. The configured
// tax rate is applied to amount.
func (m *Manager) CreateOrder(ctx context.Context, userID string, amount Money) (*GatewayOrder, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	if amount.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	if strings.TrimSpace(amount.Currency) == "" {
		return nil, invalid("currency", "required")
	}
	if err := m.requireGateway(); err != nil {
		return nil, err
	}

	amount.Currency = strings.ToUpper(amount.Currency)
	order, err := m.gateway.CreateOrder(ctx, OrderRequest{
		UserID:  userID,
		Amount:  amount.WithTax(m.config.TaxRate),
		Receipt: "ORD-" + ulid.Make().String(),
		Notes:   map[string]string{"user_id": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	m.logger.Info("order created",
		F("user_id", userID),
		F("order_id", order.ID),
		F("amount", order.Amount.Amount),
		F("currency", order.Amount.Currency),
	)
	return order, nil
}

// VerifyPayment checks the checkout signature, fetches the payment from the
// gateway and records it. Verifying the same payment twice returns the
// stored row.
func (m *Manager) VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*Payment, error) {
	if req.UserID == "" {
		return nil, invalid("user_id", "required")
	}
	if req.OrderID == "" || req.PaymentID == "" {
		return nil, invalid("payment", "order_id and payment_id are required")
	}
	if err := m.requireGateway(); err != nil {
		return nil, err
	}
	if !m.gateway.VerifyPaymentSignature(req.OrderID, req.PaymentID, req.Signature) {
		m.logger.Warn("payment signature rejected",
			F("user_id", req.UserID),
			F("order_id", req.OrderID),
			F("payment_id", req.PaymentID),
		)
		return nil, ErrInvalidSignature
	}

	if req.SubscriptionID != "" {
		sub, err := m.storage.GetSubscription(ctx, req.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.UserID != req.UserID {
			return nil, invalid("subscription_id", "belongs to another user")
		}
	}

	gp, err := m.gateway.FetchPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	if gp.OrderID != "" && gp.OrderID != req.OrderID {
		return nil, invalid("order_id", "does not match the gateway payment")
	}
	if gp.OrderID == "" {
		gp.OrderID = req.OrderID
	}

	p, _, err := m.recordPayment(ctx, req.UserID, req.SubscriptionID, paymentFromGateway(gp))
	return p, err
}

func paymentFromGateway(gp *GatewayPayment) *EventPayment {
	return &EventPayment{
		ID:               gp.ID,
		OrderID:          gp.OrderID,
		Amount:           gp.Amount.Amount,
		Currency:         strings.ToUpper(gp.Amount.Currency),
		Status:           gp.Status,
		Method:           gp.Method,
		ErrorDescription: gp.ErrorDescription,
		AmountRefunded:   gp.AmountRefunded,
	}
}

// recordPayment inserts the payment unless one with the same external id
// exists, in which case the stored row is moved forward to the reported
// status when the payment lifecycle allows it. changed reports whether this
// call inserted or advanced the row; notifications are sent only then.
func (m *Manager) recordPayment(ctx context.Context, userID, subscriptionID string, ep *EventPayment) (*Payment, bool, error) {
	if ep == nil || ep.ID == "" {
		return nil, false, invalid("payment", "missing gateway payment id")
	}
	now := m.now()
	status := ep.Status
	if status == "" {
		status = PaymentPending
	}
	candidate := &Payment{
		ID:                m.newID(),
		UserID:            userID,
		SubscriptionID:    subscriptionID,
		ExternalPaymentID: ep.ID,
		ExternalOrderID:   ep.OrderID,
		Amount:            ep.Amount,
		Currency:          ep.Currency,
		Status:            status,
		Method:            ep.Method,
		ReceiptNumber:     newReceiptNumber(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if status == PaymentFailed {
		candidate.ErrorDetail = ep.ErrorDescription
	}

	start := time.Now()
	stored, created, err := m.storage.InsertPayment(ctx, candidate)
	m.observe("insert_payment", start, err)
	if err != nil {
		return nil, false, Transient(err)
	}
	if created {
		m.metrics.RecordPayment(stored.Status, true)
		m.logger.Info("payment recorded",
			F("payment_id", stored.ID),
			F("external_payment_id", stored.ExternalPaymentID),
			F("status", string(stored.Status)),
			F("amount", stored.Amount),
		)
		m.notifyPayment(ctx, stored)
		return stored, true, nil
	}

	if stored.Status == status || !stored.Status.CanMoveTo(status) {
		m.metrics.RecordPayment(stored.Status, false)
		return stored, false, nil
	}

	detail := ""
	if status == PaymentFailed {
		detail = ep.ErrorDescription
	}
	start = time.Now()
	updated, err := m.storage.UpdatePaymentStatus(ctx, stored.ID, stored.Status, status, detail)
	m.observe("update_payment_status", start, err)
	if errors.Is(err, ErrPaymentStatus) {
		// Another delivery moved it first.
		current, gerr := m.storage.GetPayment(ctx, stored.ID)
		if gerr != nil {
			return nil, false, Transient(gerr)
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, Transient(err)
	}
	m.metrics.RecordPayment(updated.Status, false)
	m.logger.Info("payment status advanced",
		F("payment_id", updated.ID),
		F("from", string(stored.Status)),
		F("to", string(updated.Status)),
	)
	m.notifyPayment(ctx, updated)
	return updated, true, nil
}

func (m *Manager) notifyPayment(ctx context.Context, p *Payment) {
	n := Notification{
		UserID:         p.UserID,
		SubscriptionID: p.SubscriptionID,
		PaymentID:      p.ID,
		Data: map[string]string{
			"amount":         fmt.Sprintf("%d", p.Amount),
			"currency":       p.Currency,
			"receipt_number": p.ReceiptNumber,
		},
	}
	switch p.Status {
	case PaymentCaptured:
		n.Kind = NotifyPaymentCaptured
		n.Message = fmt.Sprintf("Payment received. Receipt %s.", p.ReceiptNumber)
	case PaymentFailed:
		n.Kind = NotifyPaymentFailed
		reason := p.ErrorDetail
		if reason == "" {
			reason = "the payment was declined"
		}
		n.Message = fmt.Sprintf("Your payment failed: %s.", reason)
		n.Data["reason"] = reason
	default:
		return
	}
	m.notify(ctx, n)
}

// CapturePayment captures an authorized payment on the gateway and marks it captured.
func (m *Manager) CapturePayment(ctx context.Context, id string) (*Payment, error) {
	if err := m.requireGateway(); err != nil {
		return nil, err
	}
	p, err := m.storage.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == PaymentCaptured {
		return p, nil
	}
	if !p.Status.CanMoveTo(PaymentCaptured) {
		return nil, ErrPaymentStatus
	}

	if _, err := m.gateway.CapturePayment(ctx, p.ExternalPaymentID, Money{Amount: p.Amount, Currency: p.Currency}); err != nil {
		return nil, fmt.Errorf("failed to capture payment: %w", err)
	}

	start := time.Now()
	updated, err := m.storage.UpdatePaymentStatus(ctx, p.ID, p.Status, PaymentCaptured, "")
	m.observe("update_payment_status", start, err)
	if errors.Is(err, ErrPaymentStatus) {
		current, gerr := m.storage.GetPayment(ctx, id)
		if gerr == nil && current.Status == PaymentCaptured {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, Transient(err)
	}
	m.metrics.RecordPayment(PaymentCaptured, false)
	m.notifyPayment(ctx, updated)
	return updated, nil
}

// Refund refunds amount of a captured payment on the gateway, then adds it to
// the stored refunded total.
func (m *Manager) Refund(ctx context.Context, id string, amount int64, reason string) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := m.requireGateway(); err != nil {
		return nil, err
	}
	p, err := m.storage.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentCaptured && p.Status != PaymentPartiallyRefunded {
		return nil, ErrPaymentStatus
	}
	if amount > p.Refundable() {
		return nil, ErrRefundExceedsBalance
	}

	refund, err := m.gateway.CreateRefund(ctx, RefundRequest{
		ExternalPaymentID: p.ExternalPaymentID,
		Amount:            amount,
		Reason:            reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}

	refundID := refund.ID
	if refundID == "" {
		refundID = m.newID()
	}
	// The refund.processed webhook for the same refund id may already have
	// been applied; the store applies each refund id once.
	start := time.Now()
	updated, _, err := m.storage.ApplyRefund(ctx, id, RefundRecord{
		ID:     refundID,
		Amount: amount,
		Reason: reason,
		At:     m.now(),
	})
	m.observe("apply_refund", start, err)
	if err != nil {
		return nil, Transient(err)
	}
	m.metrics.RecordPayment(updated.Status, false)
	m.logger.Info("payment refunded",
		F("payment_id", id),
		F("refund_id", refund.ID),
		F("amount", amount),
		F("status", string(updated.Status)),
	)
	m.notify(ctx, Notification{
		Kind:           NotifyRefundProcessed,
		UserID:         updated.UserID,
		SubscriptionID: updated.SubscriptionID,
		PaymentID:      updated.ID,
		Message:        fmt.Sprintf("A refund of %d %s has been issued.", amount, updated.Currency),
	})
	return updated, nil
}

// GetPayment returns a payment by id.
func (m *Manager) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return m.storage.GetPayment(ctx, id)
}

// ListPayments returns the payments of a subscription, oldest first.
func (m *Manager) ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error) {
	if _, err := m.storage.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return m.storage.ListPayments(ctx, subscriptionID)
}
