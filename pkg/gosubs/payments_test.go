package gosubs_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// checkout creates an order, scripts the gateway payment for it and verifies
// the signed checkout response.
func (h *harness) checkout(t *testing.T, userID, paymentID string, status gosubs.PaymentStatus) *gosubs.Payment {
	t.Helper()
	order, err := h.manager.CreateOrder(h.ctx, userID, gosubs.Money{Amount: 49900, Currency: "inr"})
	require.NoError(t, err)
	h.gateway.AddPayment(gosubs.GatewayPayment{
		ID:      paymentID,
		OrderID: order.ID,
		Amount:  order.Amount,
		Status:  status,
		Method:  "card",
	})
	p, err := h.manager.VerifyPayment(h.ctx, gosubs.VerifyPaymentRequest{
		UserID:    userID,
		OrderID:   order.ID,
		PaymentID: paymentID,
		Signature: h.gateway.SignPayment(order.ID, paymentID),
	})
	require.NoError(t, err)
	return p
}

func TestCreateOrder_AppliesTax(t *testing.T) {
	h := newHarness(t, func(c *gosubs.Config) {
		c.TaxRate = 0.18
	})

	order, err := h.manager.CreateOrder(h.ctx, "user-1", gosubs.Money{Amount: 1000, Currency: "inr"})
	require.NoError(t, err)
	assert.Equal(t, gosubs.Money{Amount: 1180, Currency: "INR"}, order.Amount)

	_, err = h.manager.CreateOrder(h.ctx, "user-1", gosubs.Money{Amount: 0, Currency: "inr"})
	assert.ErrorIs(t, err, gosubs.ErrValidation)
	_, err = h.manager.CreateOrder(h.ctx, "user-1", gosubs.Money{Amount: 100})
	assert.ErrorIs(t, err, gosubs.ErrValidation)
	_, err = h.manager.CreateOrder(h.ctx, "", gosubs.Money{Amount: 100, Currency: "inr"})
	assert.ErrorIs(t, err, gosubs.ErrValidation)
}

func TestVerifyPayment_RecordsOnce(t *testing.T) {
	h := newHarness(t)

	p := h.checkout(t, "user-1", "pay_v1", gosubs.PaymentCaptured)
	assert.Equal(t, gosubs.PaymentCaptured, p.Status)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, int64(49900), p.Amount)
	assert.Equal(t, "INR", p.Currency)
	assert.Equal(t, "card", p.Method)
	assert.NotEmpty(t, p.ReceiptNumber)

	again, err := h.manager.VerifyPayment(h.ctx, gosubs.VerifyPaymentRequest{
		UserID:    "user-1",
		OrderID:   p.ExternalOrderID,
		PaymentID: "pay_v1",
		Signature: h.gateway.SignPayment(p.ExternalOrderID, "pay_v1"),
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, p.ReceiptNumber, again.ReceiptNumber)

	h.manager.Wait()
	assert.Equal(t, 1, h.notifier.count(gosubs.NotifyPaymentCaptured))
}

func TestVerifyPayment_Rejections(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	other := h.subscribe(t, "user-2", plan.ID)
	h.gateway.AddPayment(gosubs.GatewayPayment{
		ID:      "pay_v2",
		OrderID: "order_real",
		Amount:  gosubs.Money{Amount: 100, Currency: "INR"},
		Status:  gosubs.PaymentCaptured,
	})

	tests := []struct {
		name    string
		req     gosubs.VerifyPaymentRequest
		wantErr error
	}{
		{
			name:    "bad signature",
			req:     gosubs.VerifyPaymentRequest{UserID: "user-1", OrderID: "order_real", PaymentID: "pay_v2", Signature: "deadbeef"},
			wantErr: gosubs.ErrAuth,
		},
		{
			name:    "missing ids",
			req:     gosubs.VerifyPaymentRequest{UserID: "user-1", PaymentID: "pay_v2"},
			wantErr: gosubs.ErrValidation,
		},
		{
			name: "order mismatch",
			req: gosubs.VerifyPaymentRequest{
				UserID: "user-1", OrderID: "order_forged", PaymentID: "pay_v2",
				Signature: h.gateway.SignPayment("order_forged", "pay_v2"),
			},
			wantErr: gosubs.ErrValidation,
		},
		{
			name: "subscription of another user",
			req: gosubs.VerifyPaymentRequest{
				UserID: "user-1", SubscriptionID: other.ID, OrderID: "order_real", PaymentID: "pay_v2",
				Signature: h.gateway.SignPayment("order_real", "pay_v2"),
			},
			wantErr: gosubs.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.VerifyPayment(h.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	payments, err := h.manager.ListPayments(h.ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestCapturePayment(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_c1", gosubs.PaymentPending)
	require.Equal(t, gosubs.PaymentPending, p.Status)

	captured, err := h.manager.CapturePayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentCaptured, captured.Status)
	assert.Equal(t, 1, h.gateway.Calls("capture_payment"))

	// Capturing again does not reach the gateway.
	again, err := h.manager.CapturePayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentCaptured, again.Status)
	assert.Equal(t, 1, h.gateway.Calls("capture_payment"))

	_, err = h.manager.CapturePayment(h.ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrPaymentNotFound)
}

func TestCapturePayment_GatewayFailure(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_c2", gosubs.PaymentPending)
	h.gateway.SetErr("capture_payment", errors.New("gateway unavailable"))

	_, err := h.manager.CapturePayment(h.ctx, p.ID)
	assert.ErrorIs(t, err, gosubs.ErrTransient)

	stored, err := h.manager.GetPayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentPending, stored.Status)
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_r1", gosubs.PaymentCaptured)

	_, err := h.manager.Refund(h.ctx, p.ID, 0, "")
	assert.ErrorIs(t, err, gosubs.ErrInvalidAmount)

	_, err = h.manager.Refund(h.ctx, p.ID, 60000, "")
	assert.ErrorIs(t, err, gosubs.ErrRefundExceedsBalance)
	assert.Equal(t, 0, h.gateway.Calls("create_refund"))

	partial, err := h.manager.Refund(h.ctx, p.ID, 10000, "damaged")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentPartiallyRefunded, partial.Status)
	require.NotNil(t, partial.Refund)
	assert.Equal(t, int64(10000), partial.Refund.Amount)
	assert.Equal(t, "damaged", partial.Refund.Reason)
	assert.Equal(t, int64(39900), partial.Refundable())

	// The gateway's webhook for the same refund does not count it twice.
	require.Len(t, h.gateway.Refunds, 1)
	res := h.deliver(t, h.gateway.RefundEventWithID(h.gateway.Refunds[0].ID, "pay_r1", 10000, 10000))
	assert.Equal(t, gosubs.OutcomeNoop, res.Outcome)

	full, err := h.manager.Refund(h.ctx, p.ID, 39900, "")
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentRefunded, full.Status)
	assert.Equal(t, int64(0), full.Refundable())

	_, err = h.manager.Refund(h.ctx, p.ID, 1, "")
	assert.ErrorIs(t, err, gosubs.ErrPaymentStatus)

	h.manager.Wait()
	assert.Equal(t, 2, h.notifier.count(gosubs.NotifyRefundProcessed))
}

func TestRefund_ConcurrentPartialRefunds(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_r4", gosubs.PaymentCaptured)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.Refund(h.ctx, p.ID, 3000, "partial")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := h.manager.GetPayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentPartiallyRefunded, stored.Status)
	assert.Equal(t, int64(6000), stored.Refund.Amount)
	assert.Equal(t, int64(49900-6000), stored.Refundable())

	// The gateway's cumulative total for both refunds changes nothing.
	res := h.deliver(t, h.gateway.RefundEventWithID("", "pay_r4", 6000, 6000))
	assert.Equal(t, gosubs.OutcomeNoop, res.Outcome)
	stored, err = h.manager.GetPayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), stored.Refund.Amount)
}

func TestRefund_RequiresCapturedPayment(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_r2", gosubs.PaymentPending)

	_, err := h.manager.Refund(h.ctx, p.ID, 100, "")
	assert.ErrorIs(t, err, gosubs.ErrPaymentStatus)
	assert.ErrorIs(t, err, gosubs.ErrConflict)
}

func TestRefund_GatewayFailureLeavesPaymentUnchanged(t *testing.T) {
	h := newHarness(t)
	p := h.checkout(t, "user-1", "pay_r3", gosubs.PaymentCaptured)
	h.gateway.SetErr("create_refund", errors.New("gateway unavailable"))

	_, err := h.manager.Refund(h.ctx, p.ID, 100, "")
	assert.ErrorIs(t, err, gosubs.ErrTransient)

	stored, err := h.manager.GetPayment(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.PaymentCaptured, stored.Status)
	assert.Nil(t, stored.Refund)
}

func TestListPayments_UnknownSubscription(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ListPayments(h.ctx, "missing")
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
}
