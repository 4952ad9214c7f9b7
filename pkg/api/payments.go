package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	order, err := h.config.Manager.CreateOrder(r.Context(), userID(r), gosubs.Money{
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{
		ID:     order.ID,
		Amount: order.Amount,
		Status: order.Status,
	})
}

// VerifyPayment handles POST /payments/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	p, err := h.config.Manager.VerifyPayment(r.Context(), gosubs.VerifyPaymentRequest{
		UserID:         userID(r),
		SubscriptionID: req.SubscriptionID,
		OrderID:        req.OrderID,
		PaymentID:      req.PaymentID,
		Signature:      req.Signature,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPayment handles GET /payments/{paymentID}. Payments of other users are
// reported as not found.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.config.Manager.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if p.UserID != userID(r) {
		h.handleError(w, r, gosubs.ErrPaymentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CapturePayment handles POST /payments/{paymentID}/capture
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.config.Manager.CapturePayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RefundPayment handles POST /payments/{paymentID}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	p, err := h.config.Manager.Refund(r.Context(), chi.URLParam(r, "paymentID"), req.Amount, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
