package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// GetEntitlement handles GET /entitlement
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ent, err := h.config.Manager.GetEntitlement(r.Context(), userID(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// GetUsage handles GET /usage
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sub, err := h.config.Manager.GetActiveSubscription(r.Context(), uid)
	if err != nil {
		h.handleUsageError(w, r, err)
		return
	}
	usage, err := h.config.Manager.Usage(r.Context(), sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := UsageResponse{
		UserID:         uid,
		SubscriptionID: sub.ID,
		Resources:      make(map[gosubs.ResourceType]ResourceUsage, len(usage)),
	}
	for resource, counter := range usage {
		ru := ResourceUsage{Used: counter.Current, Limit: counter.Limit, Remaining: gosubs.Unlimited}
		if !counter.Unlimited() {
			ru.Remaining = max(counter.Limit-counter.Current, 0)
		}
		resp.Resources[resource] = ru
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reserve handles POST /usage/{resource}/reserve. A denied reservation is
// answered with 429 and the reservation body.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	resource := gosubs.ResourceType(chi.URLParam(r, "resource"))
	res, _, err := h.config.Manager.ReserveForUser(r.Context(), userID(r), resource, req.Amount)
	if err != nil {
		h.handleUsageError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

// Release handles POST /usage/{resource}/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Manager.GetActiveSubscription(r.Context(), userID(r))
	if err != nil {
		h.handleUsageError(w, r, err)
		return
	}
	resource := gosubs.ResourceType(chi.URLParam(r, "resource"))
	current, err := h.config.Manager.Release(r.Context(), sub.ID, resource, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReleaseResponse{Resource: resource, Current: current})
}

// handleUsageError answers 402 when the caller has no entitled subscription.
func (h *Handler) handleUsageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, gosubs.ErrSubscriptionNotFound) && h.config.OnError == nil {
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   "subscription_required",
			Message: "an active subscription is required",
		})
		return
	}
	h.handleError(w, r, err)
}
