package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Subscribe handles POST /subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Manager.Subscribe(r.Context(), gosubs.SubscribeRequest{
		UserID:      userID(r),
		PlanID:      req.PlanID,
		Email:       req.Email,
		Name:        req.Name,
		TotalCycles: req.TotalCycles,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.config.Manager.ListSubscriptions(r.Context(), userID(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if subs == nil {
		subs = []*gosubs.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetActiveSubscription handles GET /subscriptions/active
func (h *Handler) GetActiveSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.config.Manager.GetActiveSubscription(r.Context(), userID(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// ownedSubscription loads the subscription named in the path. Subscriptions
// of other users are reported as not found.
func (h *Handler) ownedSubscription(r *http.Request) (*gosubs.Subscription, error) {
	sub, err := h.config.Manager.GetSubscription(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID(r) {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return sub, nil
}

// GetSubscription handles GET /subscriptions/{subscriptionID}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscription handles PATCH /subscriptions/{subscriptionID}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req SubscriptionPatchRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	updated, err := h.config.Manager.UpdateSubscription(r.Context(), sub.ID, gosubs.SubscriptionPatch{Metadata: req.Metadata})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// CancelSubscription handles POST /subscriptions/{subscriptionID}/cancel.
// A cancellation the gateway has not confirmed yet is answered with 202.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	result, err := h.config.Manager.Cancel(r.Context(), sub.ID, gosubs.CancelRequest{
		Reason:     req.Reason,
		Feedback:   req.Feedback,
		AtCycleEnd: req.AtCycleEnd,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := CancelResponse{Outcome: result.Outcome, Subscription: result.Subscription}
	status := http.StatusOK
	if result.Outcome == gosubs.CancelRemotePending {
		status = http.StatusAccepted
		if result.RemoteErr != nil {
			resp.RemoteError = result.RemoteErr.Error()
		}
	}
	writeJSON(w, status, resp)
}

// PauseSubscription handles POST /subscriptions/{subscriptionID}/pause
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, h.config.Manager.Pause)
}

// ResumeSubscription handles POST /subscriptions/{subscriptionID}/resume
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, h.config.Manager.Resume)
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, id string) (*gosubs.Subscription, error),
) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	updated, err := apply(r.Context(), sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ListPayments handles GET /subscriptions/{subscriptionID}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	sub, err := h.ownedSubscription(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	payments, err := h.config.Manager.ListPayments(r.Context(), sub.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if payments == nil {
		payments = []*gosubs.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}
