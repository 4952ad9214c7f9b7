package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// ListPlans handles GET /plans?type=&cycle=&status=&page=&page_size=
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := gosubs.PlanFilter{
		Type:     q.Get("type"),
		Cycle:    gosubs.BillingCycle(q.Get("cycle")),
		Status:   gosubs.PlanStatus(q.Get("status")),
		Page:     page,
		PageSize: pageSize,
	}
	plans, total, err := h.config.Manager.ListPlans(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := PlanListResponse{Plans: plans, Total: total, Page: max(page, 1), PageSize: pageSize}
	if resp.Plans == nil {
		resp.Plans = []*gosubs.Plan{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlan handles GET /plans/{planID}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.config.Manager.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// CreatePlan handles POST /plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	plan, err := h.config.Manager.CreatePlan(r.Context(), &gosubs.Plan{
		Name:           req.Name,
		Type:           req.Type,
		Description:    req.Description,
		ExternalPlanID: req.ExternalPlanID,
		BillingCycle:   req.BillingCycle,
		Price:          req.Price,
		Quotas:         req.Quotas,
		Features:       req.Features,
		Trial:          req.Trial,
		Status:         req.Status,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// UpdatePlan handles PATCH /plans/{planID}
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanPatchRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	plan, err := h.config.Manager.UpdatePlan(r.Context(), chi.URLParam(r, "planID"), gosubs.PlanPatch{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Price:       req.Price,
		Quotas:      req.Quotas,
		Features:    req.Features,
		Trial:       req.Trial,
		Status:      req.Status,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// DeletePlan handles DELETE /plans/{planID}
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Manager.DeletePlan(r.Context(), chi.URLParam(r, "planID")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
