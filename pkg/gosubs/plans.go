package gosubs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PlanPatch lists the plan fields a caller may change. Nil fields are left
// untouched. The id, external plan id and billing cycle are immutable.
type PlanPatch struct {
	Name        *string
	Description *string
	Type        *string
	Price       *Money
	Quotas      map[ResourceType]Quota
	Features    map[string]bool
	Trial       *TrialPolicy
	Status      *PlanStatus
}

func validatePlan(p *Plan) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if !p.BillingCycle.Valid() {
		return invalid("billing_cycle", fmt.Sprintf("unknown cycle %q", p.BillingCycle))
	}
	if p.Price.Amount < 0 {
		return invalid("price", "must not be negative")
	}
	if p.Price.Amount > 0 && strings.TrimSpace(p.Price.Currency) == "" {
		return invalid("price.currency", "required for paid plans")
	}
	for resource, q := range p.Quotas {
		if !resource.Valid() {
			return invalid("quotas", fmt.Sprintf("unknown resource type %q", resource))
		}
		if q.Max < 0 {
			return invalid("quotas."+string(resource), "must not be negative")
		}
	}
	if p.Trial.Days < 0 {
		return invalid("trial.days", "must not be negative")
	}
	if p.Trial.Enabled && p.Trial.Days == 0 {
		return invalid("trial.days", "must be positive when the trial is enabled")
	}
	if !p.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", p.Status))
	}
	return nil
}

// CreatePlan validates and stores a new plan. Paid plans without an external
// plan id are registered on the gateway first when one is configured.
func (m *Manager) CreatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	if plan == nil {
		return nil, invalid("plan", "required")
	}
	p := plan.Clone()
	if p.Status == "" {
		p.Status = PlanActive
	}
	p.Price.Currency = strings.ToUpper(p.Price.Currency)
	if err := validatePlan(p); err != nil {
		return nil, err
	}

	now := m.now()
	if p.ID == "" {
		p.ID = m.newID()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	if p.ExternalPlanID == "" && p.Price.Amount > 0 && m.gateway != nil {
		externalID, err := m.gateway.CreatePlan(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to register plan with gateway: %w", err)
		}
		p.ExternalPlanID = externalID
	}

	start := time.Now()
	err := m.storage.CreatePlan(ctx, p)
	m.observe("create_plan", start, err)
	if err != nil {
		return nil, err
	}

	m.logger.Info("plan created", F("plan_id", p.ID), F("name", p.Name))
	return p, nil
}

// GetPlan returns a plan, served from the cache when enabled.
func (m *Manager) GetPlan(ctx context.Context, id string) (*Plan, error) {
	if m.plans != nil {
		return m.plans.load(ctx, id, m.storage.GetPlan)
	}
	return m.storage.GetPlan(ctx, id)
}

// UpdatePlan applies an allow-listed patch. The merged plan is validated
// before it is stored. Existing subscriptions keep their snapshot.
func (m *Manager) UpdatePlan(ctx context.Context, id string, patch PlanPatch) (*Plan, error) {
	current, err := m.storage.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	p := current.Clone()
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Type != nil {
		p.Type = *patch.Type
	}
	if patch.Price != nil {
		p.Price = *patch.Price
		p.Price.Currency = strings.ToUpper(p.Price.Currency)
	}
	if patch.Quotas != nil {
		p.Quotas = cloneQuotas(patch.Quotas)
	}
	if patch.Features != nil {
		p.Features = cloneFeatures(patch.Features)
	}
	if patch.Trial != nil {
		p.Trial = *patch.Trial
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if err := validatePlan(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = m.now()

	start := time.Now()
	err = m.storage.UpdatePlan(ctx, p)
	m.observe("update_plan", start, err)
	if err != nil {
		return nil, err
	}
	if m.plans != nil {
		m.plans.invalidate(id)
	}
	return p, nil
}

// DeletePlan removes a plan. Returns ErrPlanInUse while an active or trialing
// subscription references it.
func (m *Manager) DeletePlan(ctx context.Context, id string) error {
	start := time.Now()
	err := m.storage.DeletePlan(ctx, id)
	m.observe("delete_plan", start, err)
	if m.plans != nil {
		m.plans.invalidate(id)
	}
	if err != nil {
		return err
	}
	m.logger.Info("plan deleted", F("plan_id", id))
	return nil
}

// ListPlans returns one page of plans and the total matching count.
func (m *Manager) ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, int, error) {
	if filter.Cycle != "" && !filter.Cycle.Valid() {
		return nil, 0, invalid("cycle", fmt.Sprintf("unknown cycle %q", filter.Cycle))
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, invalid("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return m.storage.ListPlans(ctx, filter.normalize())
}
