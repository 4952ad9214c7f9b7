package gosubs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func TestCreatePlan_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(*gosubs.Plan)
	}{
		{"empty name", func(p *gosubs.Plan) { p.Name = "  " }},
		{"unknown cycle", func(p *gosubs.Plan) { p.BillingCycle = "weekly" }},
		{"negative price", func(p *gosubs.Plan) { p.Price.Amount = -1 }},
		{"paid without currency", func(p *gosubs.Plan) { p.Price.Currency = "" }},
		{"unknown resource", func(p *gosubs.Plan) {
			p.Quotas = map[gosubs.ResourceType]gosubs.Quota{"moodboards": {Max: 1}}
		}},
		{"negative quota", func(p *gosubs.Plan) {
			p.Quotas = map[gosubs.ResourceType]gosubs.Quota{gosubs.ResourceTeams: {Max: -1}}
		}},
		{"trial without days", func(p *gosubs.Plan) { p.Trial = gosubs.TrialPolicy{Enabled: true} }},
		{"unknown status", func(p *gosubs.Plan) { p.Status = "draft" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &gosubs.Plan{
				Name:         "Starter",
				BillingCycle: gosubs.CycleMonthly,
				Price:        gosubs.Money{Amount: 19900, Currency: "INR"},
			}
			tt.mutate(plan)

			_, err := h.manager.CreatePlan(h.ctx, plan)
			var verr *gosubs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, gosubs.ErrValidation)
		})
	}
	assert.Equal(t, 0, h.gateway.Calls("create_plan"))
}

func TestCreatePlan_RegistersPaidPlansWithGateway(t *testing.T) {
	h := newHarness(t)

	paid := h.createPlan(t)
	assert.NotEmpty(t, paid.ID)
	assert.NotEmpty(t, paid.ExternalPlanID)
	assert.Equal(t, gosubs.PlanActive, paid.Status)
	assert.Equal(t, "INR", paid.Price.Currency)

	free, err := h.manager.CreatePlan(h.ctx, &gosubs.Plan{Name: "Free", BillingCycle: gosubs.CycleMonthly})
	require.NoError(t, err)
	assert.Empty(t, free.ExternalPlanID)

	assert.Equal(t, 1, h.gateway.Calls("create_plan"))
}

func TestCreatePlan_DuplicateExternalID(t *testing.T) {
	h := newHarness(t)
	h.createPlan(t, func(p *gosubs.Plan) { p.ExternalPlanID = "plan_ext_1" })

	_, err := h.manager.CreatePlan(h.ctx, &gosubs.Plan{
		Name:           "Copy",
		BillingCycle:   gosubs.CycleMonthly,
		Price:          gosubs.Money{Amount: 100, Currency: "INR"},
		ExternalPlanID: "plan_ext_1",
	})
	assert.ErrorIs(t, err, gosubs.ErrDuplicatePlan)
	assert.ErrorIs(t, err, gosubs.ErrValidation)
}

func TestUpdatePlan(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)

	name := "Business Plus"
	price := gosubs.Money{Amount: 59900, Currency: "inr"}
	updated, err := h.manager.UpdatePlan(h.ctx, plan.ID, gosubs.PlanPatch{
		Name:     &name,
		Price:    &price,
		Features: map[string]bool{"api_access": true, "custom_branding": true},
	})
	require.NoError(t, err)

	assert.Equal(t, name, updated.Name)
	assert.Equal(t, gosubs.Money{Amount: 59900, Currency: "INR"}, updated.Price)
	assert.True(t, updated.Features["custom_branding"])
	assert.Equal(t, plan.ExternalPlanID, updated.ExternalPlanID)
	assert.Equal(t, plan.Quotas, updated.Quotas)

	archived := gosubs.PlanArchived
	_, err = h.manager.UpdatePlan(h.ctx, plan.ID, gosubs.PlanPatch{Status: &archived})
	require.NoError(t, err)
	_, err = h.manager.Subscribe(h.ctx, gosubs.SubscribeRequest{UserID: "user-1", PlanID: plan.ID})
	assert.ErrorIs(t, err, gosubs.ErrPlanNotAvailable)

	bad := gosubs.Money{Amount: -5, Currency: "INR"}
	_, err = h.manager.UpdatePlan(h.ctx, plan.ID, gosubs.PlanPatch{Price: &bad})
	assert.ErrorIs(t, err, gosubs.ErrValidation)

	_, err = h.manager.UpdatePlan(h.ctx, "missing", gosubs.PlanPatch{Name: &name})
	assert.ErrorIs(t, err, gosubs.ErrPlanNotFound)
}

func TestDeletePlan_InUse(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	err := h.manager.DeletePlan(h.ctx, plan.ID)
	assert.ErrorIs(t, err, gosubs.ErrPlanInUse)
	assert.ErrorIs(t, err, gosubs.ErrConflict)

	_, err = h.manager.Cancel(h.ctx, sub.ID, gosubs.CancelRequest{})
	require.NoError(t, err)

	require.NoError(t, h.manager.DeletePlan(h.ctx, plan.ID))
	_, err = h.manager.GetPlan(h.ctx, plan.ID)
	assert.ErrorIs(t, err, gosubs.ErrPlanNotFound)

	// The subscription keeps its snapshot after the plan is gone.
	stored := h.reload(t, sub.ID)
	assert.Equal(t, plan.Quotas, stored.Quotas)
}

func TestListPlans_FilterAndPaginate(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for i := 0; i < 5; i++ {
		cycle := gosubs.CycleMonthly
		if i%2 == 1 {
			cycle = gosubs.CycleYearly
		}
		p := h.createPlan(t, func(p *gosubs.Plan) { p.BillingCycle = cycle })
		ids = append(ids, p.ID)
		h.clock.Advance(time.Minute)
	}

	page, total, err := h.manager.ListPlans(h.ctx, gosubs.PlanFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	yearly, total, err := h.manager.ListPlans(h.ctx, gosubs.PlanFilter{Cycle: gosubs.CycleYearly})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, yearly, 2)

	empty, total, err := h.manager.ListPlans(h.ctx, gosubs.PlanFilter{Page: 9})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, empty)

	_, _, err = h.manager.ListPlans(h.ctx, gosubs.PlanFilter{Cycle: "weekly"})
	assert.ErrorIs(t, err, gosubs.ErrValidation)
}

func TestGetPlan_Cached(t *testing.T) {
	h := newHarness(t, func(c *gosubs.Config) {
		c.PlanCache = &gosubs.PlanCacheConfig{Enabled: true, TTL: time.Minute}
	})
	plan := h.createPlan(t)

	for i := 0; i < 3; i++ {
		_, err := h.manager.GetPlan(h.ctx, plan.ID)
		require.NoError(t, err)
	}
	stats := h.manager.PlanCacheStats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Hits)

	// Updates are visible immediately.
	name := "Renamed"
	_, err := h.manager.UpdatePlan(h.ctx, plan.ID, gosubs.PlanPatch{Name: &name})
	require.NoError(t, err)
	got, err := h.manager.GetPlan(h.ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}
