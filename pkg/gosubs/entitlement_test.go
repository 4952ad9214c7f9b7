package gosubs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func TestGetEntitlement_FreeTierWithoutSubscription(t *testing.T) {
	h := newHarness(t)

	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, gosubs.SourceFreeTier, ent.Source)
	assert.Equal(t, gosubs.FreeTier("user-1"), ent)
	assert.Nil(t, ent.ExpiresAt)
	assert.False(t, ent.HasFeature("api_access"))
}

func TestFreeTier_ReturnsIndependentCopies(t *testing.T) {
	a := gosubs.FreeTier("user-1")
	a.Quotas[gosubs.ResourceProjects] = gosubs.Quota{Max: 1000}
	a.Features["api_access"] = true

	b := gosubs.FreeTier("user-1")
	assert.Equal(t, int64(2), b.Quotas[gosubs.ResourceProjects].Max)
	assert.False(t, b.Features["api_access"])
}

func TestGetEntitlement_FromSubscriptionSnapshot(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, gosubs.SourceSubscription, ent.Source)
	assert.Equal(t, sub.ID, ent.SubscriptionID)
	assert.Equal(t, plan.ID, ent.PlanID)
	assert.True(t, ent.HasFeature("api_access"))
	assert.False(t, ent.HasFeature("custom_branding"))
	require.NotNil(t, ent.ExpiresAt)
	assert.Equal(t, sub.EndDate, *ent.ExpiresAt)
}

func TestGetEntitlement_RevertsOnCancelButKeepsUsage(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)
	_, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceProjects, 2)
	require.NoError(t, err)

	_, err = h.manager.Cancel(h.ctx, sub.ID, gosubs.CancelRequest{})
	require.NoError(t, err)

	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.SourceFreeTier, ent.Source)

	usage, err := h.manager.Usage(h.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), usage[gosubs.ResourceProjects].Current)
}

func TestGetEntitlement_PastEndDate(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	h.clock.Advance(sub.EndDate.Sub(epoch) + time.Minute)

	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.SourceFreeTier, ent.Source)
}

func TestGetEntitlement_GraceAbsorbsLateRenewal(t *testing.T) {
	h := newHarness(t, func(c *gosubs.Config) {
		c.EntitlementGrace = 48 * time.Hour
	})
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	h.clock.Advance(sub.EndDate.Sub(epoch) + 24*time.Hour)
	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.SourceSubscription, ent.Source)

	h.clock.Advance(25 * time.Hour)
	ent, err = h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.SourceFreeTier, ent.Source)
}

func TestGetEntitlement_PausedAndPastDueUseFreeTier(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	_, err := h.manager.MarkPastDue(h.ctx, sub.ID, "card declined")
	require.NoError(t, err)
	ent, err := h.manager.GetEntitlement(h.ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.SourceFreeTier, ent.Source)

	_, err = h.manager.GetEntitlement(h.ctx, "")
	assert.ErrorIs(t, err, gosubs.ErrValidation)
}
