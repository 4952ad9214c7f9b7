package gosubs_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func TestCheckAndReserve_ProjectsLimit(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	res, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, float64(1), res.Current)

	res, err = h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, float64(0), res.Remaining())

	// The third project is denied and the counter stays at the limit.
	res, err = h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, float64(2), res.Current)
	assert.Equal(t, float64(2), res.Limit)

	current, err := h.manager.Release(h.ctx, sub.ID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), current)

	res, err = h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	usage, err := h.manager.Usage(h.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, gosubs.UsageCounter{Current: 2, Limit: 2}, usage[gosubs.ResourceProjects])
}

func TestCheckAndReserve_Concurrent(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t, func(p *gosubs.Plan) {
		p.Quotas[gosubs.ResourceClients] = gosubs.Quota{Max: 10}
	})
	sub := h.subscribe(t, "user-1", plan.ID)

	const workers = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceClients, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	usage, err := h.manager.Usage(h.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(10), usage[gosubs.ResourceClients].Current)
}

func TestCheckAndReserve_Unlimited(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	for i := 0; i < 100; i++ {
		res, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceLeads, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceLeads, 1)
	require.NoError(t, err)
	assert.Equal(t, gosubs.Unlimited, res.Remaining())
	assert.Equal(t, float64(101), res.Current)
}

func TestCheckAndReserve_MissingCounterIsDenied(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	// The plan grants no users quota.
	res, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceUsers, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCheckAndReserve_InvalidAmounts(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	tests := []struct {
		name     string
		resource gosubs.ResourceType
		amount   float64
		wantErr  error
	}{
		{"zero", gosubs.ResourceProjects, 0, gosubs.ErrInvalidAmount},
		{"negative", gosubs.ResourceProjects, -1, gosubs.ErrInvalidAmount},
		{"fractional project", gosubs.ResourceProjects, 0.5, gosubs.ErrInvalidAmount},
		{"unknown resource", gosubs.ResourceType("moodboards"), 1, gosubs.ErrUnknownResource},
		{"fractional storage", gosubs.ResourceStorage, 0.25, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.CheckAndReserve(h.ctx, sub.ID, tt.resource, tt.amount)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, gosubs.ErrValidation)
		})
	}
}

func TestRelease_FloorsAtZero(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)
	sub := h.subscribe(t, "user-1", plan.ID)

	_, err := h.manager.CheckAndReserve(h.ctx, sub.ID, gosubs.ResourceStorage, 1.5)
	require.NoError(t, err)

	current, err := h.manager.Release(h.ctx, sub.ID, gosubs.ResourceStorage, 4)
	require.NoError(t, err)
	assert.Equal(t, float64(0), current)

	current, err = h.manager.Release(h.ctx, sub.ID, gosubs.ResourceProjects, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(0), current)
}

func TestReserveForUser(t *testing.T) {
	h := newHarness(t)
	plan := h.createPlan(t)

	_, _, err := h.manager.ReserveForUser(h.ctx, "user-1", gosubs.ResourceProjects, 1)
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)

	sub := h.subscribe(t, "user-1", plan.ID)
	res, subID, err := h.manager.ReserveForUser(h.ctx, "user-1", gosubs.ResourceProjects, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, sub.ID, subID)

	_, err = h.manager.MarkPastDue(h.ctx, sub.ID, "card declined")
	require.NoError(t, err)
	_, _, err = h.manager.ReserveForUser(h.ctx, "user-1", gosubs.ResourceProjects, 1)
	assert.ErrorIs(t, err, gosubs.ErrSubscriptionNotFound)
}
