package gosubs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCache_TTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newPlanCache(PlanCacheConfig{Enabled: true, TTL: time.Minute}, func() time.Time { return now })

	var fetches int
	fetch := func(_ context.Context, id string) (*Plan, error) {
		fetches++
		return &Plan{ID: id, Name: "Pro"}, nil
	}
	ctx := context.Background()

	_, err := c.load(ctx, "plan-1", fetch)
	require.NoError(t, err)
	_, err = c.load(ctx, "plan-1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	now = now.Add(61 * time.Second)
	_, err = c.load(ctx, "plan-1", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)

	stats := c.stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestPlanCache_EvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newPlanCache(PlanCacheConfig{Enabled: true, MaxEntries: 2}, func() time.Time { return now })

	c.set(&Plan{ID: "a"})
	c.set(&Plan{ID: "b"})
	_, ok := c.get("a")
	require.True(t, ok)

	c.set(&Plan{ID: "c"})

	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.stats().Evictions)
}

func TestPlanCache_ReturnsCopies(t *testing.T) {
	c := newPlanCache(PlanCacheConfig{Enabled: true}, time.Now)
	c.set(&Plan{ID: "a", Features: map[string]bool{"api_access": true}})

	p, ok := c.get("a")
	require.True(t, ok)
	p.Features["api_access"] = false

	p, _ = c.get("a")
	assert.True(t, p.Features["api_access"])
}

func TestPlanCache_SharesConcurrentMisses(t *testing.T) {
	c := newPlanCache(PlanCacheConfig{Enabled: true}, time.Now)
	var fetches atomic.Int32
	gate := make(chan struct{})
	fetch := func(_ context.Context, id string) (*Plan, error) {
		fetches.Add(1)
		<-gate
		return &Plan{ID: id}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.load(context.Background(), "plan-1", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "plan-1", p.ID)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	_, ok := c.get("plan-1")
	assert.True(t, ok)
}

func TestPlanCache_Invalidate(t *testing.T) {
	c := newPlanCache(PlanCacheConfig{Enabled: true}, time.Now)
	c.set(&Plan{ID: "a"})
	c.invalidate("a")

	_, ok := c.get("a")
	assert.False(t, ok)
}
