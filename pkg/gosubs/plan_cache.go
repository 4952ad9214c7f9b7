package gosubs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PlanCacheConfig configures the plan read-through cache
type PlanCacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long a loaded plan is served from memory (default: 1 minute)
	TTL time.Duration

	// MaxEntries is the maximum number of cached plans (default: 500)
	MaxEntries int
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type planEntry struct {
	plan       *Plan
	expiration time.Time
	sequence   int64 // bumped on every access; lowest is least recently used
}

// planCache is a TTL + LRU cache in front of PlanStore.GetPlan. Concurrent
// misses for the same id share one store read.
type planCache struct {
	mu         sync.Mutex
	entries    map[string]*planEntry
	maxEntries int
	ttl        time.Duration
	sequence   int64
	hits       int64
	misses     int64
	evictions  int64

	now   func() time.Time
	group singleflight.Group
}

func newPlanCache(cfg PlanCacheConfig, now func() time.Time) *planCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	return &planCache{
		entries:    make(map[string]*planEntry, cfg.MaxEntries),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        now,
	}
}

func (c *planCache) get(id string) (*Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok || c.now().After(entry.expiration) {
		c.misses++
		return nil, false
	}
	c.sequence++
	entry.sequence = c.sequence
	c.hits++
	return entry.plan.Clone(), true
}

func (c *planCache) set(plan *Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[plan.ID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.sequence++
	c.entries[plan.ID] = &planEntry{
		plan:       plan.Clone(),
		expiration: c.now().Add(c.ttl),
		sequence:   c.sequence,
	}
}

func (c *planCache) evictOldest() {
	var oldestKey string
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.sequence < oldestSeq {
			oldestKey = key
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *planCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.group.Forget(id)
}

// load returns the cached plan or reads it through fetch.
func (c *planCache) load(ctx context.Context, id string, fetch func(ctx context.Context, id string) (*Plan, error)) (*Plan, error) {
	if plan, ok := c.get(id); ok {
		return plan, nil
	}
	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		plan, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.set(plan)
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan).Clone(), nil
}

func (c *planCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
