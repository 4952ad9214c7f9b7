// Package tiered provides a Hot/Cold tiered usage ledger that pairs a fast
// ledger (Hot, e.g. Redis) with the durable one (Cold, e.g. Postgres).
//
// Strategies per operation:
//   - InitUsage: write-through (Cold first, then Hot)
//   - Reserve, Release: hot-primary with a synchronous or async mirror to Cold
//   - Usage: read-through (Hot, then Cold with read-repair)
//
// When Hot loses counters (eviction, flush) they are restored from Cold on
// the next reservation. With AsyncUsageSync the restored values may trail by
// whatever was still queued.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Seeder is implemented by hot ledgers that can restore counters copied from
// the cold tier. Existing counters must be left untouched.
type Seeder interface {
	SeedUsage(ctx context.Context, subscriptionID string, counters map[gosubs.ResourceType]gosubs.UsageCounter) error
}

// HotLedger is a usage ledger able to be reseeded from Cold.
type HotLedger interface {
	gosubs.UsageLedger
	Seeder
}

// Config configures the tiered ledger behavior
type Config struct {
	// Hot enforces quotas (e.g. Redis, Memory)
	Hot HotLedger

	// Cold is the durable copy (e.g. Postgres)
	Cold gosubs.UsageLedger

	// AsyncUsageSync mirrors reservations and releases to Cold from a
	// background worker. If false, mirroring happens inline (slower but safer).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold mirror write fails or is dropped.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Ledger implements gosubs.UsageLedger over a Hot and a Cold ledger.
type Ledger struct {
	hot  HotLedger
	cold gosubs.UsageLedger
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &Ledger{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncUsageSync {
		l.startWorker()
	}
	return l, nil
}

// Close stops the async worker after draining queued mirror writes.
func (l *Ledger) Close() error {
	if !l.conf.AsyncUsageSync {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.shutdown)
		l.wg.Wait()
	})
	return nil
}

// startWorker runs the background synchronization loop. Jobs run one at a
// time so Cold sees writes in the order Hot applied them.
func (l *Ledger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				if err := job(); err != nil {
					l.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-l.shutdown:
				for {
					select {
					case job := <-l.syncQueue:
						if err := job(); err != nil {
							l.reportError(fmt.Errorf("tiered sync failed during shutdown: %w", err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Ledger) reportError(err error) {
	if l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(err)
	}
}

// mirror applies job to Cold inline or through the worker. Cold failures
// never fail the caller: Hot already enforced the quota.
func (l *Ledger) mirror(ctx context.Context, job func(ctx context.Context) error) {
	if !l.conf.AsyncUsageSync {
		if err := job(ctx); err != nil {
			l.reportError(fmt.Errorf("tiered ledger: sync cold write failed: %w", err))
		}
		return
	}

	detached := context.WithoutCancel(ctx)
	select {
	case l.syncQueue <- func() error { return job(detached) }:
	default:
		l.reportError(errors.New("tiered ledger: sync queue full, dropping cold write"))
	}
}

// --- Strategy: Write-Through (Cold → Hot) ---

// InitUsage implements gosubs.UsageLedger with write-through strategy.
func (l *Ledger) InitUsage(ctx context.Context, subscriptionID string, limits map[gosubs.ResourceType]float64) error {
	if err := l.cold.InitUsage(ctx, subscriptionID, limits); err != nil {
		return err
	}
	// A Hot miss is repaired from Cold on the next reservation.
	if err := l.hot.InitUsage(ctx, subscriptionID, limits); err != nil {
		l.reportError(fmt.Errorf("tiered ledger: hot init failed: %w", err))
	}
	return nil
}

// --- Strategy: Hot-Primary / Mirrored Audit ---

// Reserve implements gosubs.UsageLedger with hot-primary strategy.
func (l *Ledger) Reserve(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (gosubs.Reservation, error) {
	res, err := l.hot.Reserve(ctx, subscriptionID, resource, amount)
	if err != nil {
		return res, err
	}

	// A denial against limit 0 may mean Hot lost the counter.
	if !res.Allowed && res.Limit == 0 && res.Current == 0 {
		seeded, err := l.rehydrate(ctx, subscriptionID)
		if err != nil {
			return res, err
		}
		if seeded {
			if res, err = l.hot.Reserve(ctx, subscriptionID, resource, amount); err != nil {
				return res, err
			}
		}
	}

	if res.Allowed {
		l.mirror(ctx, func(ctx context.Context) error {
			coldRes, err := l.cold.Reserve(ctx, subscriptionID, resource, amount)
			if err != nil {
				return err
			}
			if !coldRes.Allowed {
				return fmt.Errorf("cold ledger denied %s reservation for %s: %.2f/%.2f",
					resource, subscriptionID, coldRes.Current, coldRes.Limit)
			}
			return nil
		})
	}
	return res, nil
}

// Release implements gosubs.UsageLedger with hot-primary strategy.
func (l *Ledger) Release(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (float64, error) {
	current, err := l.hot.Release(ctx, subscriptionID, resource, amount)
	if err != nil {
		return current, err
	}
	l.mirror(ctx, func(ctx context.Context) error {
		_, err := l.cold.Release(ctx, subscriptionID, resource, amount)
		return err
	})
	return current, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// Usage implements gosubs.UsageLedger with read-through strategy.
func (l *Ledger) Usage(ctx context.Context, subscriptionID string) (map[gosubs.ResourceType]gosubs.UsageCounter, error) {
	usage, err := l.hot.Usage(ctx, subscriptionID)
	if err == nil && len(usage) > 0 {
		return usage, nil
	}

	usage, err = l.cold.Usage(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(usage) > 0 {
		if err := l.hot.SeedUsage(ctx, subscriptionID, usage); err != nil {
			l.reportError(fmt.Errorf("tiered ledger: read-repair failed: %w", err))
		}
	}
	return usage, nil
}

// rehydrate copies counters present in Cold but missing in Hot. It reports
// whether anything was copied.
func (l *Ledger) rehydrate(ctx context.Context, subscriptionID string) (bool, error) {
	hot, err := l.hot.Usage(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	cold, err := l.cold.Usage(ctx, subscriptionID)
	if err != nil {
		return false, err
	}

	missing := make(map[gosubs.ResourceType]gosubs.UsageCounter)
	for resource, counter := range cold {
		if _, ok := hot[resource]; !ok {
			missing[resource] = counter
		}
	}
	if len(missing) == 0 {
		return false, nil
	}
	if err := l.hot.SeedUsage(ctx, subscriptionID, missing); err != nil {
		return false, err
	}
	return true, nil
}

var _ gosubs.UsageLedger = (*Ledger)(nil)
