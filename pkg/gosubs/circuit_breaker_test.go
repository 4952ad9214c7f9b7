package gosubs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 30 * time.Second
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var states []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		states = append(states, state)
	})
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }
	ok := func(context.Context) error { return nil }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit fails fast without calling fn
	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, called)

	now = now.Add(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful probe closes the circuit
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	// Open again, then fail the probe
	for i := 0; i < threshold; i++ {
		_ = cb.Execute(ctx, fail)
	}
	now = now.Add(timeout)
	err = cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())

	assert.Equal(t, []CircuitBreakerState{
		StateOpen, StateHalfOpen, StateClosed, StateOpen, StateHalfOpen, StateOpen,
	}, states)
}

func TestDefaultCircuitBreaker_SingleProbe(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewDefaultCircuitBreaker(1, time.Second, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())
	now = now.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller is rejected while the probe is in flight
	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}
