package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClock(cb *CircuitBreaker) *time.Time {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }
	return &current
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("embeddings", Config{FailureThreshold: 2, Cooldown: time.Minute})
	now := withClock(cb)
	boom := errors.New("boom")
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	require.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(20 * time.Second)
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 40*time.Second, open.RetryIn)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("milvus", Config{FailureThreshold: 2})
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func() error { return boom })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return boom })
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("milvus", Config{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	now := withClock(cb)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("milvus", Config{FailureThreshold: 3, Cooldown: time.Second})
	now := withClock(cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("down") })
	}
	*now = now.Add(time.Second)

	_ = cb.Execute(ctx, func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	cb := NewCircuitBreaker("embeddings", Config{FailureThreshold: 1, Cooldown: time.Second})
	now := withClock(cb)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("down") })
	*now = now.Add(time.Second)

	err := cb.Execute(ctx, func() error {
		return cb.Execute(ctx, func() error { return nil })
	})
	assert.ErrorIs(t, err, ErrCircuitOpen, "a second probe is rejected while the first is in flight")
}

func TestBreakerIgnoresCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("milvus", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = cb.Execute(ctx, func() error { return ctx.Err() })
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	cb := NewCircuitBreaker("milvus", Config{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecuteWithResult(t *testing.T) {
	cb := NewCircuitBreaker("embeddings", Config{})

	got, err := ExecuteWithResult(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
