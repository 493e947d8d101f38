package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGateCapsConcurrency(t *testing.T) {
	g := New(Config{MaxConcurrent: 3, Spacing: time.Millisecond})
	defer g.Close()

	var running, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(3), peak.Load(), "expected the gate to saturate")
}

func TestGateSpacesDispatches(t *testing.T) {
	spacing := 25 * time.Millisecond

	var mu sync.Mutex
	var dispatched []time.Time

	g := New(Config{
		MaxConcurrent: 3,
		Spacing:       spacing,
		OnDispatch: func(at time.Time) {
			mu.Lock()
			dispatched = append(dispatched, at)
			mu.Unlock()
		},
	})
	defer g.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 6)
	for i := 1; i < len(dispatched); i++ {
		assert.GreaterOrEqual(t, dispatched[i].Sub(dispatched[i-1]), spacing)
	}
}

func TestGateDispatchesInFIFOOrder(t *testing.T) {
	g := New(Config{MaxConcurrent: 1})
	defer g.Close()

	release := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		_ = g.Do(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return g.Active() == 1 }, time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = g.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return g.Queued() == want }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, g.IsBusy())
	assert.Greater(t, g.EstimatedWaitTime(), time.Duration(0))

	close(release)
	<-blockerDone
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, g.IsBusy())
}

func TestGatePropagatesTaskErrorsAndPanics(t *testing.T) {
	g := New(Config{MaxConcurrent: 2})
	defer g.Close()

	boom := errors.New("upstream failed")
	err := g.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = g.Do(context.Background(), func(context.Context) error { panic("bad task") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	got, err := Run(context.Background(), g, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestGateSkipsCancelledEntries(t *testing.T) {
	g := New(Config{MaxConcurrent: 1})
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := g.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestGateRejectsAfterClose(t *testing.T) {
	g := New(Config{MaxConcurrent: 1})
	g.Close()
	g.Close()

	err := g.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
