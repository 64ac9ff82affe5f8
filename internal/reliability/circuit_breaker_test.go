package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = errors.New("failed")

func fail() error    { return errFailed }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs calls", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		executed := false
		require.NoError(t, cb.Execute(ctx, func() error {
			executed = true
			return nil
		}))
		assert.True(t, executed)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("orders"))
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errFailed)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "orders", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("a success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, fail)
		require.NoError(t, cb.Execute(ctx, succeed))
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("probes after the open timeout and closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(20*time.Millisecond))
		_ = cb.Execute(ctx, fail)
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("a failed probe reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(20*time.Millisecond))
		_ = cb.Execute(ctx, fail)

		time.Sleep(30 * time.Millisecond)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errFailed)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("limits concurrent probes", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithOpenTimeout(10*time.Millisecond))
		_ = cb.Execute(ctx, fail)
		time.Sleep(20 * time.Millisecond)

		release := make(chan struct{})
		started := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
		close(release)
		wg.Wait()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reports transitions", func(t *testing.T) {
		changes := make(chan State, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChange(func(name string, from, to State) { changes <- to }))

		_ = cb.Execute(ctx, fail)
		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("no transition reported")
		}

		cb.Reset()
		select {
		case to := <-changes:
			assert.Equal(t, StateClosed, to)
		case <-time.After(time.Second):
			t.Fatal("no transition reported")
		}
	})

	t.Run("counts requests and rejections", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)

		m := cb.Metrics()
		assert.Equal(t, int64(2), m.TotalRequests)
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalRejected)
		assert.Equal(t, StateOpen, m.State)
	})

	t.Run("cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, cb.Execute(cctx, succeed), context.Canceled)
	})
}
