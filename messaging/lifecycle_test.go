package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func countingSetup(calls *atomic.Int32) SetupFunc {
	return func(ctx context.Context, handle TransportHandle) error {
		calls.Add(1)
		return nil
	}
}

func TestLifecycleStart(t *testing.T) {
	t.Run("connects and runs setup", func(t *testing.T) {
		handle := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(handle, nil).Once()

		var setups atomic.Int32
		lc := NewLifecycle("test", pool, countingSetup(&setups))
		defer lc.Close()

		assert.Equal(t, Disconnected, lc.State())
		_, err := lc.Ready()
		assert.ErrorIs(t, err, ErrNotConnected)

		lc.Start()

		assert.Equal(t, Connected, lc.State())
		assert.Equal(t, int32(1), setups.Load())
		got, err := lc.Ready()
		require.NoError(t, err)
		assert.Same(t, handle, got)
		pool.AssertExpectations(t)
	})

	t.Run("start is idempotent", func(t *testing.T) {
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(newFakeHandle(), nil).Once()

		var setups atomic.Int32
		lc := NewLifecycle("test", pool, countingSetup(&setups))
		defer lc.Close()

		lc.Start()
		lc.Start()

		assert.Equal(t, int32(1), setups.Load())
		pool.AssertNumberOfCalls(t, "Connect", 1)
	})

	t.Run("connect failure retries in background", func(t *testing.T) {
		handle := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(nil, errBrokerDown).Once()
		pool.On("Connect", mock.Anything).Return(handle, nil).Once()

		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)), fastBackoff)
		defer lc.Close()

		lc.Start()
		assert.NotEqual(t, Connected, lc.State())

		assert.Eventually(t, func() bool {
			return lc.State() == Connected
		}, time.Second, 5*time.Millisecond)
		pool.AssertExpectations(t)
	})

	t.Run("setup failure discards handle and retries", func(t *testing.T) {
		broken := newFakeHandle()
		healthy := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(broken, nil).Once()
		pool.On("Connect", mock.Anything).Return(healthy, nil).Once()

		var calls atomic.Int32
		setup := func(ctx context.Context, handle TransportHandle) error {
			if calls.Add(1) == 1 {
				return errors.New("declare failed")
			}
			return nil
		}

		lc := NewLifecycle("test", pool, setup, fastBackoff)
		defer lc.Close()
		lc.Start()

		assert.True(t, broken.isClosed())
		assert.Eventually(t, func() bool {
			return lc.State() == Connected
		}, time.Second, 5*time.Millisecond)

		got, err := lc.Ready()
		require.NoError(t, err)
		assert.Same(t, healthy, got)
	})
}

func TestLifecycleReconnect(t *testing.T) {
	t.Run("disconnect replaces the handle", func(t *testing.T) {
		first := newFakeHandle()
		second := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(first, nil).Once()
		pool.On("Connect", mock.Anything).Return(second, nil).Once()

		var setups atomic.Int32
		listener := &recordingListener{}
		lc := NewLifecycle("test", pool, countingSetup(&setups), fastBackoff, WithStateListener(listener))
		defer lc.Close()
		lc.Start()

		first.drop(errBrokerDown)

		assert.Eventually(t, func() bool {
			got, err := lc.Ready()
			return err == nil && got == TransportHandle(second)
		}, time.Second, 5*time.Millisecond)
		assert.True(t, first.isClosed())
		assert.Equal(t, int32(2), setups.Load())

		assert.Eventually(t, func() bool {
			connected, disconnected, delays := listener.snapshot()
			return connected == 2 && disconnected == 1 && len(delays) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stale disconnect is ignored", func(t *testing.T) {
		first := newFakeHandle()
		second := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(first, nil).Once()
		pool.On("Connect", mock.Anything).Return(second, nil).Once()

		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)), fastBackoff)
		defer lc.Close()
		lc.Start()

		first.drop(errBrokerDown)
		assert.Eventually(t, func() bool {
			return lc.State() == Connected
		}, time.Second, 5*time.Millisecond)

		// the old handle firing again must not tear down the new one
		first.drop(errBrokerDown)
		time.Sleep(50 * time.Millisecond)

		got, err := lc.Ready()
		require.NoError(t, err)
		assert.Same(t, second, got)
		assert.False(t, second.isClosed())
		pool.AssertNumberOfCalls(t, "Connect", 2)
	})

	t.Run("backoff grows until success then resets", func(t *testing.T) {
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(nil, errBrokerDown).Times(4)
		handle := newFakeHandle()
		pool.On("Connect", mock.Anything).Return(handle, nil).Once()
		pool.On("Connect", mock.Anything).Return(nil, errBrokerDown).Once()
		pool.On("Connect", mock.Anything).Return(newFakeHandle(), nil)

		metrics := newRecordingMetrics()
		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)), fastBackoff, WithMetrics(metrics))
		defer lc.Close()
		lc.Start()

		assert.Eventually(t, func() bool {
			return lc.State() == Connected
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []time.Duration{
			10 * time.Millisecond,
			20 * time.Millisecond,
			30 * time.Millisecond,
			30 * time.Millisecond,
		}, metrics.reconnectDelays())

		handle.drop(errBrokerDown)

		// first retry of the new cycle starts from the minimum again
		assert.Eventually(t, func() bool {
			return len(metrics.reconnectDelays()) >= 6 && lc.State() == Connected
		}, 2*time.Second, 5*time.Millisecond)
		delays := metrics.reconnectDelays()
		assert.Equal(t, 10*time.Millisecond, delays[4])
		assert.Equal(t, 20*time.Millisecond, delays[5])
	})
}

func TestLifecycleClose(t *testing.T) {
	t.Run("releases the handle and is idempotent", func(t *testing.T) {
		handle := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(handle, nil).Once()

		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)))
		lc.Start()

		require.NoError(t, lc.Close())
		require.NoError(t, lc.Close())

		assert.True(t, handle.isClosed())
		assert.Equal(t, Closed, lc.State())
		_, err := lc.Ready()
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("stops reconnecting", func(t *testing.T) {
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(nil, errBrokerDown)

		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)),
			WithBackoff(20*time.Millisecond, 0, 20*time.Millisecond))
		lc.Start()
		require.NoError(t, lc.Close())

		time.Sleep(60 * time.Millisecond)
		pool.AssertNumberOfCalls(t, "Connect", 1)
	})

	t.Run("start after close does nothing", func(t *testing.T) {
		pool := &mockPool{}
		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)))

		require.NoError(t, lc.Close())
		lc.Start()

		pool.AssertNotCalled(t, "Connect", mock.Anything)
		assert.Equal(t, Closed, lc.State())
	})
}

func TestLifecycleExclusive(t *testing.T) {
	t.Run("passes the live handle", func(t *testing.T) {
		handle := newFakeHandle()
		pool := &mockPool{}
		pool.On("Connect", mock.Anything).Return(handle, nil).Once()

		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)))
		defer lc.Close()
		lc.Start()

		var got TransportHandle
		require.NoError(t, lc.Exclusive(func(h TransportHandle) error {
			got = h
			return nil
		}))
		assert.Same(t, handle, got)
	})

	t.Run("passes nil when not connected", func(t *testing.T) {
		pool := &mockPool{}
		lc := NewLifecycle("test", pool, countingSetup(new(atomic.Int32)))
		defer lc.Close()

		called := false
		require.NoError(t, lc.Exclusive(func(h TransportHandle) error {
			called = true
			assert.Nil(t, h)
			return nil
		}))
		assert.True(t, called)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}
