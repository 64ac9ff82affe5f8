package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryableErr struct {
	retryable bool
}

func (e retryableErr) Error() string     { return "custom" }
func (e retryableErr) IsRetryable() bool { return e.retryable }

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps without jitter", func(t *testing.T) {
		p := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2, 5)
		p.Jitter = 0

		assert.Equal(t, 10*time.Millisecond, p.NextDelay(0))
		assert.Equal(t, 20*time.Millisecond, p.NextDelay(1))
		assert.Equal(t, 40*time.Millisecond, p.NextDelay(2))
		assert.Equal(t, 50*time.Millisecond, p.NextDelay(3))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for i := 0; i < 50; i++ {
			d := p.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Second, 2, 2)
		ok, _ := p.ShouldRetry(1, errors.New("x"))
		assert.True(t, ok)
		ok, _ = p.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
		assert.Equal(t, 2, p.MaxRetries())
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"permanent", Permanent(errors.New("bad input")), false},
		{"wrapped permanent", errors.Join(errors.New("ctx"), Permanent(errors.New("bad"))), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"open circuit", &CircuitBreakerError{State: StateOpen}, false},
		{"self declared retryable", retryableErr{retryable: true}, true},
		{"self declared permanent", retryableErr{retryable: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(attempt int) error {
			assert.Equal(t, calls, attempt)
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("wraps the last error when exhausted", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func(int) error {
			calls++
			return boom
		})
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, boom)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
	})

	t.Run("permanent errors return immediately", func(t *testing.T) {
		bad := errors.New("bad")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(int) error {
			calls++
			return Permanent(bad)
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, bad)
		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func(int) error {
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}
