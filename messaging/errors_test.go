package messaging

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{CorrelationID: "ABC", Timeout: 200 * time.Millisecond, Timestamp: time.Now()}

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "ABC")
	assert.Contains(t, err.Error(), "200ms")

	var target *TimeoutError
	assert.True(t, errors.As(fmt.Errorf("call: %w", err), &target))
	assert.Equal(t, "ABC", target.CorrelationID)
}

func TestIsRetryable(t *testing.T) {
	cause := errors.New("socket closed")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", ErrNotConnected, true},
		{"wrapped not connected", fmt.Errorf("publish: %w", ErrNotConnected), true},
		{"timeout", &TimeoutError{CorrelationID: "x"}, true},
		{"publish failure", &PublishError{Exchange: "ex", Err: cause}, true},
		{"lifecycle failure", &LifecycleError{Role: "producer", Op: "connect", Err: cause}, true},
		{"no routing key", ErrNoRoutingKey, false},
		{"cancel", ErrCancelNotSupported, false},
		{"closed", ErrClosed, false},
		{"encode", &EncodeError{ContentType: "application/json", Err: cause}, false},
		{"unknown", cause, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")

	assert.ErrorIs(t, &PublishError{Err: cause}, cause)
	assert.ErrorIs(t, &EncodeError{Err: cause}, cause)
	assert.ErrorIs(t, &LifecycleError{Err: cause}, cause)
}
