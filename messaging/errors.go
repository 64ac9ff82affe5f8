package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Misuse errors
	ErrNotConnected         = errors.New("messaging: not connected")
	ErrNoRoutingKey         = errors.New("messaging: no routing key given and no default configured")
	ErrCancelNotSupported   = errors.New("messaging: rpc requests cannot be cancelled")
	ErrClosed               = errors.New("messaging: role is closed")
	ErrInvalidConfiguration = errors.New("messaging: invalid configuration")

	// RPC errors
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrNoReply is returned by an RPCHandler that has nothing to send back
	ErrNoReply = errors.New("messaging: no reply")
)

// TimeoutError is returned when an RPC request receives no reply in time
type TimeoutError struct {
	CorrelationID string        // Correlation id of the abandoned request
	Timeout       time.Duration // Timeout that elapsed
	Timestamp     time.Time     // When the timeout fired
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: request %s timed out after %s", e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// PublishError represents a transport failure while publishing
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: failed to publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// EncodeError represents a transcoder failure on the outbound path
type EncodeError struct {
	ContentType string // Transcoder content type
	Err         error  // Underlying error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("messaging: failed to encode %s payload: %v", e.ContentType, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// LifecycleError records why a connect attempt was abandoned
type LifecycleError struct {
	Role      string    // Role name
	Op        string    // connect or setup
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("messaging: %s %s failed: %v", e.Role, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient. Not connected, timeouts and
// transport failures are; misuse is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNoRoutingKey),
		errors.Is(err, ErrCancelNotSupported),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrRequestTimeout):
		return true
	}

	var encErr *EncodeError
	if errors.As(err, &encErr) {
		return false
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return true
	}

	var lcErr *LifecycleError
	return errors.As(err, &lcErr)
}
