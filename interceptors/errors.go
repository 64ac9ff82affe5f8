package interceptors

import (
	"errors"
	"fmt"

	"github.com/intrbiz/util-sub000/internal/reliability"
)

var (
	// ErrFiltered is returned for filtered deliveries under SkipWithError
	ErrFiltered = errors.New("interceptors: message filtered")
)

// ValidationError wraps a validation failure. It is never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) IsRetryable() bool {
	return false
}

// Permanent marks err so the retry interceptor gives up on it at once
func Permanent(err error) error {
	return reliability.Permanent(err)
}
