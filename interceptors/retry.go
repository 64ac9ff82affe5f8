package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/intrbiz/util-sub000/internal/reliability"
	"github.com/intrbiz/util-sub000/messaging"
)

// RetryPolicy decides whether a failed attempt is tried again
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff returns a jittered exponential retry policy
func ExponentialBackoff(initial, max time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2, maxRetries)
}

// FixedDelay returns a policy waiting delay between attempts
func FixedDelay(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// RetryInterceptor re-runs the rest of the chain in process before the
// delivery is settled. Errors marked Permanent, validation errors and context
// errors are returned at once.
type RetryInterceptor[T any] struct {
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryInterceptor creates a retry interceptor
func NewRetryInterceptor[T any](policy RetryPolicy, logger *slog.Logger) *RetryInterceptor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryInterceptor[T]{policy: policy, logger: logger}
}

func (r *RetryInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	return reliability.Retry(ctx, r.policy, func(attempt int) error {
		if attempt > 0 {
			r.logger.Debug("retrying message", "attempt", attempt, "maxRetries", r.policy.MaxRetries())
		}
		return next(ctx, headers, payload)
	})
}

func (r *RetryInterceptor[T]) Name() string {
	return "RetryInterceptor"
}
