package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/intrbiz/util-sub000/messaging"
)

// Interceptor wraps delivery handling for payloads of type T
type Interceptor[T any] interface {
	// Intercept handles one delivery and calls next to continue the chain
	Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc[T any] struct {
	name string
	fn   func(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error
}

// NewInterceptorFunc creates a function based interceptor
func NewInterceptorFunc[T any](name string, fn func(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error) *InterceptorFunc[T] {
	return &InterceptorFunc[T]{name: name, fn: fn}
}

func (i *InterceptorFunc[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	return i.fn(ctx, headers, payload, next)
}

func (i *InterceptorFunc[T]) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first one added runs
// outermost.
type Chain[T any] struct {
	interceptors []Interceptor[T]
}

// NewChain creates a chain of the given interceptors
func NewChain[T any](interceptors ...Interceptor[T]) *Chain[T] {
	return &Chain[T]{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain[T]) Add(interceptor Interceptor[T]) *Chain[T] {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns a handler that runs the chain around final. The chain is
// captured as it is now; later Adds do not affect the returned handler.
func (c *Chain[T]) Then(final messaging.DeliveryHandler[T]) messaging.DeliveryHandler[T] {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, headers map[string]any, payload T) error {
			return interceptor.Intercept(ctx, headers, payload, next)
		}
	}
	return handler
}

// LoggingInterceptor logs every delivery with its outcome and duration
type LoggingInterceptor[T any] struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingInterceptor logs successes at level and failures at Warn
func NewLoggingInterceptor[T any](logger *slog.Logger, level slog.Level) *LoggingInterceptor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor[T]{logger: logger, level: level}
}

func (i *LoggingInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	start := time.Now()
	err := next(ctx, headers, payload)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("message handling failed",
			"headers", len(headers),
			"duration", duration,
			"error", err)
		return err
	}
	i.logger.Log(ctx, i.level, "message handled",
		"headers", len(headers),
		"duration", duration)
	return nil
}

func (i *LoggingInterceptor[T]) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the handler with a deadline. The handler must
// honour its context; it is not abandoned.
type TimeoutInterceptor[T any] struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor[T any](timeout time.Duration) *TimeoutInterceptor[T] {
	return &TimeoutInterceptor[T]{timeout: timeout}
}

func (i *TimeoutInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(ctx, headers, payload)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("message handling exceeded %v: %w", i.timeout, err)
	}
	return err
}

func (i *TimeoutInterceptor[T]) Name() string {
	return "TimeoutInterceptor"
}

// ValidationInterceptor rejects payloads before they reach the handler
type ValidationInterceptor[T any] struct {
	validate func(headers map[string]any, payload T) error
}

// NewValidationInterceptor creates a validation interceptor
func NewValidationInterceptor[T any](validate func(headers map[string]any, payload T) error) *ValidationInterceptor[T] {
	return &ValidationInterceptor[T]{validate: validate}
}

func (i *ValidationInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	if err := i.validate(headers, payload); err != nil {
		return &ValidationError{Err: err}
	}
	return next(ctx, headers, payload)
}

func (i *ValidationInterceptor[T]) Name() string {
	return "ValidationInterceptor"
}

// CircuitBreaker is the part of a circuit breaker the chain needs
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor runs the rest of the chain through a breaker
type CircuitBreakerInterceptor[T any] struct {
	breaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor[T any](breaker CircuitBreaker) *CircuitBreakerInterceptor[T] {
	return &CircuitBreakerInterceptor[T]{breaker: breaker}
}

func (i *CircuitBreakerInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	return i.breaker.Execute(ctx, func() error {
		return next(ctx, headers, payload)
	})
}

func (i *CircuitBreakerInterceptor[T]) Name() string {
	return "CircuitBreakerInterceptor"
}
