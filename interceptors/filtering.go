package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/intrbiz/util-sub000/messaging"
)

// Filter reports whether a delivery should reach the handler
type Filter[T any] func(headers map[string]any, payload T) bool

// SkipBehavior defines what happens to a filtered delivery
type SkipBehavior int

const (
	// SkipSilently acks the delivery without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithLog acks the delivery and logs it at Debug
	SkipWithLog
	// SkipWithError fails the delivery with ErrFiltered
	SkipWithError
)

// FilteringInterceptor drops deliveries its filter rejects
type FilteringInterceptor[T any] struct {
	filter   Filter[T]
	behavior SkipBehavior
	logger   *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor[T any](filter Filter[T], behavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor[T]{filter: filter, behavior: behavior, logger: logger}
}

func (i *FilteringInterceptor[T]) Intercept(ctx context.Context, headers map[string]any, payload T, next messaging.DeliveryHandler[T]) error {
	if i.filter(headers, payload) {
		return next(ctx, headers, payload)
	}

	switch i.behavior {
	case SkipWithError:
		return ErrFiltered
	case SkipWithLog:
		i.logger.Debug("message filtered", "headers", headers)
	}
	return nil
}

func (i *FilteringInterceptor[T]) Name() string {
	return "FilteringInterceptor"
}

// HeaderEquals matches deliveries carrying every given header with the given
// value. Values are compared by their printed form.
func HeaderEquals[T any](want map[string]string) Filter[T] {
	return func(headers map[string]any, _ T) bool {
		for k, v := range want {
			got, ok := headers[k]
			if !ok || fmt.Sprint(got) != v {
				return false
			}
		}
		return true
	}
}

// HasHeader matches deliveries carrying the header
func HasHeader[T any](name string) Filter[T] {
	return func(headers map[string]any, _ T) bool {
		_, ok := headers[name]
		return ok
	}
}

// All matches when every filter matches
func All[T any](filters ...Filter[T]) Filter[T] {
	return func(headers map[string]any, payload T) bool {
		for _, f := range filters {
			if !f(headers, payload) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one filter matches
func Any[T any](filters ...Filter[T]) Filter[T] {
	return func(headers map[string]any, payload T) bool {
		for _, f := range filters {
			if f(headers, payload) {
				return true
			}
		}
		return false
	}
}

// Not inverts a filter
func Not[T any](filter Filter[T]) Filter[T] {
	return func(headers map[string]any, payload T) bool {
		return !filter(headers, payload)
	}
}
