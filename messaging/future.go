package messaging

import (
	"context"
	"sync"
)

// Future is the pending result of an RPC request. It completes exactly once,
// with the decoded reply or with an error such as a *TimeoutError.
type Future[T any] struct {
	id    string
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any](id string) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

// complete settles the future and reports whether this call did so
func (f *Future[T]) complete(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// ID returns the correlation id of the request
func (f *Future[T]) ID() string {
	return f.id
}

// Done is closed when the future completes
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result. ctx bounds the wait only; the request itself
// stays pending until its own timeout.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel always fails: in-flight requests can only be bounded by timeout
func (f *Future[T]) Cancel() error {
	return ErrCancelNotSupported
}
