package messaging

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Factory builds roles that share one BrokerConnectionPool and one set of
// lifecycle options. It tracks every role it builds so they can be closed
// together.
type Factory struct {
	pool   BrokerConnectionPool
	opts   []LifecycleOption
	logger *slog.Logger

	mu     sync.Mutex
	roles  []io.Closer
	closed bool
}

// NewFactory creates a factory bound to pool. opts apply to every role.
func NewFactory(pool BrokerConnectionPool, opts ...LifecycleOption) *Factory {
	cfg := newLifecycleConfig(opts)
	return &Factory{
		pool:   pool,
		opts:   opts,
		logger: cfg.logger,
	}
}

// Pool returns the pool roles connect through
func (f *Factory) Pool() BrokerConnectionPool {
	return f.pool
}

// Roles returns the number of open roles built by this factory
func (f *Factory) Roles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roles)
}

// Close closes every role built by this factory. The pool is left open.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	roles := f.roles
	f.roles = nil
	f.mu.Unlock()

	var errs []error
	for _, role := range roles {
		if err := role.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) newLifecycle(name string, setup SetupFunc) (*Lifecycle, error) {
	if f == nil || f.pool == nil {
		return nil, ErrInvalidConfiguration
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return NewLifecycle(name, f.pool, setup, f.opts...), nil
}

// track registers a started role. A role built while the factory was closing
// is closed immediately.
func (f *Factory) track(role io.Closer) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = role.Close()
		return ErrClosed
	}
	f.roles = append(f.roles, role)
	f.mu.Unlock()
	return nil
}

// untrack forgets a role closed by its owner
func (f *Factory) untrack(role io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.roles {
		if r == role {
			f.roles = append(f.roles[:i], f.roles[i+1:]...)
			return
		}
	}
}
