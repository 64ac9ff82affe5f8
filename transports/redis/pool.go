// Package redis implements a queue-server style transport on Redis lists.
//
// Exchanges live in a hash, bindings in one set per exchange and queues in
// lists. Consumers move messages into a per-consumer processing list with
// BLMOVE and remove them on ack, so unacknowledged messages survive a
// consumer crash and are returned when the handle closes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/intrbiz/util-sub000/messaging"
)

var (
	ErrPoolClosed       = errors.New("redis: pool is closed")
	ErrHandleClosed     = errors.New("redis: handle is closed")
	ErrUnknownExchange  = errors.New("redis: exchange not declared")
	ErrUnknownQueue     = errors.New("redis: queue not declared")
	ErrExchangeMismatch = errors.New("redis: exchange redeclared with a different kind")
	ErrAlreadySettled   = errors.New("redis: delivery already settled")
)

const (
	DefaultPrefix       = "mq"
	DefaultPingInterval = time.Second
	DefaultBlockTimeout = time.Second
)

// Pool hands out handles that share one Redis client
type Pool struct {
	client       goredis.UniversalClient
	ownsClient   bool
	prefix       string
	pingInterval time.Duration
	blockTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPrefix namespaces every key
func WithPrefix(prefix string) Option {
	return func(p *Pool) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithPingInterval sets how often a handle checks the server is alive
func WithPingInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.pingInterval = interval
		}
	}
}

// WithBlockTimeout bounds each blocking pop of a consumer
func WithBlockTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.blockTimeout = timeout
		}
	}
}

// NewPool creates a pool on an existing client. The caller keeps ownership
// of the client.
func NewPool(client goredis.UniversalClient, opts ...Option) *Pool {
	p := &Pool{
		client:       client,
		prefix:       DefaultPrefix,
		pingInterval: DefaultPingInterval,
		blockTimeout: DefaultBlockTimeout,
		logger:       slog.Default(),
		handles:      make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "redis-pool")
	return p
}

// Dial parses a redis:// URL and creates a pool that owns its client
func Dial(url string, opts ...Option) (*Pool, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", messaging.ErrInvalidConfiguration, err)
	}
	p := NewPool(goredis.NewClient(options), opts...)
	p.ownsClient = true
	return p, nil
}

// Connect checks the server answers and opens a handle
func (p *Pool) Connect(ctx context.Context) (messaging.TransportHandle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if err := p.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	h := newHandle(p)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return nil, ErrPoolClosed
	}
	p.handles[h] = struct{}{}
	p.mu.Unlock()

	go h.monitor()
	return h, nil
}

// Close closes every open handle and, for pools created by Dial, the client
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = nil
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if p.ownsClient {
		return p.client.Close()
	}
	return nil
}

func (p *Pool) forget(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, h)
}

func (p *Pool) exchangesKey() string {
	return p.prefix + ":exchanges"
}

func (p *Pool) queuesKey() string {
	return p.prefix + ":queues"
}

func (p *Pool) bindingsKey(exchange string) string {
	return p.prefix + ":bindings:" + exchange
}

func (p *Pool) queueKey(queue string) string {
	return p.prefix + ":queue:" + queue
}

func (p *Pool) processingKey(queue, tag string) string {
	return p.prefix + ":processing:" + queue + ":" + tag
}
