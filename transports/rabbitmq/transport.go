// Package rabbitmq provides the AMQP 0-9-1 broker connection pool.
package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/intrbiz/util-sub000/internal/rabbitmq"
	"github.com/intrbiz/util-sub000/messaging"
)

// Pool implements messaging.BrokerConnectionPool for RabbitMQ. Every handle
// is a channel on one shared connection.
type Pool struct {
	manager *rabbitmq.ConnectionManager
	url     string
}

// PoolConfig holds configuration for the pool
type PoolConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
}

// PoolOption configures the pool
type PoolOption func(*PoolConfig)

// WithLogger sets the logger used by the connection manager
func WithLogger(logger *slog.Logger) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithLogger(logger))
	}
}

// WithPrefetch sets the prefetch count of each channel
func WithPrefetch(count int) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithPrefetch(count))
	}
}

// WithConnectTimeout bounds each dial
func WithConnectTimeout(timeout time.Duration) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithConnectTimeout(timeout))
	}
}

// WithFIFOMode enables FIFO mode for strict message ordering.
// FIFO mode only affects queue declaration, not publishing behavior.
func WithFIFOMode(enabled bool) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, rabbitmq.WithFIFOMode(enabled))
	}
}

// WithConnectionOptions passes options straight to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) PoolOption {
	return func(cfg *PoolConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// NewPool creates a pool for the broker at url. The first Connect dials.
func NewPool(url string, options ...PoolOption) *Pool {
	cfg := &PoolConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	return &Pool{
		manager: rabbitmq.NewConnectionManager(url, cfg.ConnectionOptions...),
		url:     url,
	}
}

// Connect opens a channel handle, dialling the broker when no connection is live
func (p *Pool) Connect(ctx context.Context) (messaging.TransportHandle, error) {
	h, err := p.manager.Open(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// IsConnected reports whether the shared connection is live
func (p *Pool) IsConnected() bool {
	return p.manager.IsConnected()
}

// String returns the broker URL with the password masked
func (p *Pool) String() string {
	return "rabbitmq(" + rabbitmq.SanitizeURL(p.url) + ")"
}

// Close closes every handle and the shared connection
func (p *Pool) Close() error {
	return p.manager.Close()
}
