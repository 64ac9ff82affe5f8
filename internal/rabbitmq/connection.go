package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConnectTimeout bounds a single dial
const DefaultConnectTimeout = 30 * time.Second

// DefaultHeartbeat is negotiated with the broker on every dial
const DefaultHeartbeat = 10 * time.Second

// Channel is the part of *amqp.Channel a Handle drives
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the part of *amqp.Connection the manager drives
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a physical connection
type Dialer func(url string, timeout time.Duration) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials a broker with the amqp091 client
func DialAMQP(url string, timeout time.Duration) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: DefaultHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionManager shares one AMQP connection between handles and redials
// it on demand once it has been lost
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	prefetch       int
	fifo           bool
	logger         *slog.Logger

	mu      sync.Mutex
	conn    Connection
	closed  bool
	handles map[*Handle]struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// WithConnectTimeout bounds each dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if timeout > 0 {
			cm.connectTimeout = timeout
		}
	}
}

// WithPrefetch sets the per-channel prefetch count. Zero leaves the broker default.
func WithPrefetch(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if count >= 0 {
			cm.prefetch = count
		}
	}
}

// WithFIFOMode declares persistent queues with a single active consumer
func WithFIFOMode(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.fifo = enabled
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// made until the first Open.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		connectTimeout: DefaultConnectTimeout,
		prefetch:       10,
		logger:         slog.Default(),
		handles:        make(map[*Handle]struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Open returns a handle on a fresh channel, dialling first if needed
func (cm *ConnectionManager) Open(ctx context.Context) (*Handle, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrManagerClosed
	}

	conn, err := cm.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if conn.IsClosed() {
			cm.conn = nil
		}
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	if cm.prefetch > 0 {
		if err := ch.Qos(cm.prefetch, 0, false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	h := newHandle(ch, cm.fifo, cm.logger, cm.release)
	cm.handles[h] = struct{}{}
	return h, nil
}

// IsConnected reports whether a live connection is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes every open handle and the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn := cm.conn
	cm.conn = nil
	handles := make([]*Handle, 0, len(cm.handles))
	for h := range cm.handles {
		handles = append(handles, h)
	}
	cm.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) release(h *Handle) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.handles, h)
}

func (cm *ConnectionManager) connectionLocked(ctx context.Context) (Connection, error) {
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}
	cm.conn = nil

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, cm.connectTimeout)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		cm.conn = r.conn
		closes := r.conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(r.conn, closes)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return r.conn, nil

	case <-connCtx.Done():
		// a dial finishing after the deadline is closed unused
		go func() {
			if r := <-done; r.err == nil {
				r.conn.Close()
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) watch(conn Connection, closes <-chan *amqp.Error) {
	err, ok := <-closes

	cm.mu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	closed := cm.closed
	cm.mu.Unlock()

	if ok && err != nil && !closed {
		cm.logger.Warn("connection to RabbitMQ lost",
			"url", SanitizeURL(cm.url),
			"error", err)
	}
}
