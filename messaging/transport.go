package messaging

import (
	"context"
	"time"
)

// BrokerConnectionPool produces live transport handles for one logical broker.
// A pool is shared by every role built from the same Factory.
type BrokerConnectionPool interface {
	// Connect returns a new handle. The handle is ready for use on return.
	Connect(ctx context.Context) (TransportHandle, error)

	// Close releases the pool and every physical connection it owns
	Close() error
}

// TransportHandle is the per-role view of a broker connection. All methods may
// block on a broker round trip.
type TransportHandle interface {
	// DeclareExchange creates the exchange if it does not exist
	DeclareExchange(ctx context.Context, exchange Exchange) error

	// DeclareQueue creates the queue if it does not exist and returns its
	// actual name, which the broker may generate for unnamed transient queues
	DeclareQueue(ctx context.Context, queue Queue) (string, error)

	// BindQueue routes messages published to exchange with a matching key to queue
	BindQueue(ctx context.Context, queue, exchange string, key RoutingKey) error

	// UnbindQueue removes a binding created by BindQueue
	UnbindQueue(ctx context.Context, queue, exchange string, key RoutingKey) error

	// Publish sends msg to exchange. An empty exchange delivers straight to the
	// queue named by key.
	Publish(ctx context.Context, exchange string, key RoutingKey, msg Publishing) error

	// Consume starts delivering messages from queue to fn. Calls to fn are
	// serialized per consumer and happen on a transport goroutine. ctx bounds
	// the registration only; delivery continues until the handle is closed.
	Consume(ctx context.Context, queue string, fn func(Delivery)) error

	// NotifyClose registers fn to be called at most once when the handle is
	// lost without Close being called
	NotifyClose(fn func(error))

	// Close releases the handle. Transient queues declared through it are deleted.
	Close() error
}

// Publishing is an outbound message with the properties every binding carries
type Publishing struct {
	ContentType   string
	Body          []byte
	Headers       map[string]any
	CorrelationID string
	ReplyTo       string
	MessageID     string
	TTL           time.Duration
	Timestamp     time.Time
}

// Delivery is an inbound message. Exactly one of Ack or Nack should be called.
type Delivery interface {
	Headers() map[string]any
	ContentType() string
	Body() []byte
	CorrelationID() string
	ReplyTo() string
	RoutingKey() string
	Redelivered() bool

	// Ack marks the message as processed
	Ack() error

	// Nack rejects the message, optionally returning it to the queue
	Nack(requeue bool) error
}
