package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intrbiz/util-sub000/serialization"
)

type producerConfig struct {
	defaultKey *RoutingKey
	defaultTTL time.Duration
}

// ProducerOption configures a Producer
type ProducerOption func(*producerConfig)

// WithDefaultRoutingKey sets the key used when Publish is given none
func WithDefaultRoutingKey(key RoutingKey) ProducerOption {
	return func(c *producerConfig) {
		c.defaultKey = &key
	}
}

// WithDefaultTTL sets the expiry applied when Publish is given none
func WithDefaultTTL(ttl time.Duration) ProducerOption {
	return func(c *producerConfig) {
		c.defaultTTL = ttl
	}
}

type publishConfig struct {
	key       *RoutingKey
	ttl       *time.Duration
	headers   map[string]any
	messageID string
}

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

// WithRoutingKey sets the routing key
func WithRoutingKey(key RoutingKey) PublishOption {
	return func(c *publishConfig) {
		c.key = &key
	}
}

// WithTTL asks the broker to discard the message if it is not delivered
// within ttl. Zero means no expiry.
func WithTTL(ttl time.Duration) PublishOption {
	return func(c *publishConfig) {
		c.ttl = &ttl
	}
}

// WithHeader adds a message header
func WithHeader(key string, value any) PublishOption {
	return func(c *publishConfig) {
		if c.headers == nil {
			c.headers = make(map[string]any)
		}
		c.headers[key] = value
	}
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) PublishOption {
	return func(c *publishConfig) {
		c.messageID = id
	}
}

// Producer publishes payloads of type T to one exchange
type Producer[T any] struct {
	factory  *Factory
	lc       *Lifecycle
	exchange Exchange
	codec    serialization.Transcoder[T]
	config   producerConfig
	logger   *slog.Logger
	metrics  MetricsCollector
}

// NewProducer creates and starts a producer on exchange. An exchange with an
// empty name publishes straight to the queue named by the routing key.
func NewProducer[T any](f *Factory, exchange Exchange, codec serialization.Transcoder[T], opts ...ProducerOption) (*Producer[T], error) {
	if codec == nil {
		return nil, ErrInvalidConfiguration
	}

	p := &Producer[T]{
		factory:  f,
		exchange: exchange,
		codec:    codec,
	}
	for _, opt := range opts {
		opt(&p.config)
	}

	lc, err := f.newLifecycle("producer:"+exchange.Name, p.setup)
	if err != nil {
		return nil, err
	}
	p.lc = lc
	p.logger = lc.logger.With("exchange", exchange.Name)
	p.metrics = lc.cfg.metrics

	if err := f.track(p); err != nil {
		return nil, err
	}
	lc.Start()
	return p, nil
}

func (p *Producer[T]) setup(ctx context.Context, handle TransportHandle) error {
	if p.exchange.Name == "" {
		return nil
	}
	return handle.DeclareExchange(ctx, p.exchange)
}

// Publish encodes payload and sends it to the exchange. It does not wait for
// a broker confirm and fails fast with ErrNotConnected while reconnecting.
func (p *Producer[T]) Publish(ctx context.Context, payload T, opts ...PublishOption) error {
	var cfg publishConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key, ok := p.resolveKey(cfg.key)
	if !ok {
		return ErrNoRoutingKey
	}

	handle, err := p.lc.Ready()
	if err != nil {
		return err
	}

	body, err := p.codec.Encode(payload)
	if err != nil {
		return &EncodeError{ContentType: p.codec.ContentType(), Err: err}
	}

	ttl := p.config.defaultTTL
	if cfg.ttl != nil {
		ttl = *cfg.ttl
	}
	messageID := cfg.messageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	msg := Publishing{
		ContentType: p.codec.ContentType(),
		Body:        body,
		Headers:     cfg.headers,
		MessageID:   messageID,
		TTL:         ttl,
		Timestamp:   time.Now(),
	}

	if err := handle.Publish(ctx, p.exchange.Name, key, msg); err != nil {
		p.metrics.RecordPublish(p.exchange.Name, false)
		return &PublishError{
			Exchange:   p.exchange.Name,
			RoutingKey: key.String(),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.metrics.RecordPublish(p.exchange.Name, true)
	p.logger.Debug("published message", "routingKey", key, "messageId", messageID)
	return nil
}

func (p *Producer[T]) resolveKey(key *RoutingKey) (RoutingKey, bool) {
	if key != nil {
		return *key, true
	}
	if p.config.defaultKey != nil {
		return *p.config.defaultKey, true
	}
	return "", false
}

// Exchange returns the exchange this producer publishes to
func (p *Producer[T]) Exchange() Exchange {
	return p.exchange
}

// Lifecycle exposes the connection state of the producer
func (p *Producer[T]) Lifecycle() *Lifecycle {
	return p.lc
}

// Close stops the producer. It is idempotent.
func (p *Producer[T]) Close() error {
	p.factory.untrack(p)
	return p.lc.Close()
}
