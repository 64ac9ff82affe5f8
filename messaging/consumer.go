package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/intrbiz/util-sub000/serialization"
)

// DeliveryHandler processes one decoded message. A returned error is logged
// and, with WithRequeueOnError, returns the message to the queue.
type DeliveryHandler[T any] func(ctx context.Context, headers map[string]any, payload T) error

type consumerConfig struct {
	queue          *Queue
	bindings       []RoutingKey
	requeueOnError bool
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerConfig)

// WithQueue consumes from queue instead of a generated transient queue
func WithQueue(queue Queue) ConsumerOption {
	return func(c *consumerConfig) {
		c.queue = &queue
	}
}

// WithBindings binds the queue to the exchange with each key
func WithBindings(keys ...RoutingKey) ConsumerOption {
	return func(c *consumerConfig) {
		c.bindings = append(c.bindings, keys...)
	}
}

// WithRequeueOnError nacks with requeue instead of acking when the handler fails
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *consumerConfig) {
		c.requeueOnError = requeue
	}
}

// Consumer receives payloads of type T from a queue bound to one exchange.
//
// The binding set survives reconnects: every setup redeclares the queue and
// replays each binding before consuming.
type Consumer[T any] struct {
	factory        *Factory
	lc             *Lifecycle
	exchange       Exchange
	queue          Queue
	codec          serialization.Transcoder[T]
	handler        DeliveryHandler[T]
	requeueOnError bool
	logger         *slog.Logger
	metrics        MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queueName string
	bindings  map[RoutingKey]struct{}
}

// NewConsumer creates and starts a consumer
func NewConsumer[T any](f *Factory, exchange Exchange, handler DeliveryHandler[T], codec serialization.Transcoder[T], opts ...ConsumerOption) (*Consumer[T], error) {
	if handler == nil || codec == nil {
		return nil, ErrInvalidConfiguration
	}

	var cfg consumerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	queue := TransientQueue(generateQueueName("consumer"))
	if cfg.queue != nil {
		queue = *cfg.queue
	}
	if queue.Persistent && queue.Name == "" {
		return nil, fmt.Errorf("%w: persistent queue needs a name", ErrInvalidConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer[T]{
		factory:        f,
		exchange:       exchange,
		queue:          queue,
		codec:          codec,
		handler:        handler,
		requeueOnError: cfg.requeueOnError,
		ctx:            ctx,
		cancel:         cancel,
		queueName:      queue.Name,
		bindings:       make(map[RoutingKey]struct{}),
	}
	for _, key := range cfg.bindings {
		c.bindings[key] = struct{}{}
	}

	lc, err := f.newLifecycle("consumer:"+queue.Name, c.setup)
	if err != nil {
		cancel()
		return nil, err
	}
	c.lc = lc
	c.logger = lc.logger.With("exchange", exchange.Name)
	c.metrics = lc.cfg.metrics

	if err := f.track(c); err != nil {
		cancel()
		return nil, err
	}
	lc.Start()
	return c, nil
}

func (c *Consumer[T]) setup(ctx context.Context, handle TransportHandle) error {
	if c.exchange.Name != "" {
		if err := handle.DeclareExchange(ctx, c.exchange); err != nil {
			return err
		}
	}

	name, err := handle.DeclareQueue(ctx, c.queue)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.queueName = name
	keys := c.bindingsLocked()
	c.mu.Unlock()

	if c.exchange.Name != "" {
		for _, key := range keys {
			if err := handle.BindQueue(ctx, name, c.exchange.Name, key); err != nil {
				return err
			}
		}
	}

	if err := handle.Consume(ctx, name, c.deliver); err != nil {
		return err
	}

	c.logger.Debug("consuming", "queue", name, "bindings", len(keys))
	return nil
}

// AddBinding binds the queue with key. While disconnected the binding is
// recorded and applied on the next setup.
func (c *Consumer[T]) AddBinding(ctx context.Context, key RoutingKey) error {
	return c.lc.Exclusive(func(handle TransportHandle) error {
		c.mu.Lock()
		if _, ok := c.bindings[key]; ok {
			c.mu.Unlock()
			return nil
		}
		c.bindings[key] = struct{}{}
		name := c.queueName
		c.mu.Unlock()

		if handle == nil || c.exchange.Name == "" {
			c.logger.Debug("binding recorded", "routingKey", key)
			return nil
		}
		return handle.BindQueue(ctx, name, c.exchange.Name, key)
	})
}

// RemoveBinding unbinds key from the queue
func (c *Consumer[T]) RemoveBinding(ctx context.Context, key RoutingKey) error {
	return c.lc.Exclusive(func(handle TransportHandle) error {
		c.mu.Lock()
		if _, ok := c.bindings[key]; !ok {
			c.mu.Unlock()
			return nil
		}
		delete(c.bindings, key)
		name := c.queueName
		c.mu.Unlock()

		if handle == nil || c.exchange.Name == "" {
			return nil
		}
		return handle.UnbindQueue(ctx, name, c.exchange.Name, key)
	})
}

// Bindings returns the current binding set in sorted order
func (c *Consumer[T]) Bindings() []RoutingKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindingsLocked()
}

func (c *Consumer[T]) bindingsLocked() []RoutingKey {
	keys := make([]RoutingKey, 0, len(c.bindings))
	for key := range c.bindings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Queue returns the name of the queue as declared on the broker
func (c *Consumer[T]) Queue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueName
}

// Lifecycle exposes the connection state of the consumer
func (c *Consumer[T]) Lifecycle() *Lifecycle {
	return c.lc
}

// Close stops consuming. It is idempotent.
func (c *Consumer[T]) Close() error {
	c.cancel()
	c.factory.untrack(c)
	return c.lc.Close()
}

// deliver settles every delivery exactly once
func (c *Consumer[T]) deliver(d Delivery) {
	start := time.Now()
	err := c.process(d)

	outcome := OutcomeAck
	if err != nil {
		c.logger.Warn("message processing failed",
			"queue", c.Queue(),
			"routingKey", d.RoutingKey(),
			"requeue", c.requeueOnError,
			"error", err)
		if c.requeueOnError {
			outcome = OutcomeRequeue
		}
	}

	var settleErr error
	if outcome == OutcomeRequeue {
		settleErr = d.Nack(true)
	} else {
		settleErr = d.Ack()
	}
	if settleErr != nil {
		c.logger.Warn("failed to settle message", "outcome", outcome, "error", settleErr)
	}

	c.metrics.RecordDelivery(c.Queue(), outcome, time.Since(start))
}

// process recovers panics from the decoder as well as the handler
func (c *Consumer[T]) process(d Delivery) (err error) {
	stage := "decode"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", stage, r)
		}
	}()

	payload, err := c.codec.Decode(d.ContentType(), d.Body())
	if err != nil {
		return err
	}

	stage = "handler"
	return c.handler(c.ctx, d.Headers(), payload)
}
