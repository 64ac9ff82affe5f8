package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intrbiz/util-sub000/serialization"
)

// DefaultRequestTimeout applies when neither the client nor the call sets one
const DefaultRequestTimeout = 10 * time.Second

type clientConfig struct {
	defaultKey *RoutingKey
	timeout    time.Duration
	replyQueue *Queue
}

// ClientOption configures an RPCClient
type ClientOption func(*clientConfig)

// WithClientRoutingKey sets the key requests are published with by default
func WithClientRoutingKey(key RoutingKey) ClientOption {
	return func(c *clientConfig) {
		c.defaultKey = &key
	}
}

// WithDefaultTimeout sets the request timeout used when a call sets none
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithReplyQueue replaces the generated rpc-client-<uuid> reply queue
func WithReplyQueue(queue Queue) ClientOption {
	return func(c *clientConfig) {
		c.replyQueue = &queue
	}
}

type callConfig struct {
	key     *RoutingKey
	timeout time.Duration
	headers map[string]any
}

// CallOption configures a single request
type CallOption func(*callConfig)

// WithCallRoutingKey sets the routing key of one request
func WithCallRoutingKey(key RoutingKey) CallOption {
	return func(c *callConfig) {
		c.key = &key
	}
}

// WithCallTimeout sets the timeout of one request
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = timeout
	}
}

// WithCallHeader adds a header to one request
func WithCallHeader(key string, value any) CallOption {
	return func(c *callConfig) {
		if c.headers == nil {
			c.headers = make(map[string]any)
		}
		c.headers[key] = value
	}
}

// RPCClient publishes requests and matches replies arriving on its own
// transient reply queue by correlation id.
//
// Each request either completes with a reply or times out, never both.
// Requests in flight across a reconnect are not replayed; they time out.
type RPCClient[Req, Resp any] struct {
	factory   *Factory
	lc        *Lifecycle
	exchange  Exchange
	reqCodec  serialization.Transcoder[Req]
	respCodec serialization.Transcoder[Resp]
	config    clientConfig
	table     *correlationTable[Req, Resp]
	logger    *slog.Logger
	metrics   MetricsCollector

	mu         sync.RWMutex
	replyQueue Queue
	replyName  string
}

// NewRPCClient creates and starts an RPC client publishing to exchange
func NewRPCClient[Req, Resp any](f *Factory, exchange Exchange, reqCodec serialization.Transcoder[Req], respCodec serialization.Transcoder[Resp], opts ...ClientOption) (*RPCClient[Req, Resp], error) {
	if reqCodec == nil || respCodec == nil {
		return nil, ErrInvalidConfiguration
	}

	cfg := clientConfig{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	replyQueue := TransientQueue(generateQueueName("rpc-client"))
	if cfg.replyQueue != nil {
		replyQueue = *cfg.replyQueue
	}

	c := &RPCClient[Req, Resp]{
		factory:    f,
		exchange:   exchange,
		reqCodec:   reqCodec,
		respCodec:  respCodec,
		config:     cfg,
		table:      newCorrelationTable[Req, Resp](),
		replyQueue: replyQueue,
		replyName:  replyQueue.Name,
	}

	lc, err := f.newLifecycle("rpc-client:"+exchange.Name, c.setup)
	if err != nil {
		return nil, err
	}
	c.lc = lc
	c.logger = lc.logger.With("exchange", exchange.Name)
	c.metrics = lc.cfg.metrics

	if err := f.track(c); err != nil {
		return nil, err
	}
	lc.Start()
	return c, nil
}

func (c *RPCClient[Req, Resp]) setup(ctx context.Context, handle TransportHandle) error {
	if c.exchange.Name != "" {
		if err := handle.DeclareExchange(ctx, c.exchange); err != nil {
			return err
		}
	}

	name, err := handle.DeclareQueue(ctx, c.replyQueue)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.replyName = name
	c.mu.Unlock()

	return handle.Consume(ctx, name, c.onReply)
}

// ReplyQueue returns the name of the reply queue as declared on the broker
func (c *RPCClient[Req, Resp]) ReplyQueue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replyName
}

// Pending returns the number of requests awaiting a reply or timeout
func (c *RPCClient[Req, Resp]) Pending() int {
	return c.table.len()
}

// Lifecycle exposes the connection state of the client
func (c *RPCClient[Req, Resp]) Lifecycle() *Lifecycle {
	return c.lc
}

// Publish sends req and returns a future for the reply
func (c *RPCClient[Req, Resp]) Publish(ctx context.Context, req Req, opts ...CallOption) (*Future[Resp], error) {
	return c.PublishAsync(ctx, req, nil, nil, opts...)
}

// PublishAsync sends req. onSuccess or onError, when set, run exactly once on
// the goroutine that completes the request, before the future completes.
//
// An error returned here means the request was never pending; the callbacks
// are not called for it.
func (c *RPCClient[Req, Resp]) PublishAsync(ctx context.Context, req Req, onSuccess func(Resp), onError func(error), opts ...CallOption) (*Future[Resp], error) {
	cfg := callConfig{timeout: c.config.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = c.config.timeout
	}

	key, ok := c.resolveKey(cfg.key)
	if !ok {
		return nil, ErrNoRoutingKey
	}

	handle, err := c.lc.Ready()
	if err != nil {
		return nil, err
	}

	body, err := c.reqCodec.Encode(req)
	if err != nil {
		return nil, &EncodeError{ContentType: c.reqCodec.ContentType(), Err: err}
	}

	p := &PendingRequest[Req, Resp]{
		Request:   req,
		onSuccess: onSuccess,
		onError:   onError,
		future:    newFuture[Resp](""),
		started:   time.Now(),
	}
	id := c.table.insert(p)

	msg := Publishing{
		ContentType:   c.reqCodec.ContentType(),
		Body:          body,
		Headers:       cfg.headers,
		CorrelationID: id,
		ReplyTo:       c.ReplyQueue(),
		MessageID:     id,
		TTL:           cfg.timeout,
		Timestamp:     p.started,
	}

	if err := handle.Publish(ctx, c.exchange.Name, key, msg); err != nil {
		c.table.take(id)
		c.metrics.RecordPublish(c.exchange.Name, false)
		return nil, &PublishError{
			Exchange:   c.exchange.Name,
			RoutingKey: key.String(),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	c.table.arm(id, cfg.timeout, c.expire)
	c.metrics.RecordPublish(c.exchange.Name, true)
	c.logger.Debug("request published", "correlationId", id, "routingKey", key, "timeout", cfg.timeout)
	return p.future, nil
}

// Call sends req and waits for the reply. ctx bounds the wait as well as the
// publish.
func (c *RPCClient[Req, Resp]) Call(ctx context.Context, req Req, opts ...CallOption) (Resp, error) {
	future, err := c.Publish(ctx, req, opts...)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return future.Get(ctx)
}

// Close stops the client. Outstanding requests are left to time out.
func (c *RPCClient[Req, Resp]) Close() error {
	c.factory.untrack(c)
	return c.lc.Close()
}

func (c *RPCClient[Req, Resp]) resolveKey(key *RoutingKey) (RoutingKey, bool) {
	if key != nil {
		return *key, true
	}
	if c.config.defaultKey != nil {
		return *c.config.defaultKey, true
	}
	return "", false
}

// expire runs on the timeout timer
func (c *RPCClient[Req, Resp]) expire(id string) {
	p, ok := c.table.take(id)
	if !ok {
		return
	}

	err := &TimeoutError{CorrelationID: id, Timeout: p.timeout, Timestamp: time.Now()}
	p.State = TimedOut

	c.logger.Debug("request timed out", "correlationId", id, "timeout", p.timeout)
	c.metrics.RecordRPC(c.exchange.Name, OutcomeTimeout, time.Since(p.started))
	c.fail(p, err)
}

// onReply runs on the reply queue delivery goroutine. Replies are always
// acked; a reply whose request is gone is dropped.
func (c *RPCClient[Req, Resp]) onReply(d Delivery) {
	defer func() {
		if err := d.Ack(); err != nil {
			c.logger.Warn("failed to ack reply", "error", err)
		}
	}()

	id := d.CorrelationID()
	p, ok := c.table.take(id)
	if !ok {
		c.logger.Debug("dropping reply for unknown or expired request", "correlationId", id)
		c.metrics.RecordLateReply(c.exchange.Name)
		return
	}
	p.stop()

	resp, err := c.decode(d)
	if err != nil {
		p.State = Failed
		c.logger.Warn("failed to decode reply", "correlationId", id, "error", err)
		c.metrics.RecordRPC(c.exchange.Name, OutcomeError, time.Since(p.started))
		c.fail(p, err)
		return
	}

	p.State = Completed
	p.Response = resp
	c.metrics.RecordRPC(c.exchange.Name, OutcomeSuccess, time.Since(p.started))

	if p.onSuccess != nil {
		c.safely(id, func() { p.onSuccess(resp) })
	}
	p.future.complete(resp, nil)
}

func (c *RPCClient[Req, Resp]) decode(d Delivery) (resp Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode panic: %v", r)
		}
	}()
	return c.respCodec.Decode(d.ContentType(), d.Body())
}

func (c *RPCClient[Req, Resp]) fail(p *PendingRequest[Req, Resp], err error) {
	if p.onError != nil {
		c.safely(p.ID, func() { p.onError(err) })
	}
	var zero Resp
	p.future.complete(zero, err)
}

func (c *RPCClient[Req, Resp]) safely(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rpc callback panicked", "correlationId", id, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
