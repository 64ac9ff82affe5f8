package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intrbiz/util-sub000/serialization"
)

// DefaultHandlerTimeout bounds the context handed to an RPCHandler
const DefaultHandlerTimeout = 30 * time.Second

// RPCHandler answers one request. Returning ErrNoReply sends nothing back;
// any other error is logged and the client sees a timeout.
type RPCHandler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type serverConfig struct {
	queue          *Queue
	bindings       []RoutingKey
	handlerTimeout time.Duration
}

// ServerOption configures an RPCServer
type ServerOption func(*serverConfig)

// WithServerQueue consumes requests from queue instead of a generated
// rpc-server-<uuid> queue
func WithServerQueue(queue Queue) ServerOption {
	return func(c *serverConfig) {
		c.queue = &queue
	}
}

// WithServerBindings binds the request queue with each key. Without bindings
// the queue is bound with its own name.
func WithServerBindings(keys ...RoutingKey) ServerOption {
	return func(c *serverConfig) {
		c.bindings = append(c.bindings, keys...)
	}
}

// WithHandlerTimeout sets the deadline of the handler context
func WithHandlerTimeout(timeout time.Duration) ServerOption {
	return func(c *serverConfig) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// RPCServer decodes requests, invokes a handler and publishes the reply to the
// queue named in the request's reply-to property.
//
// The handler runs on the delivery goroutine, so a slow handler delays every
// request behind it on the same server.
type RPCServer[Req, Resp any] struct {
	factory   *Factory
	lc        *Lifecycle
	exchange  Exchange
	queue     Queue
	bindings  []RoutingKey
	handler   RPCHandler[Req, Resp]
	reqCodec  serialization.Transcoder[Req]
	respCodec serialization.Transcoder[Resp]
	timeout   time.Duration
	logger    *slog.Logger
	metrics   MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	queueName string
}

// NewRPCServer creates and starts an RPC server
func NewRPCServer[Req, Resp any](f *Factory, exchange Exchange, handler RPCHandler[Req, Resp], reqCodec serialization.Transcoder[Req], respCodec serialization.Transcoder[Resp], opts ...ServerOption) (*RPCServer[Req, Resp], error) {
	if handler == nil || reqCodec == nil || respCodec == nil {
		return nil, ErrInvalidConfiguration
	}

	cfg := serverConfig{handlerTimeout: DefaultHandlerTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	queue := TransientQueue(generateQueueName("rpc-server"))
	if cfg.queue != nil {
		queue = *cfg.queue
	}
	if queue.Persistent && queue.Name == "" {
		return nil, fmt.Errorf("%w: persistent queue needs a name", ErrInvalidConfiguration)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RPCServer[Req, Resp]{
		factory:   f,
		exchange:  exchange,
		queue:     queue,
		bindings:  cfg.bindings,
		handler:   handler,
		reqCodec:  reqCodec,
		respCodec: respCodec,
		timeout:   cfg.handlerTimeout,
		ctx:       ctx,
		cancel:    cancel,
		queueName: queue.Name,
	}

	lc, err := f.newLifecycle("rpc-server:"+queue.Name, s.setup)
	if err != nil {
		cancel()
		return nil, err
	}
	s.lc = lc
	s.logger = lc.logger.With("exchange", exchange.Name)
	s.metrics = lc.cfg.metrics

	if err := f.track(s); err != nil {
		cancel()
		return nil, err
	}
	lc.Start()
	return s, nil
}

func (s *RPCServer[Req, Resp]) setup(ctx context.Context, handle TransportHandle) error {
	if s.exchange.Name != "" {
		if err := handle.DeclareExchange(ctx, s.exchange); err != nil {
			return err
		}
	}

	name, err := handle.DeclareQueue(ctx, s.queue)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queueName = name
	s.mu.Unlock()

	if s.exchange.Name != "" {
		keys := s.bindings
		if len(keys) == 0 {
			keys = []RoutingKey{GenericKey(name)}
		}
		for _, key := range keys {
			if err := handle.BindQueue(ctx, name, s.exchange.Name, key); err != nil {
				return err
			}
		}
	}

	// replies go out on the handle that delivered the request
	return handle.Consume(ctx, name, func(d Delivery) {
		s.serve(handle, d)
	})
}

// Queue returns the request queue name as declared on the broker
func (s *RPCServer[Req, Resp]) Queue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queueName
}

// Lifecycle exposes the connection state of the server
func (s *RPCServer[Req, Resp]) Lifecycle() *Lifecycle {
	return s.lc
}

// Close stops serving. It is idempotent.
func (s *RPCServer[Req, Resp]) Close() error {
	s.cancel()
	s.factory.untrack(s)
	return s.lc.Close()
}

// serve acks every request exactly once, whether or not a reply is sent
func (s *RPCServer[Req, Resp]) serve(handle TransportHandle, d Delivery) {
	start := time.Now()
	outcome := OutcomeAck
	defer func() {
		if err := d.Ack(); err != nil {
			s.logger.Warn("failed to ack request", "error", err)
		}
		s.metrics.RecordDelivery(s.Queue(), outcome, time.Since(start))
	}()

	id, replyTo := d.CorrelationID(), d.ReplyTo()
	if id == "" || replyTo == "" {
		s.logger.Warn("dropping request without correlation id or reply-to",
			"correlationId", id,
			"replyTo", replyTo)
		outcome = OutcomeDropped
		return
	}

	req, err := s.decode(d)
	if err != nil {
		s.logger.Warn("dropping undecodable request", "correlationId", id, "error", err)
		outcome = OutcomeDropped
		return
	}

	resp, err := s.invoke(req)
	if errors.Is(err, ErrNoReply) {
		s.logger.Debug("handler sent no reply", "correlationId", id)
		return
	}
	if err != nil {
		s.logger.Warn("rpc handler failed", "correlationId", id, "error", err)
		outcome = OutcomeDropped
		return
	}

	body, err := s.encode(resp)
	if err != nil {
		s.logger.Warn("failed to encode reply", "correlationId", id, "error", err)
		outcome = OutcomeDropped
		return
	}

	reply := Publishing{
		ContentType:   s.respCodec.ContentType(),
		Body:          body,
		CorrelationID: id,
		Timestamp:     time.Now(),
	}
	if err := handle.Publish(s.ctx, "", GenericKey(replyTo), reply); err != nil {
		s.logger.Warn("failed to publish reply", "correlationId", id, "replyTo", replyTo, "error", err)
		return
	}

	s.logger.Debug("reply sent", "correlationId", id, "replyTo", replyTo)
}

func (s *RPCServer[Req, Resp]) invoke(req Req) (resp Resp, err error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, req)
}

func (s *RPCServer[Req, Resp]) decode(d Delivery) (req Req, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode panic: %v", r)
		}
	}()
	return s.reqCodec.Decode(d.ContentType(), d.Body())
}

func (s *RPCServer[Req, Resp]) encode(resp Resp) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode panic: %v", r)
		}
	}()
	return s.respCodec.Encode(resp)
}
