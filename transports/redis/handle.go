package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/intrbiz/util-sub000/internal/routing"
	"github.com/intrbiz/util-sub000/messaging"
)

const cleanupTimeout = 5 * time.Second

// Handle is one logical connection. It owns its transient queues and the
// processing lists of its consumers.
type Handle struct {
	pool   *Pool
	client goredis.UniversalClient
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	owned      []string
	processing map[string]string
	onClose    func(error)
	closeOnce  sync.Once
}

func newHandle(p *Pool) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Handle{
		pool:       p,
		client:     p.client,
		id:         id,
		logger:     p.logger.With("handle", id),
		ctx:        ctx,
		cancel:     cancel,
		processing: make(map[string]string),
	}
}

func (h *Handle) checkOpen() error {
	if h.ctx.Err() != nil {
		return ErrHandleClosed
	}
	return nil
}

func (h *Handle) DeclareExchange(ctx context.Context, exchange messaging.Exchange) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	kind := exchange.Kind.String()
	set, err := h.client.HSetNX(ctx, h.pool.exchangesKey(), exchange.Name, kind).Result()
	if err != nil {
		return err
	}
	if set {
		return nil
	}

	existing, err := h.client.HGet(ctx, h.pool.exchangesKey(), exchange.Name).Result()
	if err != nil {
		return err
	}
	if existing != kind {
		return fmt.Errorf("%w: %s is %s, not %s", ErrExchangeMismatch, exchange.Name, existing, kind)
	}
	return nil
}

func (h *Handle) DeclareQueue(ctx context.Context, queue messaging.Queue) (string, error) {
	if err := h.checkOpen(); err != nil {
		return "", err
	}

	name := queue.Name
	if name == "" {
		name = "redis.gen-" + uuid.NewString()
	}
	if err := h.client.SAdd(ctx, h.pool.queuesKey(), name).Err(); err != nil {
		return "", err
	}

	if queue.Transient() {
		h.mu.Lock()
		known := false
		for _, owned := range h.owned {
			known = known || owned == name
		}
		if !known {
			h.owned = append(h.owned, name)
		}
		h.mu.Unlock()
	}
	return name, nil
}

func bindingMember(queue string, key messaging.RoutingKey) string {
	return queue + "\n" + key.String()
}

func parseBindingMember(member string) (string, string) {
	queue, key, _ := strings.Cut(member, "\n")
	return queue, key
}

func (h *Handle) BindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	exists, err := h.client.HExists(ctx, h.pool.exchangesKey(), exchange).Result()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	return h.client.SAdd(ctx, h.pool.bindingsKey(exchange), bindingMember(queue, key)).Err()
}

func (h *Handle) UnbindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.client.SRem(ctx, h.pool.bindingsKey(exchange), bindingMember(queue, key)).Err()
}

func (h *Handle) Publish(ctx context.Context, exchange string, key messaging.RoutingKey, msg messaging.Publishing) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	targets, err := h.route(ctx, exchange, key)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		h.logger.Debug("unroutable message dropped", "exchange", exchange, "routingKey", key)
		return nil
	}

	raw, err := encodeEnvelope(newEnvelope(uuid.NewString(), key, msg, time.Now()))
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, queue := range targets {
			pipe.LPush(ctx, h.pool.queueKey(queue), raw)
		}
		return nil
	})
	return err
}

// route resolves target queue names. The default exchange routes to the
// queue named by the key.
func (h *Handle) route(ctx context.Context, exchange string, key messaging.RoutingKey) ([]string, error) {
	if exchange == "" {
		ok, err := h.client.SIsMember(ctx, h.pool.queuesKey(), key.String()).Result()
		if err != nil || !ok {
			return nil, err
		}
		return []string{key.String()}, nil
	}

	kindName, err := h.client.HGet(ctx, h.pool.exchangesKey(), exchange).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if err != nil {
		return nil, err
	}
	kind, err := messaging.ParseExchangeKind(kindName)
	if err != nil {
		return nil, err
	}

	members, err := h.client.SMembers(ctx, h.pool.bindingsKey(exchange)).Result()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var targets []string
	for _, member := range members {
		queue, pattern := parseBindingMember(member)
		if seen[queue] || !routing.Match(routingKind(kind), pattern, key.String()) {
			continue
		}
		seen[queue] = true
		targets = append(targets, queue)
	}
	return targets, nil
}

func routingKind(kind messaging.ExchangeKind) routing.Kind {
	switch kind {
	case messaging.Topic:
		return routing.Topic
	case messaging.Fanout:
		return routing.Fanout
	default:
		return routing.Direct
	}
}

func (h *Handle) Consume(ctx context.Context, queue string, fn func(messaging.Delivery)) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	ok, err := h.client.SIsMember(ctx, h.pool.queuesKey(), queue).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	tag := uuid.NewString()
	processing := h.pool.processingKey(queue, tag)

	h.mu.Lock()
	h.processing[processing] = h.pool.queueKey(queue)
	h.mu.Unlock()

	go h.consumeLoop(queue, processing, fn)
	return nil
}

func (h *Handle) consumeLoop(queue, processing string, fn func(messaging.Delivery)) {
	source := h.pool.queueKey(queue)
	logger := h.logger.With("queue", queue)

	for {
		raw, err := h.client.BLMove(h.ctx, source, processing, "RIGHT", "LEFT", h.pool.blockTimeout).Result()
		if h.ctx.Err() != nil {
			if err == nil {
				// closed while blocked; hand the message back
				ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				_ = h.restore(ctx, processing, source)
				cancel()
			}
			return
		}
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			logger.Warn("consume failed", "error", err)
			h.lose(err)
			return
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			logger.Warn("discarding malformed message", "error", err)
			h.client.LRem(h.ctx, processing, 1, raw)
			continue
		}
		if env.expired(time.Now()) {
			logger.Debug("discarding expired message", "id", env.ID)
			h.client.LRem(h.ctx, processing, 1, raw)
			continue
		}

		fn(&delivery{
			handle:     h,
			source:     source,
			processing: processing,
			raw:        raw,
			env:        env,
		})
	}
}

// monitor pings the server and reports the handle lost when it stops answering
func (h *Handle) monitor() {
	ticker := time.NewTicker(h.pool.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.pool.pingInterval)
			err := h.client.Ping(ctx).Err()
			cancel()
			if err != nil && h.ctx.Err() == nil {
				h.logger.Warn("ping failed", "error", err)
				h.lose(err)
				return
			}
		}
	}
}

func (h *Handle) NotifyClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// Close releases the handle without firing NotifyClose
func (h *Handle) Close() error {
	h.shutdown()
	return nil
}

func (h *Handle) lose(err error) {
	if !h.shutdown() {
		return
	}
	h.mu.Lock()
	fn := h.onClose
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// shutdown stops consumers, returns unacked messages and deletes transient
// queues. Cleanup is best effort since the server may be gone.
func (h *Handle) shutdown() bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.cancel()
		h.pool.forget(h)

		h.mu.Lock()
		owned := h.owned
		processing := h.processing
		h.owned = nil
		h.processing = map[string]string{}
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		for list, source := range processing {
			if err := h.restore(ctx, list, source); err != nil {
				h.logger.Debug("failed to restore unacked messages", "list", list, "error", err)
			}
		}
		for _, queue := range owned {
			if err := h.deleteQueue(ctx, queue); err != nil {
				h.logger.Debug("failed to delete transient queue", "queue", queue, "error", err)
			}
		}
	})
	return first
}

// restore moves unacked messages back to the consuming end of their queue
func (h *Handle) restore(ctx context.Context, processing, source string) error {
	for {
		err := h.client.LMove(ctx, processing, source, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (h *Handle) deleteQueue(ctx context.Context, queue string) error {
	exchanges, err := h.client.HKeys(ctx, h.pool.exchangesKey()).Result()
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, h.pool.queuesKey(), queue)
		pipe.Del(ctx, h.pool.queueKey(queue))
		return nil
	})
	if err != nil {
		return err
	}

	for _, exchange := range exchanges {
		members, err := h.client.SMembers(ctx, h.pool.bindingsKey(exchange)).Result()
		if err != nil {
			return err
		}
		for _, member := range members {
			if bound, _ := parseBindingMember(member); bound == queue {
				h.client.SRem(ctx, h.pool.bindingsKey(exchange), member)
			}
		}
	}
	return nil
}

// delivery is settled by removing it from the consumer's processing list
type delivery struct {
	handle     *Handle
	source     string
	processing string
	raw        string
	env        envelope
	settled    atomic.Bool
}

func (d *delivery) Headers() map[string]any { return d.env.Headers }
func (d *delivery) ContentType() string     { return d.env.ContentType }
func (d *delivery) Body() []byte            { return d.env.Body }
func (d *delivery) CorrelationID() string   { return d.env.CorrelationID }
func (d *delivery) ReplyTo() string         { return d.env.ReplyTo }
func (d *delivery) RoutingKey() string      { return d.env.RoutingKey }
func (d *delivery) Redelivered() bool       { return d.env.Redelivered }

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := d.handle.checkOpen(); err != nil {
		return err
	}
	return d.handle.client.LRem(d.handle.ctx, d.processing, 1, d.raw).Err()
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := d.handle.checkOpen(); err != nil {
		return err
	}

	ctx := d.handle.ctx
	if !requeue {
		return d.handle.client.LRem(ctx, d.processing, 1, d.raw).Err()
	}

	env := d.env
	env.Redelivered = true
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = d.handle.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, d.processing, 1, d.raw)
		pipe.RPush(ctx, d.source, raw)
		return nil
	})
	return err
}
