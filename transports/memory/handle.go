package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intrbiz/util-sub000/messaging"
)

// Handle is one connection to a Broker. Transient queues it declares are
// deleted when it closes, and unsettled deliveries return to their queues.
type Handle struct {
	id     string
	broker *Broker

	mu        sync.Mutex
	closed    bool
	owned     []string
	consumers []*consumer
	unacked   map[*delivery]struct{}
	onClose   func(error)
	closeOnce sync.Once
}

type consumer struct {
	queue   *queue
	stopped atomic.Bool
}

func newHandle(b *Broker) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		broker:  b,
		unacked: make(map[*delivery]struct{}),
	}
}

func (h *Handle) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

func (h *Handle) DeclareExchange(ctx context.Context, exchange messaging.Exchange) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	return h.broker.declareExchange(exchange)
}

func (h *Handle) DeclareQueue(ctx context.Context, q messaging.Queue) (string, error) {
	if err := h.checkOpen(ctx); err != nil {
		return "", err
	}

	declared, err := h.broker.declareQueue(h, q)
	if err != nil {
		return "", err
	}

	if declared.owner == h {
		h.mu.Lock()
		owned := false
		for _, name := range h.owned {
			owned = owned || name == declared.name
		}
		if !owned {
			h.owned = append(h.owned, declared.name)
		}
		h.mu.Unlock()
	}
	return declared.name, nil
}

func (h *Handle) BindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	return h.broker.bind(queue, exchange, key)
}

func (h *Handle) UnbindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	return h.broker.unbind(queue, exchange, key)
}

func (h *Handle) Publish(ctx context.Context, exchange string, key messaging.RoutingKey, msg messaging.Publishing) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}

	targets, err := h.broker.route(exchange, key)
	if err != nil {
		return err
	}

	var expires time.Time
	if msg.TTL > 0 {
		expires = time.Now().Add(msg.TTL)
	}
	for _, q := range targets {
		m := &message{
			Publishing: msg,
			routingKey: key.String(),
			expires:    expires,
		}
		m.Body = append([]byte(nil), msg.Body...)
		q.push(m)
	}
	return nil
}

func (h *Handle) Consume(ctx context.Context, queue string, fn func(messaging.Delivery)) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}

	q, ok := h.broker.lookupQueue(queue)
	if !ok {
		return ErrUnknownQueue
	}

	c := &consumer{queue: q}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.consumers = append(h.consumers, c)
	h.mu.Unlock()

	go h.consumeLoop(c, fn)
	return nil
}

func (h *Handle) consumeLoop(c *consumer, fn func(messaging.Delivery)) {
	for {
		m, ok := c.queue.pop(c.stopped.Load)
		if !ok {
			return
		}

		if m.expired(time.Now()) {
			h.broker.count(func(s *Stats) { s.Expired++ })
			continue
		}

		d := &delivery{handle: h, queue: c.queue, msg: m}
		if !h.track(d) {
			c.queue.requeue(m)
			return
		}

		h.broker.count(func(s *Stats) { s.Delivered++ })
		fn(d)
	}
}

// track records an unsettled delivery. It fails once the handle is closed.
func (h *Handle) track(d *delivery) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.unacked[d] = struct{}{}
	return true
}

// settle removes d from the unsettled set exactly once
func (h *Handle) settle(d *delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if _, ok := h.unacked[d]; !ok {
		return ErrAlreadySettled
	}
	delete(h.unacked, d)
	return nil
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

// lose closes the handle and reports the loss to NotifyClose
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

// shutdown reports whether this call closed the handle
func (h *Handle) shutdown() bool {
	first := false
	h.closeOnce.Do(func() {
		first = true

		h.mu.Lock()
		h.closed = true
		consumers := h.consumers
		owned := h.owned
		unacked := h.unacked
		h.consumers = nil
		h.unacked = make(map[*delivery]struct{})
		h.mu.Unlock()

		for _, c := range consumers {
			c.stopped.Store(true)
			c.queue.wake()
		}
		for d := range unacked {
			d.queue.requeue(d.msg)
		}
		for _, name := range owned {
			h.broker.deleteQueue(name)
		}
		h.broker.removeHandle(h)
	})
	return first
}

// delivery is a message handed to a consumer, settled through its handle
type delivery struct {
	handle *Handle
	queue  *queue
	msg    *message
}

func (d *delivery) Headers() map[string]any { return d.msg.Headers }
func (d *delivery) ContentType() string     { return d.msg.ContentType }
func (d *delivery) Body() []byte            { return d.msg.Body }
func (d *delivery) CorrelationID() string   { return d.msg.CorrelationID }
func (d *delivery) ReplyTo() string         { return d.msg.ReplyTo }
func (d *delivery) RoutingKey() string      { return d.msg.routingKey }
func (d *delivery) Redelivered() bool       { return d.msg.redelivered }

func (d *delivery) Ack() error {
	if err := d.handle.settle(d); err != nil {
		return err
	}
	d.handle.broker.count(func(s *Stats) { s.Acked++ })
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if err := d.handle.settle(d); err != nil {
		return err
	}
	d.handle.broker.count(func(s *Stats) {
		s.Nacked++
		if requeue {
			s.Requeued++
		}
	})
	if requeue {
		d.queue.requeue(d.msg)
	}
	return nil
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
