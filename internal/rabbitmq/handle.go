package rabbitmq

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/intrbiz/util-sub000/messaging"
)

// Handle is a messaging.TransportHandle backed by one AMQP channel
type Handle struct {
	ch      Channel
	fifo    bool
	logger  *slog.Logger
	release func(*Handle)

	mu        sync.Mutex
	closed    bool
	owned     []string
	onClose   func(error)
	closeOnce sync.Once
}

func newHandle(ch Channel, fifo bool, logger *slog.Logger, release func(*Handle)) *Handle {
	h := &Handle{
		ch:      ch,
		fifo:    fifo,
		logger:  logger,
		release: release,
	}
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go h.watch(closes)
	return h
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
	if err := declareExchange(h.ch, exchangeDeclaration(exchange)); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (h *Handle) DeclareQueue(ctx context.Context, q messaging.Queue) (string, error) {
	if err := h.checkOpen(ctx); err != nil {
		return "", err
	}
	declared, err := declareQueue(h.ch, queueDeclaration(q, h.fifo))
	if err != nil {
		return "", &TopologyError{
			Component: "queue",
			Name:      q.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	if q.Transient() {
		h.mu.Lock()
		h.owned = append(h.owned, declared.Name)
		h.mu.Unlock()
	}
	return declared.Name, nil
}

func (h *Handle) BindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	if err := h.ch.QueueBind(queue, key.String(), exchange, false, nil); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      queue + "<-" + exchange + ":" + key.String(),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (h *Handle) UnbindQueue(ctx context.Context, queue, exchange string, key messaging.RoutingKey) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	if err := h.ch.QueueUnbind(queue, key.String(), exchange, nil); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      queue + "<-" + exchange + ":" + key.String(),
			Op:        "unbind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (h *Handle) Publish(ctx context.Context, exchange string, key messaging.RoutingKey, msg messaging.Publishing) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	if err := h.ch.PublishWithContext(ctx, exchange, key.String(), false, false, toAMQP(msg)); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: key.String(),
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// toAMQP maps a publishing onto AMQP properties. The TTL becomes the
// per-message expiration in milliseconds.
func toAMQP(msg messaging.Publishing) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		p.Headers = amqp.Table(msg.Headers)
	}
	if msg.TTL > 0 {
		ms := msg.TTL.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		p.Expiration = strconv.FormatInt(ms, 10)
	}
	return p
}

func (h *Handle) Consume(ctx context.Context, queue string, fn func(messaging.Delivery)) error {
	if err := h.checkOpen(ctx); err != nil {
		return err
	}
	tag := "ctag-" + uuid.NewString()
	deliveries, err := h.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go h.consumeLoop(queue, tag, deliveries, fn)

	h.logger.Debug("consuming from queue", "queue", queue, "consumerTag", tag)
	return nil
}

// consumeLoop ends when the channel closes the delivery stream
func (h *Handle) consumeLoop(queue, tag string, deliveries <-chan amqp.Delivery, fn func(messaging.Delivery)) {
	for d := range deliveries {
		fn(&delivery{d: d})
	}
	h.logger.Debug("delivery stream closed", "queue", queue, "consumerTag", tag)
}

func (h *Handle) NotifyClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

// Close deletes the transient queues declared through the handle and closes
// its channel without firing NotifyClose
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		owned := h.shutdown()
		for _, name := range owned {
			if _, derr := h.ch.QueueDelete(name, false, false, false); derr != nil {
				h.logger.Debug("failed to delete transient queue", "queue", name, "error", derr)
			}
		}
		err = h.ch.Close()
	})
	return err
}

func (h *Handle) watch(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes

	var err error = ErrChannelClosed
	if ok && amqpErr != nil {
		err = &ChannelError{Op: "watch", Err: amqpErr, Timestamp: time.Now()}
	}

	lost := false
	h.closeOnce.Do(func() {
		lost = true
		h.shutdown()
	})
	if !lost {
		return
	}

	h.mu.Lock()
	fn := h.onClose
	h.mu.Unlock()

	h.logger.Warn("channel lost", "error", err)
	if fn != nil {
		fn(err)
	}
}

// shutdown marks the handle closed and returns the queues it owned
func (h *Handle) shutdown() []string {
	h.mu.Lock()
	h.closed = true
	owned := h.owned
	h.owned = nil
	h.mu.Unlock()

	if h.release != nil {
		h.release(h)
	}
	return owned
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// delivery wraps an AMQP delivery so it is settled at most once
type delivery struct {
	d       amqp.Delivery
	settled atomic.Bool
}

func (d *delivery) Headers() map[string]any { return d.d.Headers }
func (d *delivery) ContentType() string     { return d.d.ContentType }
func (d *delivery) Body() []byte            { return d.d.Body }
func (d *delivery) CorrelationID() string   { return d.d.CorrelationId }
func (d *delivery) ReplyTo() string         { return d.d.ReplyTo }
func (d *delivery) RoutingKey() string      { return d.d.RoutingKey }
func (d *delivery) Redelivered() bool       { return d.d.Redelivered }

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.d.Nack(false, requeue)
}
