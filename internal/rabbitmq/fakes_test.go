package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type queueDecl struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []ExchangeDeclaration
	queues     []queueDecl
	bindings   []string
	unbindings []string
	deleted    []string
	publishes  []published
	prefetch   int
	notify     []chan *amqp.Error
	streams    []chan amqp.Delivery
	closed     bool
	publishErr error
	consumeErr error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, ExchangeDeclaration{
		Name: name, Type: kind, Durable: durable, AutoDelete: autoDelete, Arguments: args,
	})
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, queueDecl{name, durable, autoDelete, exclusive, args})
	if name == "" {
		name = "amq.gen-test"
	}
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, name+"|"+exchange+"|"+key)
	return nil
}

func (c *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbindings = append(c.unbindings, name+"|"+exchange+"|"+key)
	return nil
}

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, name)
	return 0, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	stream := make(chan amqp.Delivery, 16)
	c.streams = append(c.streams, stream)
	return stream, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// drop simulates the broker closing the channel
func (c *fakeChannel) drop(err *amqp.Error) {
	c.shutdown(err)
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	for _, s := range c.streams {
		close(s)
	}
}

func (c *fakeChannel) deliver(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		s <- d
	}
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) lastPublish() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishes[len(c.publishes)-1]
}

type fakeConnection struct {
	mu       sync.Mutex
	channels []*fakeChannel
	notify   []chan *amqp.Error
	closed   bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.drop(nil)
	return nil
}

// drop closes the connection and every channel opened on it
func (c *fakeConnection) drop(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.drop(err)
	}
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[i]
}

// fakeDialer hands out fresh fake connections and counts dials
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	err   error
	delay time.Duration
}

func (d *fakeDialer) dial(url string, timeout time.Duration) (Connection, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConnection{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	if requeue {
		a.requeued++
	}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.requeued
}

var errRefused = errors.New("connection refused")
