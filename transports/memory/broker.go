// Package memory implements an in-process broker with exchanges, queues and
// bindings. It backs tests and single-process deployments, and can simulate
// broker outages with ForceDisconnect and SetAvailable.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intrbiz/util-sub000/internal/routing"
	"github.com/intrbiz/util-sub000/messaging"
)

var (
	ErrUnavailable      = errors.New("memory: broker unavailable")
	ErrHandleClosed     = errors.New("memory: handle is closed")
	ErrPoolClosed       = errors.New("memory: pool is closed")
	ErrUnknownExchange  = errors.New("memory: exchange not declared")
	ErrUnknownQueue     = errors.New("memory: queue not declared")
	ErrExchangeMismatch = errors.New("memory: exchange redeclared with a different kind")
	ErrQueueLocked      = errors.New("memory: transient queue owned by another handle")
	ErrAlreadySettled   = errors.New("memory: delivery already settled")
	ErrConnectionLost   = errors.New("memory: connection lost")
)

// Stats counts message traffic through the broker
type Stats struct {
	Published  int
	Routed     int
	Unroutable int
	Delivered  int
	Acked      int
	Nacked     int
	Requeued   int
	Expired    int
}

type bindingEntry struct {
	queue string
	key   messaging.RoutingKey
}

// Broker holds all broker side state. It is safe for concurrent use.
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	available bool
	exchanges map[string]messaging.Exchange
	queues    map[string]*queue
	bindings  map[string][]bindingEntry
	handles   map[*Handle]struct{}
	stats     Stats
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty, available broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		logger:    slog.Default(),
		available: true,
		exchanges: make(map[string]messaging.Exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]bindingEntry),
		handles:   make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "memory-broker")
	return b
}

// SetAvailable controls whether new connections succeed
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

// ForceDisconnect drops every open handle as if the connection was lost.
// Each handle's NotifyClose callback fires with ErrConnectionLost.
func (b *Broker) ForceDisconnect() int {
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.handles))
	for h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.lose(ErrConnectionLost)
	}
	b.logger.Info("forced disconnect", "handles", len(handles))
	return len(handles)
}

// Handles returns the number of open handles
func (b *Broker) Handles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// HasQueue reports whether a queue is declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Bindings returns the sorted routing keys binding queue to any exchange
func (b *Broker) Bindings(queue string) []messaging.RoutingKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []messaging.RoutingKey
	for _, entries := range b.bindings {
		for _, e := range entries {
			if e.queue == queue {
				keys = append(keys, e.key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stats returns a snapshot of the traffic counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Broker) count(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func (b *Broker) connect() (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, ErrUnavailable
	}
	h := newHandle(b)
	b.handles[h] = struct{}{}
	return h, nil
}

func (b *Broker) declareExchange(exchange messaging.Exchange) error {
	if exchange.Name == "" {
		return fmt.Errorf("memory: cannot declare the default exchange")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[exchange.Name]; ok {
		if existing.Kind != exchange.Kind {
			return fmt.Errorf("%w: %s is %s, not %s", ErrExchangeMismatch, exchange.Name, existing.Kind, exchange.Kind)
		}
		return nil
	}
	b.exchanges[exchange.Name] = exchange
	return nil
}

func (b *Broker) declareQueue(owner *Handle, q messaging.Queue) (*queue, error) {
	name := q.Name
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.queues[name]; ok {
		if existing.owner != nil && existing.owner != owner {
			return nil, fmt.Errorf("%w: %s", ErrQueueLocked, name)
		}
		return existing, nil
	}

	created := newQueue(name)
	if q.Transient() {
		created.owner = owner
	}
	b.queues[name] = created
	return created, nil
}

func (b *Broker) deleteQueue(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if ok {
		delete(b.queues, name)
		for exchange, entries := range b.bindings {
			kept := entries[:0]
			for _, e := range entries {
				if e.queue != name {
					kept = append(kept, e)
				}
			}
			b.bindings[exchange] = kept
		}
	}
	b.mu.Unlock()

	if ok {
		q.close()
	}
}

func (b *Broker) lookupQueue(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) bind(queue, exchange string, key messaging.RoutingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	for _, e := range b.bindings[exchange] {
		if e.queue == queue && e.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], bindingEntry{queue: queue, key: key})
	return nil
}

func (b *Broker) unbind(queue, exchange string, key messaging.RoutingKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}
	entries := b.bindings[exchange]
	for i, e := range entries {
		if e.queue == queue && e.key == key {
			b.bindings[exchange] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

// route resolves the queues a message reaches. The default exchange routes
// to the queue named by the key.
func (b *Broker) route(exchange string, key messaging.RoutingKey) ([]*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Published++

	if exchange == "" {
		if q, ok := b.queues[key.String()]; ok {
			b.stats.Routed++
			return []*queue{q}, nil
		}
		b.stats.Unroutable++
		return nil, nil
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchange)
	}

	kind := routingKind(ex.Kind)
	seen := make(map[string]bool)
	var targets []*queue
	for _, e := range b.bindings[exchange] {
		if seen[e.queue] || !routing.Match(kind, e.key.String(), key.String()) {
			continue
		}
		if q, ok := b.queues[e.queue]; ok {
			seen[e.queue] = true
			targets = append(targets, q)
		}
	}

	if len(targets) == 0 {
		b.stats.Unroutable++
	} else {
		b.stats.Routed += len(targets)
	}
	return targets, nil
}

func (b *Broker) removeHandle(h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, h)
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

// message is a queued Publishing with its routing metadata
type message struct {
	messaging.Publishing
	routingKey  string
	expires     time.Time
	redelivered bool
}

func (m *message) expired(now time.Time) bool {
	return !m.expires.IsZero() && now.After(m.expires)
}

// queue is a FIFO of ready messages shared by competing consumers
type queue struct {
	name  string
	owner *Handle

	mu     sync.Mutex
	cond   *sync.Cond
	items  []*message
	closed bool
}

func newQueue(name string) *queue {
	q := &queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, m)
	q.cond.Signal()
}

// requeue returns a message to the head of the queue
func (q *queue) requeue(m *message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	m.redelivered = true
	q.items = append([]*message{m}, q.items...)
	q.cond.Signal()
}

// pop blocks until a message is ready, the queue is deleted or stop is set
func (q *queue) pop(stopped func() bool) (*message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed && !stopped() {
		q.cond.Wait()
	}
	if q.closed || stopped() {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// wake releases consumers blocked in pop so they can observe a stop
func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
