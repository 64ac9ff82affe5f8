package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/intrbiz/util-sub000/serialization"
)

// fastBackoff keeps reconnect tests quick
var fastBackoff = WithBackoff(10*time.Millisecond, 10*time.Millisecond, 30*time.Millisecond)

type mockPool struct {
	mock.Mock
}

func (m *mockPool) Connect(ctx context.Context) (TransportHandle, error) {
	args := m.Called(ctx)
	handle, _ := args.Get(0).(TransportHandle)
	return handle, args.Error(1)
}

func (m *mockPool) Close() error {
	args := m.Called()
	return args.Error(0)
}

type binding struct {
	Queue    string
	Exchange string
	Key      RoutingKey
}

type published struct {
	Exchange string
	Key      RoutingKey
	Msg      Publishing
}

// fakeHandle records every broker call made through it
type fakeHandle struct {
	mu         sync.Mutex
	exchanges  []Exchange
	queues     []Queue
	bindings   []binding
	unbindings []binding
	publishes  []published
	consumers  map[string]func(Delivery)
	onClose    func(error)
	closed     bool

	setupErr     error
	publishErr   error
	publishDelay time.Duration
	onPublish    func(published)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{consumers: make(map[string]func(Delivery))}
}

func (h *fakeHandle) DeclareExchange(ctx context.Context, exchange Exchange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.setupErr != nil {
		return h.setupErr
	}
	h.exchanges = append(h.exchanges, exchange)
	return nil
}

func (h *fakeHandle) DeclareQueue(ctx context.Context, queue Queue) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.setupErr != nil {
		return "", h.setupErr
	}
	h.queues = append(h.queues, queue)
	return queue.Name, nil
}

func (h *fakeHandle) BindQueue(ctx context.Context, queue, exchange string, key RoutingKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings = append(h.bindings, binding{queue, exchange, key})
	return nil
}

func (h *fakeHandle) UnbindQueue(ctx context.Context, queue, exchange string, key RoutingKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindings = append(h.unbindings, binding{queue, exchange, key})
	return nil
}

func (h *fakeHandle) Publish(ctx context.Context, exchange string, key RoutingKey, msg Publishing) error {
	if h.publishDelay > 0 {
		time.Sleep(h.publishDelay)
	}

	h.mu.Lock()
	if h.publishErr != nil {
		h.mu.Unlock()
		return h.publishErr
	}
	p := published{exchange, key, msg}
	h.publishes = append(h.publishes, p)
	hook := h.onPublish
	h.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (h *fakeHandle) Consume(ctx context.Context, queue string, fn func(Delivery)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers[queue] = fn
	return nil
}

func (h *fakeHandle) NotifyClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// drop simulates the broker losing the handle
func (h *fakeHandle) drop(err error) {
	h.mu.Lock()
	fn := h.onClose
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (h *fakeHandle) deliver(queue string, d Delivery) bool {
	h.mu.Lock()
	fn := h.consumers[queue]
	h.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(d)
	return true
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) boundKeys(queue string) []RoutingKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	var keys []RoutingKey
	for _, b := range h.bindings {
		if b.Queue == queue {
			keys = append(keys, b.Key)
		}
	}
	return keys
}

func (h *fakeHandle) lastPublish() (published, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.publishes) == 0 {
		return published{}, false
	}
	return h.publishes[len(h.publishes)-1], true
}

func (h *fakeHandle) publishCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.publishes)
}

// fakeDelivery counts how it was settled
type fakeDelivery struct {
	headers       map[string]any
	contentType   string
	body          []byte
	correlationID string
	replyTo       string
	routingKey    string

	acks     atomic.Int32
	nacks    atomic.Int32
	requeued atomic.Bool
}

func (d *fakeDelivery) Headers() map[string]any { return d.headers }
func (d *fakeDelivery) ContentType() string     { return d.contentType }
func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) CorrelationID() string   { return d.correlationID }
func (d *fakeDelivery) ReplyTo() string         { return d.replyTo }
func (d *fakeDelivery) RoutingKey() string      { return d.routingKey }
func (d *fakeDelivery) Redelivered() bool       { return false }

func (d *fakeDelivery) Ack() error {
	d.acks.Add(1)
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.nacks.Add(1)
	d.requeued.Store(requeue)
	return nil
}

func (d *fakeDelivery) settled() int32 {
	return d.acks.Load() + d.nacks.Load()
}

var errBrokerDown = errors.New("broker down")

// recordingListener captures lifecycle notifications
type recordingListener struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
	delays       []time.Duration
}

func (l *recordingListener) OnConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, err)
}

func (l *recordingListener) OnReconnecting(attempt int, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, delay)
}

func (l *recordingListener) snapshot() (int, int, []time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected, len(l.disconnected), append([]time.Duration(nil), l.delays...)
}

// recordingMetrics captures the metrics calls the tests assert on
type recordingMetrics struct {
	NoOpMetricsCollector

	mu          sync.Mutex
	reconnects  []time.Duration
	lateReplies map[string]int
	rpc         map[string]int
	deliveries  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{lateReplies: map[string]int{}, rpc: map[string]int{}, deliveries: map[string]int{}}
}

func (m *recordingMetrics) RecordReconnect(role string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects = append(m.reconnects, delay)
}

func (m *recordingMetrics) RecordLateReply(exchange string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lateReplies[exchange]++
}

func (m *recordingMetrics) RecordRPC(exchange string, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpc[outcome]++
}

func (m *recordingMetrics) RecordDelivery(queue string, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[outcome]++
}

func (m *recordingMetrics) reconnectDelays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.reconnects...)
}

func (m *recordingMetrics) count(table map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return table[key]
}

func (m *recordingMetrics) lateReplyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.lateReplies {
		total += n
	}
	return total
}

// brittleText is a text transcoder whose Decode and Encode panic on "bad"
type brittleText struct {
	serialization.Transcoder[string]
}

func newBrittleText() brittleText {
	return brittleText{serialization.Text()}
}

func (b brittleText) Decode(contentType string, data []byte) (string, error) {
	if string(data) == "bad" {
		panic("malformed input")
	}
	return b.Transcoder.Decode(contentType, data)
}

func (b brittleText) Encode(v string) ([]byte, error) {
	if v == "bad" {
		panic("unencodable value")
	}
	return b.Transcoder.Encode(v)
}
