package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/intrbiz/util-sub000/internal/reliability"
)

// State is the connection state of a role
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener receives lifecycle state change notifications. Callbacks run
// on their own goroutine.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int, delay time.Duration)
}

// SetupFunc declares the broker resources of a role on a fresh handle. It runs
// after every (re)connect under the role lock.
type SetupFunc func(ctx context.Context, handle TransportHandle) error

// DefaultConnectTimeout bounds a single pool Connect plus setup
const DefaultConnectTimeout = 30 * time.Second

type lifecycleConfig struct {
	logger         *slog.Logger
	metrics        MetricsCollector
	minDelay       time.Duration
	stepDelay      time.Duration
	maxDelay       time.Duration
	connectTimeout time.Duration
	listeners      []StateListener
}

func newLifecycleConfig(opts []LifecycleOption) lifecycleConfig {
	cfg := lifecycleConfig{
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		minDelay:       reliability.DefaultMinDelay,
		stepDelay:      reliability.DefaultStepDelay,
		maxDelay:       reliability.DefaultMaxDelay,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LifecycleOption configures a Lifecycle
type LifecycleOption func(*lifecycleConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) LifecycleOption {
	return func(c *lifecycleConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) LifecycleOption {
	return func(c *lifecycleConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithBackoff sets the reconnect delays: the first retry waits min, each
// further retry waits step longer, capped at max.
func WithBackoff(min, step, max time.Duration) LifecycleOption {
	return func(c *lifecycleConfig) {
		c.minDelay = min
		c.stepDelay = step
		c.maxDelay = max
	}
}

// WithConnectTimeout bounds each connect attempt
func WithConnectTimeout(timeout time.Duration) LifecycleOption {
	return func(c *lifecycleConfig) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithStateListener adds a state listener
func WithStateListener(listener StateListener) LifecycleOption {
	return func(c *lifecycleConfig) {
		if listener != nil {
			c.listeners = append(c.listeners, listener)
		}
	}
}

// Lifecycle keeps exactly one usable transport handle alive for a role,
// reconnecting with step backoff whenever the handle is lost.
//
// stateMu guards the state fields and is never held across broker calls.
// setupMu is the role lock: it serializes setup with Exclusive callers such as
// binding changes.
type Lifecycle struct {
	name    string
	pool    BrokerConnectionPool
	setup   SetupFunc
	cfg     lifecycleConfig
	logger  *slog.Logger
	backoff *reliability.StepBackoff

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.RWMutex
	state   State
	handle  TransportHandle
	gen     uint64
	timer   *time.Timer
	attempt int
	started bool
	closed  bool

	setupMu sync.Mutex
}

// NewLifecycle creates a lifecycle for a role. Nothing happens until Start.
func NewLifecycle(name string, pool BrokerConnectionPool, setup SetupFunc, opts ...LifecycleOption) *Lifecycle {
	cfg := newLifecycleConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())

	return &Lifecycle{
		name:    name,
		pool:    pool,
		setup:   setup,
		cfg:     cfg,
		logger:  cfg.logger.With("role", name),
		backoff: reliability.NewStepBackoff(cfg.minDelay, cfg.stepDelay, cfg.maxDelay),
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
	}
}

// Name returns the role name used in logs and metrics
func (l *Lifecycle) Name() string {
	return l.name
}

// State returns the current state
func (l *Lifecycle) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Start runs the first connect attempt synchronously. A failed attempt is
// retried in the background; Start itself never fails.
func (l *Lifecycle) Start() {
	l.stateMu.Lock()
	if l.started || l.closed {
		l.stateMu.Unlock()
		return
	}
	l.started = true
	l.stateMu.Unlock()

	l.init()
}

// Ready returns the live handle, or ErrNotConnected between a disconnect and
// the next successful setup. It never blocks on the broker.
func (l *Lifecycle) Ready() (TransportHandle, error) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.state != Connected || l.handle == nil {
		return nil, ErrNotConnected
	}
	return l.handle, nil
}

// Exclusive runs fn under the role lock with the live handle, or nil when not
// connected. Setup never runs concurrently with fn.
func (l *Lifecycle) Exclusive(fn func(handle TransportHandle) error) error {
	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	handle, _ := l.Ready()
	return fn(handle)
}

// Close stops reconnecting and releases the handle. It is idempotent.
func (l *Lifecycle) Close() error {
	l.stateMu.Lock()
	if l.closed {
		l.stateMu.Unlock()
		return nil
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	handle := l.handle
	l.handle = nil
	l.state = Closed
	l.stateMu.Unlock()

	l.cancel()
	l.cfg.metrics.RecordState(l.name, Closed)

	if handle != nil {
		if err := handle.Close(); err != nil {
			l.logger.Debug("error closing handle", "error", err)
		}
	}

	l.logger.Info("closed")
	return nil
}

// init acquires a handle and runs setup. Every failure ends in a scheduled
// reconnect, so init is the retry driver and returns nothing.
func (l *Lifecycle) init() {
	l.stateMu.Lock()
	if l.closed {
		l.stateMu.Unlock()
		return
	}
	l.timer = nil
	l.state = Connecting
	l.stateMu.Unlock()
	l.cfg.metrics.RecordState(l.name, Connecting)

	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.connectTimeout)
	defer cancel()

	handle, err := l.pool.Connect(ctx)
	if err != nil {
		l.fail("connect", err, nil)
		return
	}

	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	l.stateMu.Lock()
	if l.closed {
		l.stateMu.Unlock()
		l.discard(handle)
		return
	}
	l.gen++
	gen := l.gen
	l.handle = handle
	l.stateMu.Unlock()

	handle.NotifyClose(func(err error) {
		go l.onDisconnect(gen, err)
	})

	if err := l.setup(ctx, handle); err != nil {
		l.fail("setup", err, handle)
		return
	}

	l.stateMu.Lock()
	if l.closed || l.handle != handle {
		// lost while setting up; whoever took the handle owns the retry
		l.stateMu.Unlock()
		return
	}
	l.state = Connected
	l.attempt = 0
	l.backoff.Reset()
	l.stateMu.Unlock()

	l.logger.Info("connected")
	l.cfg.metrics.RecordState(l.name, Connected)
	for _, listener := range l.cfg.listeners {
		go listener.OnConnected()
	}
}

// fail discards a handle that did not make it through setup and schedules
// the next attempt
func (l *Lifecycle) fail(op string, err error, handle TransportHandle) {
	lcErr := &LifecycleError{Role: l.name, Op: op, Err: err, Timestamp: time.Now()}

	l.stateMu.Lock()
	if handle != nil {
		if l.handle != handle {
			// already taken by onDisconnect, which scheduled the retry
			l.stateMu.Unlock()
			l.discard(handle)
			return
		}
		l.handle = nil
	}
	delay, attempt, ok := l.scheduleLocked()
	l.stateMu.Unlock()

	if handle != nil {
		l.discard(handle)
	}
	if !ok {
		return
	}

	l.logger.Warn("connect attempt failed", "error", lcErr, "attempt", attempt, "retryIn", delay)
	l.cfg.metrics.RecordState(l.name, Disconnected)
	l.notifyReconnecting(attempt, delay)
}

// onDisconnect handles loss of the handle from generation gen
func (l *Lifecycle) onDisconnect(gen uint64, err error) {
	l.stateMu.Lock()
	if l.closed || gen != l.gen || l.handle == nil {
		l.stateMu.Unlock()
		return
	}
	handle := l.handle
	l.handle = nil
	delay, attempt, ok := l.scheduleLocked()
	l.stateMu.Unlock()

	l.discard(handle)

	l.logger.Warn("connection lost", "error", err, "retryIn", delay)
	l.cfg.metrics.RecordState(l.name, Disconnected)
	for _, listener := range l.cfg.listeners {
		go listener.OnDisconnected(err)
	}
	if ok {
		l.notifyReconnecting(attempt, delay)
	}
}

// scheduleLocked arms the single reconnect timer. Callers hold stateMu.
func (l *Lifecycle) scheduleLocked() (time.Duration, int, bool) {
	if l.closed {
		return 0, l.attempt, false
	}
	l.state = Disconnected
	if l.timer != nil {
		return 0, l.attempt, false
	}

	delay := l.backoff.Next()
	l.attempt++
	l.timer = time.AfterFunc(delay, l.init)
	return delay, l.attempt, true
}

func (l *Lifecycle) notifyReconnecting(attempt int, delay time.Duration) {
	l.cfg.metrics.RecordReconnect(l.name, delay)
	for _, listener := range l.cfg.listeners {
		go listener.OnReconnecting(attempt, delay)
	}
}

func (l *Lifecycle) discard(handle TransportHandle) {
	if err := handle.Close(); err != nil {
		l.logger.Debug("error closing discarded handle", "error", err)
	}
}
