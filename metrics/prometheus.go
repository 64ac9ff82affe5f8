package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intrbiz/util-sub000/messaging"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "mq"

// DefaultLatencyBuckets covers sub-millisecond replies up to the default RPC timeout
var DefaultLatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// PrometheusCollector implements messaging.MetricsCollector on Prometheus vectors
type PrometheusCollector struct {
	publishes        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rpcs             *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	lateReplies      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	reconnectDelay   *prometheus.GaugeVec
	state            *prometheus.GaugeVec
}

type prometheusConfig struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64
}

// PrometheusOption configures a PrometheusCollector
type PrometheusOption func(*prometheusConfig)

// WithRegisterer registers the metrics somewhere other than the default registry
func WithRegisterer(reg prometheus.Registerer) PrometheusOption {
	return func(c *prometheusConfig) {
		if reg != nil {
			c.registerer = reg
		}
	}
}

// WithNamespace replaces the metric name prefix
func WithNamespace(ns string) PrometheusOption {
	return func(c *prometheusConfig) {
		c.namespace = ns
	}
}

// WithLatencyBuckets replaces the histogram buckets, in seconds
func WithLatencyBuckets(buckets ...float64) PrometheusOption {
	return func(c *prometheusConfig) {
		if len(buckets) > 0 {
			c.buckets = buckets
		}
	}
}

// NewPrometheusCollector creates and registers the collector's metrics.
// Registering twice against the same registerer reuses the existing vectors.
func NewPrometheusCollector(opts ...PrometheusOption) (*PrometheusCollector, error) {
	cfg := &prometheusConfig{
		registerer: prometheus.DefaultRegisterer,
		namespace:  DefaultNamespace,
		buckets:    DefaultLatencyBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &PrometheusCollector{}
	var err error

	if c.publishes, err = register(cfg.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "publish_total",
		Help:      "Messages published, by exchange and result.",
	}, []string{"exchange", "result"})); err != nil {
		return nil, err
	}

	if c.deliveries, err = register(cfg.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "deliveries_total",
		Help:      "Inbound deliveries, by queue and settlement outcome.",
	}, []string{"queue", "outcome"})); err != nil {
		return nil, err
	}

	if c.deliveryDuration, err = register(cfg.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Time spent decoding and handling a delivery.",
		Buckets:   cfg.buckets,
	}, []string{"queue"})); err != nil {
		return nil, err
	}

	if c.rpcs, err = register(cfg.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "rpc_requests_total",
		Help:      "Completed client requests, by exchange and outcome.",
	}, []string{"exchange", "outcome"})); err != nil {
		return nil, err
	}

	if c.rpcDuration, err = register(cfg.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "rpc_duration_seconds",
		Help:      "Time from request publish to completion.",
		Buckets:   cfg.buckets,
	}, []string{"exchange"})); err != nil {
		return nil, err
	}

	if c.lateReplies, err = register(cfg.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "rpc_late_replies_total",
		Help:      "Replies received after their request was no longer pending.",
	}, []string{"exchange"})); err != nil {
		return nil, err
	}

	if c.reconnects, err = register(cfg.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "reconnects_total",
		Help:      "Scheduled reconnect attempts, by role.",
	}, []string{"role"})); err != nil {
		return nil, err
	}

	if c.reconnectDelay, err = register(cfg.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Name:      "reconnect_delay_seconds",
		Help:      "Delay before the most recently scheduled reconnect.",
	}, []string{"role"})); err != nil {
		return nil, err
	}

	if c.state, err = register(cfg.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Name:      "connection_state",
		Help:      "Lifecycle state: 0 disconnected, 1 connecting, 2 connected, 3 closed.",
	}, []string{"role"})); err != nil {
		return nil, err
	}

	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (c *PrometheusCollector) RecordPublish(exchange string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.publishes.WithLabelValues(exchange, result).Inc()
}

func (c *PrometheusCollector) RecordDelivery(queue string, outcome string, duration time.Duration) {
	c.deliveries.WithLabelValues(queue, outcome).Inc()
	c.deliveryDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordRPC(exchange string, outcome string, duration time.Duration) {
	c.rpcs.WithLabelValues(exchange, outcome).Inc()
	c.rpcDuration.WithLabelValues(exchange).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordLateReply(exchange string) {
	c.lateReplies.WithLabelValues(exchange).Inc()
}

func (c *PrometheusCollector) RecordReconnect(role string, delay time.Duration) {
	c.reconnects.WithLabelValues(role).Inc()
	c.reconnectDelay.WithLabelValues(role).Set(delay.Seconds())
}

func (c *PrometheusCollector) RecordState(role string, state messaging.State) {
	c.state.WithLabelValues(role).Set(float64(state))
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
