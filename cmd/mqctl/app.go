package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	queue "github.com/intrbiz/util-sub000"
	"github.com/intrbiz/util-sub000/health"
	"github.com/intrbiz/util-sub000/internal/config"
	"github.com/intrbiz/util-sub000/internal/reliability"
	"github.com/intrbiz/util-sub000/messaging"
	"github.com/intrbiz/util-sub000/metrics"
)

// goroutine counts past which /healthz reports degraded and unhealthy
const (
	goroutineWarning  = 1000
	goroutineCritical = 10000
)

// app holds what one command invocation builds from its configuration
type app struct {
	envFiles []string

	// pool replaces the configured transport when set
	pool messaging.BrokerConnectionPool

	cfg      config.Config
	logger   *slog.Logger
	manager  *queue.Manager
	registry *prometheus.Registry
	summary  *metrics.SummaryCollector
	health   *health.Registry
	server   *http.Server
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())

	pool := a.pool
	if pool == nil {
		if pool, err = cfg.Pool(a.logger); err != nil {
			return err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector())
	prom, err := metrics.NewPrometheusCollector(metrics.WithRegisterer(a.registry))
	if err != nil {
		pool.Close()
		return err
	}
	a.summary = metrics.NewSummaryCollector()

	lifecycleOpts := append(cfg.LifecycleOptions(a.logger), messaging.WithMetrics(metrics.Multi{prom, a.summary}))
	a.manager = queue.NewManager(queue.WithLogger(a.logger), queue.WithLifecycleOptions(lifecycleOpts...))
	if err := a.manager.Register(cfg.Transport, pool); err != nil {
		pool.Close()
		return err
	}

	a.health = health.NewRegistry()
	a.health.SetMetadata("transport", cfg.Transport)
	a.health.SetMetadata("exchange", cfg.Exchange)
	a.health.Register(health.NewPoolChecker(cfg.Transport, pool))
	a.health.Register(health.NewMemoryChecker(goroutineWarning, goroutineCritical))

	if cfg.MetricsAddr != "" {
		if err := a.serve(cfg.MetricsAddr); err != nil {
			a.manager.Close()
			return err
		}
	}
	return nil
}

// applyFlags overrides configuration with the flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) (string, bool) {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			return "", false
		}
		return f.Value.String(), true
	}

	if v, ok := changed("transport"); ok {
		cfg.Transport = v
	}
	if v, ok := changed("url"); ok {
		cfg.URL = v
	}
	if v, ok := changed("exchange"); ok {
		cfg.Exchange = v
	}
	if v, ok := changed("metrics-addr"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := changed("kind"); ok {
		kind, err := messaging.ParseExchangeKind(v)
		if err != nil {
			return err
		}
		cfg.ExchangeKind = kind
	}
	if v, ok := changed("log-level"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: log level: %v", config.ErrInvalidConfig, err)
		}
	}
	return cfg.Validate()
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.Handle("/healthz", health.NewHandler(a.health, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func (a *app) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	a.server = &http.Server{
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (a *app) factory() (*messaging.Factory, error) {
	return a.manager.DefaultFactory()
}

// ready registers the role with the health registry and fails fast when its
// first connection attempt did not succeed
func (a *app) ready(lc *messaging.Lifecycle) error {
	a.health.Register(health.NewLifecycleChecker(lc))
	if _, err := lc.Ready(); err != nil {
		return fmt.Errorf("%s: broker not reachable: %w", lc.Name(), err)
	}
	return nil
}

func (a *app) shutdown() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	return errors.Join(errs...)
}

// breaker builds a circuit breaker that logs its transitions and reports its
// state on /healthz
func (a *app) breaker(name string, failures int, open time.Duration) *reliability.CircuitBreaker {
	cb := reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(failures),
		reliability.WithOpenTimeout(open),
		reliability.WithStateChange(func(name string, from, to reliability.State) {
			a.logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		}),
	)
	a.health.Register(health.NewComponentChecker("breaker:"+name, func(context.Context) (health.Status, string, map[string]interface{}, error) {
		state := cb.State()
		details := map[string]interface{}{"state": state.String()}
		if state == reliability.StateOpen {
			return health.StatusDegraded, "circuit open", details, nil
		}
		return health.StatusHealthy, "circuit " + state.String(), details, nil
	}))
	return cb
}
