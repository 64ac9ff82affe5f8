package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/intrbiz/util-sub000/interceptors"
	"github.com/intrbiz/util-sub000/messaging"
	"github.com/intrbiz/util-sub000/serialization"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newConsumeCmd(a *app) *cobra.Command {
	var (
		queueName  string
		persistent bool
		count      int64
		summary    bool
		showHeader bool
		match      map[string]string
		retries    int
		retryDelay time.Duration
		timeout    time.Duration
		maxSize    int
		breakAfter int
		breakFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "consume [binding...]",
		Short: "Print messages arriving on the exchange",
		Long: `Bind a queue to the exchange and print every message it receives.
Topic exchanges bind "#" and fanout exchanges bind the null key when no binding is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.shutdown()

			exchange := a.cfg.ExchangeSpec()
			bindings, err := defaultBindings(exchange, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			var (
				mu       sync.Mutex
				received atomic.Int64
				done     = make(chan struct{})
				doneOnce sync.Once
			)
			handler := func(_ context.Context, headers map[string]any, body []byte) error {
				mu.Lock()
				defer mu.Unlock()
				if showHeader && len(headers) > 0 {
					if _, err := fmt.Fprintln(out, formatHeaders(headers)); err != nil {
						return err
					}
				}
				if _, err := fmt.Fprintln(out, string(body)); err != nil {
					return err
				}

				if count > 0 && received.Add(1) >= count {
					doneOnce.Do(func() { close(done) })
				}
				return nil
			}

			chain := interceptors.NewChain[[]byte](interceptors.NewLoggingInterceptor[[]byte](a.logger, slog.LevelDebug))
			if len(match) > 0 {
				chain.Add(interceptors.NewFilteringInterceptor(interceptors.HeaderEquals[[]byte](match), interceptors.SkipWithLog, a.logger))
			}
			if maxSize > 0 {
				chain.Add(interceptors.NewValidationInterceptor(func(_ map[string]any, body []byte) error {
					if len(body) > maxSize {
						return fmt.Errorf("body of %d bytes exceeds %d", len(body), maxSize)
					}
					return nil
				}))
			}
			if breakAfter > 0 {
				breaker := a.breaker("consume", breakAfter, breakFor)
				chain.Add(interceptors.NewCircuitBreakerInterceptor[[]byte](breaker))
			}
			if retries > 0 {
				chain.Add(interceptors.NewRetryInterceptor[[]byte](interceptors.FixedDelay(retryDelay, retries), a.logger))
			}
			if timeout > 0 {
				chain.Add(interceptors.NewTimeoutInterceptor[[]byte](timeout))
			}

			opts := []messaging.ConsumerOption{messaging.WithBindings(bindings...)}
			if queueName != "" {
				q := messaging.TransientQueue(queueName)
				if persistent {
					q = messaging.PersistentQueue(queueName)
				}
				opts = append(opts, messaging.WithQueue(q))
			}

			f, err := a.factory()
			if err != nil {
				return err
			}
			consumer, err := messaging.NewConsumer(f, exchange, chain.Then(handler), serialization.Raw(), opts...)
			if err != nil {
				return err
			}
			if err := a.ready(consumer.Lifecycle()); err != nil {
				return err
			}

			a.logger.Info("consuming", "exchange", exchange.Name, "queue", consumer.Queue())
			fmt.Fprintf(cmd.ErrOrStderr(), "consuming from queue %s\n", consumer.Queue())

			select {
			case <-ctx.Done():
			case <-done:
			}

			if err := consumer.Close(); err != nil {
				return err
			}
			if summary {
				data, err := json.MarshalIndent(a.summary.Summary(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), string(data))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default generated)")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "declare the queue as persistent")
	cmd.Flags().Int64VarP(&count, "count", "n", 0, "exit after this many messages (0 runs until interrupted)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print collected metrics on exit")
	cmd.Flags().BoolVar(&showHeader, "headers", false, "print message headers")
	cmd.Flags().StringToStringVar(&match, "match", nil, "only print messages carrying these headers (key=value)")
	cmd.Flags().IntVar(&retries, "retries", 0, "retry a failing write this many times before giving up")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", 100*time.Millisecond, "delay between retries")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "fail a write that takes longer than this (0 disables)")
	cmd.Flags().IntVar(&maxSize, "max-size", 0, "drop messages larger than this many bytes (0 disables)")
	cmd.Flags().IntVar(&breakAfter, "breaker", 0, "stop writing after this many consecutive failures (0 disables)")
	cmd.Flags().DurationVar(&breakFor, "breaker-open", 30*time.Second, "how long the breaker stays open before trying again")
	return cmd
}

func defaultBindings(exchange messaging.Exchange, args []string) ([]messaging.RoutingKey, error) {
	if len(args) > 0 {
		keys := make([]messaging.RoutingKey, len(args))
		for i, arg := range args {
			keys[i] = messaging.GenericKey(arg)
		}
		return keys, nil
	}
	switch exchange.Kind {
	case messaging.Topic:
		return []messaging.RoutingKey{messaging.TopicKey("#")}, nil
	case messaging.Fanout:
		return []messaging.RoutingKey{messaging.NullKey()}, nil
	default:
		return nil, fmt.Errorf("%w: %s exchanges need at least one binding", messaging.ErrInvalidConfiguration, exchange.Kind)
	}
}

func formatHeaders(headers map[string]any) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, headers[k])
	}
	return "# " + strings.Join(parts, " ")
}
