package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/intrbiz/util-sub000/messaging"
	"github.com/intrbiz/util-sub000/serialization"
)

func newCallCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <routing-key> [request]",
		Short: "Send a request and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.shutdown()

			req, err := messageArg(cmd, args[1:])
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.RPCTimeout
			}

			f, err := a.factory()
			if err != nil {
				return err
			}
			client, err := messaging.NewRPCClient(f, a.cfg.ExchangeSpec(),
				serialization.Text(), serialization.Text(),
				messaging.WithClientRoutingKey(messaging.GenericKey(args[0])),
				messaging.WithDefaultTimeout(timeout))
			if err != nil {
				return err
			}
			if err := a.ready(client.Lifecycle()); err != nil {
				return err
			}

			resp, err := client.Call(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default MQ_RPC_TIMEOUT)")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var (
		queueName string
		upper     bool
		delay     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve [binding...]",
		Short: "Answer requests by echoing them back",
		Long: `Serve requests arriving on the given bindings, or on the queue's own name
when none are given. Each reply echoes the request, optionally upper-cased
and after a delay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler := func(hctx context.Context, req string) (string, error) {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-hctx.Done():
						return "", hctx.Err()
					}
				}
				if upper {
					return strings.ToUpper(req), nil
				}
				return req, nil
			}

			var opts []messaging.ServerOption
			if queueName != "" {
				opts = append(opts, messaging.WithServerQueue(messaging.TransientQueue(queueName)))
			}
			if len(args) > 0 {
				keys := make([]messaging.RoutingKey, len(args))
				for i, arg := range args {
					keys[i] = messaging.GenericKey(arg)
				}
				opts = append(opts, messaging.WithServerBindings(keys...))
			}

			f, err := a.factory()
			if err != nil {
				return err
			}
			server, err := messaging.NewRPCServer(f, a.cfg.ExchangeSpec(), handler,
				serialization.Text(), serialization.Text(), opts...)
			if err != nil {
				return err
			}
			if err := a.ready(server.Lifecycle()); err != nil {
				return err
			}

			a.logger.Info("serving requests", "exchange", a.cfg.Exchange, "queue", server.Queue())
			fmt.Fprintf(cmd.ErrOrStderr(), "serving on queue %s\n", server.Queue())

			<-ctx.Done()
			return server.Close()
		},
	}

	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "request queue name (default generated)")
	cmd.Flags().BoolVar(&upper, "upper", false, "upper-case replies")
	cmd.Flags().DurationVar(&delay, "delay", 0, "wait this long before replying")
	return cmd
}
