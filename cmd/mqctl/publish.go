package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/intrbiz/util-sub000/messaging"
	"github.com/intrbiz/util-sub000/serialization"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		ttl     time.Duration
		headers map[string]string
		count   int
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> [message]",
		Short: "Publish a message to the exchange",
		Long:  "Publish a text message to the exchange. The message is read from stdin when omitted or given as -.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.shutdown()

			body, err := messageArg(cmd, args[1:])
			if err != nil {
				return err
			}

			f, err := a.factory()
			if err != nil {
				return err
			}
			producer, err := messaging.NewProducer(f, a.cfg.ExchangeSpec(), serialization.Text())
			if err != nil {
				return err
			}
			if err := a.ready(producer.Lifecycle()); err != nil {
				return err
			}

			opts := []messaging.PublishOption{messaging.WithRoutingKey(messaging.GenericKey(args[0]))}
			if ttl > 0 {
				opts = append(opts, messaging.WithTTL(ttl))
			}
			for k, v := range headers {
				opts = append(opts, messaging.WithHeader(k, v))
			}

			for i := 0; i < count; i++ {
				if err := producer.Publish(cmd.Context(), body, opts...); err != nil {
					return fmt.Errorf("publish %d of %d: %w", i+1, count, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s with key %s\n",
				count, producer.Exchange().Name, args[0])
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "message time to live")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "message headers as key=value")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of copies to publish")
	return cmd
}

// messageArg returns the message argument, or stdin when it is absent or "-"
func messageArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
