package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mqctl",
		Short: "Publish, consume and call RPC services over a message broker",
		Long: `mqctl drives the messaging library from the command line. It publishes and
consumes messages on an exchange and can act as either side of a request/reply
exchange. Settings come from .env files and MQ_* variables; flags override them.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&a.envFiles, "env-file", nil, ".env files to load (default ./.env)")
	flags.String("transport", "", "broker transport: rabbitmq, redis or memory")
	flags.StringP("url", "u", "", "broker URL")
	flags.StringP("exchange", "e", "", "exchange name")
	flags.String("kind", "", "exchange kind: direct, topic or fanout")
	flags.String("metrics-addr", "", "serve /metrics, /healthz and /livez on this address")
	flags.String("log-level", "", "log level: debug, info, warn or error")

	rpcCmd := &cobra.Command{
		Use:   "rpc",
		Short: "Request/reply over the exchange",
	}
	rpcCmd.AddCommand(newCallCmd(a), newServeCmd(a))

	rootCmd.AddCommand(newPublishCmd(a), newConsumeCmd(a), rpcCmd)
	return rootCmd
}
