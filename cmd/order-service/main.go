package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-orders/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()

	rootCmd := &cobra.Command{
		Use:   "order-service",
		Short: "Orders API with broker-backed fulfillment notifications",
		Long: `order-service exposes CRUD operations on orders and notifies the
fulfillment system over RabbitMQ using request/reply.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			return cfg.Validate()
		},
	}

	// Global flags override the environment
	rootCmd.PersistentFlags().StringVarP(&cfg.RabbitMQURL, "url", "u", cfg.RabbitMQURL, "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVar(&cfg.RPCExchange, "rpc-exchange", cfg.RPCExchange, "Exchange RPC requests are published to")
	rootCmd.PersistentFlags().StringVar(&cfg.RPCRoutingKey, "rpc-routing-key", cfg.RPCRoutingKey, "Routing key of RPC requests")
	rootCmd.PersistentFlags().DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout, "RPC reply timeout (0 waits until cancelled)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or text")

	rootCmd.AddCommand(
		newServeCmd(&cfg),
		newCallCmd(&cfg),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "order-service %s\ncommit: %s\nbuilt: %s\n", version, gitCommit, buildTime)
		},
	}
}

const shutdownTimeout = 10 * time.Second
