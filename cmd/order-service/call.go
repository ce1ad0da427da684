package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	orders "github.com/glimte/mmate-orders"
	"github.com/glimte/mmate-orders/internal/config"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/glimte/mmate-orders/rpc"
)

func newCallCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "call <message>",
		Short: "Send one RPC request and print the reply",
		Example: `  order-service call '{"orderId":"65f1a2b3c4d5e6f708091a2b","products":[]}'
  order-service call --rpc-timeout 5s ping`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			client, err := orders.NewClient(ctx, cfg.RabbitMQURL,
				orders.WithLogger(logger),
				orders.WithRPCOptions(
					rpc.WithExchange(cfg.RPCExchange),
					rpc.WithRoutingKey(cfg.RPCRoutingKey),
					rpc.WithTimeout(cfg.RPCTimeout),
				),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Call(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("call failed (%s): %w", rpc.KindOf(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
}
