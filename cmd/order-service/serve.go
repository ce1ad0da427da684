package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	orders "github.com/glimte/mmate-orders"
	"github.com/glimte/mmate-orders/health"
	"github.com/glimte/mmate-orders/internal/config"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/glimte/mmate-orders/internal/order/application"
	orderhttp "github.com/glimte/mmate-orders/internal/order/http"
	"github.com/glimte/mmate-orders/internal/order/store"
	ordermongo "github.com/glimte/mmate-orders/internal/order/store/mongo"
	orderredis "github.com/glimte/mmate-orders/internal/order/store/redis"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/rpc"
	"github.com/glimte/mmate-orders/tracing"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orders HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Order store: mongo, redis or memory")
	cmd.Flags().StringVar(&cfg.NotifyQueue, "notify-queue", cfg.NotifyQueue, "Queue used by /send and listened to in the background")
	cmd.Flags().BoolVar(&cfg.NotifyQueueDurable, "notify-queue-durable", cfg.NotifyQueueDurable, "Declare the notify queue as durable; must match the broker")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting order service", "version", version, "store", cfg.StoreDriver, "addr", cfg.HTTPAddr)

	tp, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("otel init failed: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	recorder, shutdownMetrics, err := newRecorder(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Fails fast when the broker stays unreachable
	client, err := orders.NewClient(ctx, cfg.RabbitMQURL,
		orders.WithLogger(log),
		orders.WithRecorder(recorder),
		orders.WithTracerProvider(tp),
		orders.WithRPCOptions(
			rpc.WithExchange(cfg.RPCExchange),
			rpc.WithRoutingKey(cfg.RPCRoutingKey),
			rpc.WithTimeout(cfg.RPCTimeout),
		),
	)
	if err != nil {
		log.Error("application terminated unexpectedly", "error", err)
		return err
	}
	defer client.Close()

	notifyQueue := orders.QueueDeclaration{Name: cfg.NotifyQueue, Durable: cfg.NotifyQueueDurable}
	if err := client.SubscribeQueue(ctx, notifyQueue, func(_ context.Context, d amqp.Delivery) error {
		log.Info("message received", "queue", cfg.NotifyQueue, "message", string(d.Body))
		return nil
	}); err != nil {
		log.Error("failed to listen on notify queue", "queue", cfg.NotifyQueue, "error", err)
	}

	svcOpts := []application.Option{
		application.WithSender(client, notifyQueue),
		application.WithLogger(log),
		application.WithRecorder(recorder),
	}
	if cfg.NotifyBreakerThreshold > 0 {
		svcOpts = append(svcOpts, application.WithBreaker(reliability.NewBreaker(
			reliability.WithBreakerName("fulfillment-notify"),
			reliability.WithFailureThreshold(cfg.NotifyBreakerThreshold),
			reliability.WithCooldown(cfg.NotifyBreakerCooldown),
			reliability.WithFailurePredicate(application.NotificationFailure),
			reliability.WithStateChange(func(name string, from, to reliability.BreakerState) {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}),
		)))
	}
	svc := application.NewService(st, client, svcOpts...)

	registry := health.NewRegistry()
	// orders are still stored while the broker is away
	registry.Register(health.NewBrokerChecker(client.Connection()), health.Degrading)
	registry.Register(health.NewStoreChecker(cfg.StoreDriver, st), health.Critical)
	registry.Register(health.NewRuntimeChecker(1000, 10000), health.Critical)
	registry.SetMetadata("service", cfg.ServiceName)
	registry.SetMetadata("version", version)

	handler := orderhttp.NewHandler(log, svc,
		orderhttp.WithRecorder(recorder),
		orderhttp.WithHealth(registry),
		orderhttp.WithTracerProvider(tp),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: writeTimeout(cfg.RPCTimeout),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	log.Info("order-service shutdown complete")
	return nil
}

// writeTimeout leaves room for the notification call of POST /orders. An
// unbounded RPC timeout means no write timeout.
func writeTimeout(rpcTimeout time.Duration) time.Duration {
	if rpcTimeout <= 0 {
		return 0
	}
	return rpcTimeout + 10*time.Second
}

func newRecorder(ctx context.Context, cfg config.Config, log *slog.Logger) (metrics.Recorder, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" && cfg.OTLPGRPCEndpoint == "" {
		log.Info("no OTLP endpoint configured, metrics disabled")
		return metrics.Nop(), func(context.Context) error { return nil }, nil
	}
	exporter, shutdown, err := metrics.NewMetricExporter(ctx,
		metrics.WithServiceName(cfg.ServiceName),
		metrics.WithServiceVersion(version),
		metrics.WithEnvironment(cfg.Environment),
		metrics.WithOTLPEndpoint(cfg.OTLPEndpoint),
		metrics.WithOTLPGRPCEndpoint(cfg.OTLPGRPCEndpoint),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics init failed: %w", err)
	}
	recorder, err := metrics.NewInstruments(exporter.Meter(), log)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, nil, err
	}
	return recorder, shutdown, nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		s, err := ordermongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(context.Background()) }, nil
	case config.StoreRedis:
		s, err := orderredis.Dial(ctx, cfg.RedisAddr, orderredis.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		log.Warn("using in-memory order store, orders are lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}
