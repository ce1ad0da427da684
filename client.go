// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orders wires the broker connection, the RPC client and the
// fire-and-forget publisher of the order service behind one Client.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/rpc"
	"github.com/glimte/mmate-orders/tracing"
)

// MessageHandler processes one delivery from a subscribed queue
type MessageHandler = rabbitmq.MessageHandler

// QueueDeclaration describes a named queue the way it exists on the broker
type QueueDeclaration = rabbitmq.QueueDeclaration

// Client provides the main entry point for the order service's messaging
type Client struct {
	conn      *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	rpc       *rpc.Client
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewClient connects to the broker and builds the messaging components.
// The connection is established before NewClient returns; if every attempt
// fails the error is returned and nothing is left running.
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:   slog.Default(),
		recorder: metrics.Nop(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	propagator := tracing.NewPropagator(cfg.propagator)

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithRecorder(cfg.recorder),
	}, cfg.connectionOptions...)
	conn := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := conn.EnsureConnected(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	topology := rabbitmq.NewTopologyManager()

	rpcOpts := []rpc.Option{
		rpc.WithLogger(cfg.logger),
		rpc.WithRecorder(cfg.recorder),
		rpc.WithPropagator(propagator),
	}
	if cfg.tracerProvider != nil {
		rpcOpts = append(rpcOpts, rpc.WithTracerProvider(cfg.tracerProvider))
	}
	rpcOpts = append(rpcOpts, cfg.rpcOptions...)

	pubOpts := append([]rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(cfg.logger),
		rabbitmq.WithPublisherRecorder(cfg.recorder),
		rabbitmq.WithPublisherPropagator(propagator),
	}, cfg.publisherOptions...)

	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(cfg.logger),
		rabbitmq.WithConsumerRecorder(cfg.recorder),
		rabbitmq.WithConsumerPropagator(propagator),
	}, cfg.consumerOptions...)

	cfg.logger.Info("order messaging client ready", "url", rabbitmq.SanitizeURL(connectionString))

	return &Client{
		conn:      conn,
		topology:  topology,
		rpc:       rpc.NewClient(conn, topology, rpcOpts...),
		publisher: rabbitmq.NewPublisher(conn, topology, pubOpts...),
		consumer:  rabbitmq.NewConsumer(conn, topology, consOpts...),
		logger:    cfg.logger,
	}, nil
}

// Call sends message as an RPC request and waits for its reply. Failures
// are returned as *rpc.Error.
func (c *Client) Call(ctx context.Context, message string) (string, error) {
	return c.rpc.Call(ctx, message)
}

// PublishDirect sends body to a durable direct exchange with routingKey.
// An empty exchange targets the queue named routingKey.
func (c *Client) PublishDirect(ctx context.Context, exchange, routingKey string, body []byte) error {
	return c.publisher.PublishDirect(ctx, exchange, routingKey, body)
}

// PublishFanout broadcasts body to every queue bound to exchange
func (c *Client) PublishFanout(ctx context.Context, exchange string, body []byte) error {
	return c.publisher.PublishFanout(ctx, exchange, body)
}

// PublishToQueue declares queue and sends body to it
func (c *Client) PublishToQueue(ctx context.Context, queue QueueDeclaration, body []byte) error {
	return c.publisher.PublishToQueue(ctx, queue, body)
}

// Subscribe consumes a plain non-durable queue until ctx is done or the
// client is closed
func (c *Client) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	return c.consumer.Subscribe(ctx, queue, handler)
}

// SubscribeQueue consumes the queue described by decl
func (c *Client) SubscribeQueue(ctx context.Context, decl QueueDeclaration, handler MessageHandler) error {
	return c.consumer.SubscribeQueue(ctx, decl, handler)
}

// RPC returns the underlying RPC client
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

// Publisher returns the fire-and-forget publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Connection returns the connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// Close stops consumers, releases pending calls and closes the channel and
// connection. Only the first call does any work.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.consumer.UnsubscribeAll()
		c.closeErr = errors.Join(c.rpc.Close(), c.conn.Close())
		c.logger.Info("order messaging client closed")
	})
	return c.closeErr
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	recorder          metrics.Recorder
	tracerProvider    trace.TracerProvider
	propagator        propagation.TextMapPropagator
	connectionOptions []rabbitmq.ConnectionOption
	rpcOptions        []rpc.Option
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRecorder sets the metrics sink for all components
func WithRecorder(recorder metrics.Recorder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.recorder = recorder
	}
}

// WithTracerProvider sets the provider for RPC spans
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = tp
	}
}

// WithPropagator replaces the text map propagator used on message headers
func WithPropagator(p propagation.TextMapPropagator) ClientOption {
	return func(cfg *clientConfig) {
		cfg.propagator = p
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithRPCOptions passes options to the RPC client
func WithRPCOptions(opts ...rpc.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rpcOptions = append(cfg.rpcOptions, opts...)
	}
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, opts...)
	}
}

// WithConsumerOptions passes options to the consumer
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, opts...)
	}
}
