package rpc

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/tracing"
)

// Defaults for the fulfillment RPC route
const (
	DefaultExchange   = "rpc_exchange"
	DefaultRoutingKey = "rpc_queue"
)

// Option configures a Client
type Option func(*Client)

// WithExchange sets the direct exchange requests are published to
func WithExchange(name string) Option {
	return func(c *Client) {
		c.exchange = name
	}
}

// WithRoutingKey sets the routing key of every request
func WithRoutingKey(key string) Option {
	return func(c *Client) {
		c.routingKey = key
	}
}

// WithTimeout bounds each call. Zero leaves calls bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRegistry injects the correlation registry
func WithRegistry(r *Registry) Option {
	return func(c *Client) {
		c.registry = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRecorder sets the metrics sink
func WithRecorder(recorder metrics.Recorder) Option {
	return func(c *Client) {
		c.recorder = recorder
	}
}

// WithTracerProvider sets the provider for request and reply spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithPropagator sets the header propagator
func WithPropagator(p *tracing.Propagator) Option {
	return func(c *Client) {
		c.propagator = p
	}
}
