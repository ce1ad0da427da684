// Package tracing carries OpenTelemetry trace context across the AMQP
// publish/consume boundary and bootstraps the process tracer provider.
package tracing

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts an amqp.Table to propagation.TextMapCarrier.
// Values are written as byte arrays. Reads accept byte arrays or strings;
// any other value type reads as absent.
type HeaderCarrier amqp.Table

var _ propagation.TextMapCarrier = HeaderCarrier{}

// Get returns the value for key, or "" when missing or not text
func (c HeaderCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return ""
	}
}

// Set stores value under key as a byte array
func (c HeaderCarrier) Set(key, value string) {
	c[key] = []byte(value)
}

// Keys lists the carrier's keys
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// DefaultTextMapPropagator propagates W3C trace context and baggage
func DefaultTextMapPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Propagator injects and extracts trace context on message headers.
type Propagator struct {
	prop propagation.TextMapPropagator
}

// NewPropagator wraps prop; nil selects DefaultTextMapPropagator.
func NewPropagator(prop propagation.TextMapPropagator) *Propagator {
	if prop == nil {
		prop = DefaultTextMapPropagator()
	}
	return &Propagator{prop: prop}
}

// Inject writes the trace context of ctx into headers and returns them.
// A nil table is allocated.
func (p *Propagator) Inject(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	p.prop.Inject(ctx, HeaderCarrier(headers))
	return headers
}

// Extract returns ctx enriched with the trace context found in headers.
// Missing or malformed entries leave ctx without a remote parent.
func (p *Propagator) Extract(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return p.prop.Extract(ctx, HeaderCarrier(headers))
}
