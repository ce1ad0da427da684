package tracing

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func activeSpan(t *testing.T) (context.Context, trace.Span) {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test").Start(context.Background(), "publish")
}

func TestHeaderCarrier(t *testing.T) {
	t.Run("Set stores byte arrays", func(t *testing.T) {
		c := HeaderCarrier{}
		c.Set("traceparent", "00-abc")

		assert.Equal(t, []byte("00-abc"), c["traceparent"])
		assert.Equal(t, "00-abc", c.Get("traceparent"))
	})

	t.Run("Get accepts strings", func(t *testing.T) {
		c := HeaderCarrier{"tracestate": "k=v"}
		assert.Equal(t, "k=v", c.Get("tracestate"))
	})

	t.Run("Get treats other types as absent", func(t *testing.T) {
		c := HeaderCarrier{"traceparent": int32(42), "nested": amqp.Table{"a": "b"}}
		assert.Empty(t, c.Get("traceparent"))
		assert.Empty(t, c.Get("nested"))
		assert.Empty(t, c.Get("missing"))
	})

	t.Run("Keys lists every entry", func(t *testing.T) {
		c := HeaderCarrier{"a": []byte("1"), "b": "2"}
		assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
	})
}

func TestPropagator(t *testing.T) {
	p := NewPropagator(nil)

	t.Run("round trips the span context", func(t *testing.T) {
		ctx, span := activeSpan(t)
		defer span.End()

		headers := p.Inject(ctx, nil)
		require.Contains(t, headers, "traceparent")
		assert.IsType(t, []byte{}, headers["traceparent"])

		extracted := trace.SpanContextFromContext(p.Extract(context.Background(), headers))
		assert.True(t, extracted.IsValid())
		assert.True(t, extracted.IsRemote())
		assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
		assert.Equal(t, span.SpanContext().SpanID(), extracted.SpanID())
	})

	t.Run("carries baggage", func(t *testing.T) {
		member, err := baggage.NewMember("orderId", "abc")
		require.NoError(t, err)
		bag, err := baggage.New(member)
		require.NoError(t, err)
		ctx := baggage.ContextWithBaggage(context.Background(), bag)

		headers := p.Inject(ctx, amqp.Table{"x-existing": "kept"})
		assert.Equal(t, "kept", headers["x-existing"])

		got := baggage.FromContext(p.Extract(context.Background(), headers))
		assert.Equal(t, "abc", got.Member("orderId").Value())
	})

	t.Run("missing headers yield no parent", func(t *testing.T) {
		ctx := p.Extract(context.Background(), nil)
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})

	t.Run("malformed headers yield no parent", func(t *testing.T) {
		headers := amqp.Table{
			"traceparent": int64(7),
			"baggage":     []byte("%%%"),
		}
		ctx := p.Extract(context.Background(), headers)
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())

		headers = amqp.Table{"traceparent": []byte("not-a-traceparent")}
		ctx = p.Extract(context.Background(), headers)
		assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
	})
}
