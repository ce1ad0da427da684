package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/observability/metrics/metricstest"
)

func newPublisher(cm *rabbitmq.ConnectionManager, sleeper *rabbitmqtest.Sleeper, recorder metrics.Recorder) *rabbitmq.Publisher {
	return rabbitmq.NewPublisher(cm, rabbitmq.NewTopologyManager(),
		rabbitmq.WithPublishSleeper(sleeper.Sleep),
		rabbitmq.WithPublisherLogger(quietLogger),
		rabbitmq.WithPublisherRecorder(recorder),
	)
}

func TestPublisher(t *testing.T) {
	t.Run("publishes to a durable direct exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())

		require.NoError(t, p.PublishDirect(context.Background(), "orders", "created", []byte("hello")))

		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "orders", published[0].Exchange)
		assert.Equal(t, "created", published[0].Key)
		assert.Equal(t, []byte("hello"), published[0].Msg.Body)
		assert.Equal(t, amqp.Persistent, published[0].Msg.DeliveryMode)
		assert.NotEmpty(t, published[0].Msg.MessageId)
		assert.Empty(t, published[0].Msg.CorrelationId)
		assert.Empty(t, published[0].Msg.ReplyTo)
		assert.Equal(t, 1, broker.Declared("orders"))
	})

	t.Run("targets a queue through the default exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())

		require.NoError(t, p.PublishDirect(context.Background(), "", "Commande", []byte("hi")))

		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "Commande", published[0].Key)
		assert.Zero(t, broker.Declared(""))
	})

	t.Run("broadcasts on a fanout exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())

		require.NoError(t, p.PublishFanout(context.Background(), "order-events", []byte("x")))

		published := broker.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "order-events", published[0].Exchange)
		assert.Empty(t, published[0].Key)
	})

	t.Run("injects the caller trace context", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())

		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())
		ctx, span := tp.Tracer("test").Start(context.Background(), "send")
		defer span.End()

		require.NoError(t, p.PublishFanout(ctx, "order-events", []byte("x")))

		headers := broker.Published()[0].Msg.Headers
		require.Contains(t, headers, "traceparent")
		assert.Contains(t, string(headers["traceparent"].([]byte)), span.SpanContext().TraceID().String())
	})

	t.Run("retries failed publishes with backoff then reports", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		broker.SetPublishError(errors.New("channel blocked"))
		sleeper := &rabbitmqtest.Sleeper{}
		recorder := metricstest.New()
		p := newPublisher(cm, sleeper, recorder)

		err := p.PublishDirect(context.Background(), "orders", "created", []byte("x"))

		require.Error(t, err)
		assert.ErrorIs(t, err, reliability.ErrMaxRetriesExceeded)
		assert.Equal(t, rabbitmq.KindPublish, rabbitmq.KindOf(err))
		assert.Equal(t, []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		}, sleeper.Delays())
		assert.Equal(t, int64(5), recorder.Value(metrics.RabbitMQRetryTotal))
		assert.Equal(t, int64(1), recorder.Value(metrics.RabbitMQErrorTotal))
	})

	t.Run("recovers when a retry succeeds", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		broker.SetPublishError(errors.New("channel blocked"))
		sleeper := &rabbitmqtest.Sleeper{}
		p := rabbitmq.NewPublisher(cm, rabbitmq.NewTopologyManager(),
			rabbitmq.WithPublisherLogger(quietLogger),
			rabbitmq.WithPublishSleeper(func(ctx context.Context, d time.Duration) error {
				broker.SetPublishError(nil)
				return sleeper.Sleep(ctx, d)
			}),
		)

		require.NoError(t, p.PublishDirect(context.Background(), "orders", "created", []byte("x")))
		assert.Len(t, broker.Published(), 1)
		assert.Len(t, sleeper.Delays(), 1)
	})

	t.Run("reports connectivity when the broker is unreachable", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(broker, &rabbitmqtest.Sleeper{})
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())

		err := p.PublishDirect(context.Background(), "", "Commande", []byte("x"))

		assert.Equal(t, rabbitmq.KindConnectivity, rabbitmq.KindOf(err))
		assert.Empty(t, broker.Published())
	})

	t.Run("stops when the caller gives up", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		broker.SetPublishError(errors.New("channel blocked"))
		ctx, cancel := context.WithCancel(context.Background())
		p := rabbitmq.NewPublisher(cm, rabbitmq.NewTopologyManager(),
			rabbitmq.WithPublisherLogger(quietLogger),
			rabbitmq.WithPublishSleeper(func(ctx context.Context, d time.Duration) error {
				cancel()
				return ctx.Err()
			}),
		)

		err := p.PublishDirect(ctx, "orders", "created", []byte("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("declares the target queue once per session before sending", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, _ := connectedSession(t, broker)
		p := newPublisher(cm, &rabbitmqtest.Sleeper{}, metrics.Nop())
		queue := rabbitmq.QueueDeclaration{Name: "Commande"}

		require.NoError(t, p.PublishToQueue(context.Background(), queue, []byte("a")))
		require.NoError(t, p.PublishToQueue(context.Background(), queue, []byte("b")))

		assert.Equal(t, 1, broker.Declared("Commande"))
		published := broker.Published()
		require.Len(t, published, 2)
		assert.Empty(t, published[0].Exchange)
		assert.Equal(t, "Commande", published[0].Key)
	})

	t.Run("does not retry a conflicting queue declaration", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm, sess := connectedSession(t, broker)
		_, err := rabbitmq.NewTopologyManager().DeclareQueue(sess, rabbitmq.QueueDeclaration{Name: "Commande", Durable: true})
		require.NoError(t, err)
		sleeper := &rabbitmqtest.Sleeper{}
		p := newPublisher(cm, sleeper, metrics.Nop())

		err = p.PublishToQueue(context.Background(), rabbitmq.QueueDeclaration{Name: "Commande"}, []byte("x"))

		assert.Equal(t, rabbitmq.KindTopology, rabbitmq.KindOf(err))
		assert.Empty(t, sleeper.Delays())
		assert.Empty(t, broker.Published())
		assert.True(t, cm.IsConnected())
		assert.False(t, sess.Channel.IsClosed())
	})
}
