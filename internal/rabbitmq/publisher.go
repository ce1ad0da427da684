package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/tracing"
)

// SessionProvider hands out the current broker session
type SessionProvider interface {
	Session() (Session, error)
}

// Publisher performs fire-and-forget sends. Failed sends are retried with
// the broker backoff policy; a send that still fails is logged, counted and
// returned, and is never fatal.
type Publisher struct {
	sessions       SessionProvider
	topology       *TopologyManager
	propagator     *tracing.Propagator
	policy         reliability.RetryPolicy
	sleep          reliability.Sleeper
	publishTimeout time.Duration
	logger         *slog.Logger
	recorder       metrics.Recorder
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a single publish attempt
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetryPolicy sets the retry policy
func WithPublishRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublishSleeper replaces the wait between attempts
func WithPublishSleeper(sleep reliability.Sleeper) PublisherOption {
	return func(p *Publisher) {
		p.sleep = sleep
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherRecorder sets the metrics sink
func WithPublisherRecorder(recorder metrics.Recorder) PublisherOption {
	return func(p *Publisher) {
		p.recorder = recorder
	}
}

// WithPublisherPropagator sets the trace propagator
func WithPublisherPropagator(propagator *tracing.Propagator) PublisherOption {
	return func(p *Publisher) {
		p.propagator = propagator
	}
}

// NewPublisher creates a new publisher
func NewPublisher(sessions SessionProvider, topology *TopologyManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		sessions:       sessions,
		topology:       topology,
		propagator:     tracing.NewPropagator(nil),
		policy:         reliability.BrokerBackoff(),
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
		recorder:       metrics.Nop(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishDirect sends body to a durable direct exchange with routingKey. An
// empty exchange name targets the default exchange, where routingKey is the
// queue name.
func (p *Publisher) PublishDirect(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.publish(ctx, p.declareExchange(ExchangeDeclaration{
		Name:    exchange,
		Type:    ExchangeDirect,
		Durable: true,
	}), exchange, routingKey, body)
}

// PublishFanout broadcasts body to every queue bound to a durable fanout exchange
func (p *Publisher) PublishFanout(ctx context.Context, exchange string, body []byte) error {
	return p.publish(ctx, p.declareExchange(ExchangeDeclaration{
		Name:    exchange,
		Type:    ExchangeFanout,
		Durable: true,
	}), exchange, "", body)
}

// PublishToQueue declares queue once per session and sends body to it
// through the default exchange
func (p *Publisher) PublishToQueue(ctx context.Context, queue QueueDeclaration, body []byte) error {
	if queue.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	return p.publish(ctx, func(sess Session) error {
		return p.topology.EnsureQueue(sess, queue)
	}, "", queue.Name, body)
}

func (p *Publisher) declareExchange(decl ExchangeDeclaration) func(Session) error {
	return func(sess Session) error {
		return p.topology.EnsureExchange(sess, decl)
	}
}

func (p *Publisher) publish(ctx context.Context, declare func(Session) error, exchange, routingKey string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      p.propagator.Inject(ctx, nil),
		Body:         body,
	}

	attempts := 0
	opts := []reliability.RetryOption{
		reliability.WithOperation("publish"),
		reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			p.recorder.Count(ctx, metrics.RabbitMQRetryTotal, attribute.String("op", "publish"))
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt,
				"nextRetryIn", delay,
				"error", err)
		}),
	}
	if p.sleep != nil {
		opts = append(opts, reliability.WithSleeper(p.sleep))
	}

	err := reliability.Retry(ctx, p.policy, func() error {
		attempts++
		sess, err := p.sessions.Session()
		if err != nil {
			if !IsRetryable(err) {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		}
		if err := declare(sess); err != nil {
			if !IsRetryable(err) {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		}

		pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()

		if err := sess.Channel.PublishWithContext(pubCtx, exchange, routingKey, false, false, msg); err != nil {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        err,
				Timestamp:  time.Now(),
			}
		}
		return nil
	}, opts...)
	if err != nil {
		p.recorder.Count(ctx, metrics.RabbitMQErrorTotal,
			attribute.String("op", "publish"),
			metrics.ErrorType(err))
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId,
			"attempts", attempts,
			"error", err)
		return err
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)
	return nil
}
