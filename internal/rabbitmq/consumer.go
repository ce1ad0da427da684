package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/tracing"
)

// MessageHandler processes incoming messages. ctx carries the trace context
// extracted from the delivery headers.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages long-lived queue subscriptions. A subscription whose
// delivery stream ends because the session was lost is re-established on the
// next session.
type Consumer struct {
	sessions        SessionProvider
	topology        *TopologyManager
	propagator      *tracing.Propagator
	policy          reliability.RetryPolicy
	sleep           reliability.Sleeper
	prefetchCount   int
	autoAck         bool
	consumerTag     string
	handlerTimeout  time.Duration
	logger          *slog.Logger
	recorder        metrics.Recorder
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count; ignored with auto-ack
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerRecorder sets the metrics sink
func WithConsumerRecorder(recorder metrics.Recorder) ConsumerOption {
	return func(c *Consumer) {
		c.recorder = recorder
	}
}

// WithConsumerPropagator sets the propagator used to extract trace headers
func WithConsumerPropagator(propagator *tracing.Propagator) ConsumerOption {
	return func(c *Consumer) {
		c.propagator = propagator
	}
}

// WithResubscribePolicy sets the policy used to resubscribe after a lost session
func WithResubscribePolicy(policy reliability.RetryPolicy, sleep reliability.Sleeper) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
		c.sleep = sleep
	}
}

// NewConsumer creates a new consumer
func NewConsumer(sessions SessionProvider, topology *TopologyManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		sessions:       sessions,
		topology:       topology,
		propagator:     tracing.NewPropagator(nil),
		policy:         reliability.BrokerBackoff(),
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
		recorder:       metrics.Nop(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	Declaration QueueDeclaration
	ConsumerTag string
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe declares queue as a plain non-durable queue and starts
// consuming it
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	return c.SubscribeQueue(ctx, QueueDeclaration{Name: queue}, handler)
}

// SubscribeQueue declares decl and starts consuming it. The same declaration
// is used when the subscription is re-established on a new session, so it
// must match how the queue already exists on the broker.
func (c *Consumer) SubscribeQueue(ctx context.Context, decl QueueDeclaration, handler MessageHandler) error {
	queue := decl.Name
	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	if _, exists := c.activeConsumers.Load(queue); exists {
		return fmt.Errorf("already subscribed to queue: %s", queue)
	}

	tag := c.consumerTag
	if tag == "" {
		tag = "order-service-" + uuid.NewString()
	}

	ch, deliveries, err := c.consume(decl, tag)
	if err != nil {
		return err
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &ConsumerInfo{
		Queue:       queue,
		Declaration: decl,
		ConsumerTag: tag,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(queue, info)

	go c.run(consumerCtx, info, ch, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"durable", decl.Durable,
		"autoAck", c.autoAck,
	)

	return nil
}

func (c *Consumer) consume(decl QueueDeclaration, tag string) (Channel, <-chan amqp.Delivery, error) {
	queue := decl.Name
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	sess, err := c.sessions.Session()
	if err != nil {
		return nil, nil, fail("subscribe", err)
	}

	if _, err := c.topology.DeclareQueue(sess, decl); err != nil {
		return nil, nil, fail("declare", err)
	}

	if !c.autoAck {
		if err := sess.Channel.Qos(c.prefetchCount, 0, false); err != nil {
			return nil, nil, fail("qos", err)
		}
	}

	deliveries, err := sess.Channel.Consume(queue, tag, c.autoAck, false, false, false, nil)
	if err != nil {
		return nil, nil, fail("consume", err)
	}
	return sess.Channel, deliveries, nil
}

// run drains deliveries until ctx is done, resubscribing when the stream ends
func (c *Consumer) run(ctx context.Context, info *ConsumerInfo, ch Channel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		if ch != nil && !ch.IsClosed() {
			if err := ch.Cancel(info.ConsumerTag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "queue", info.Queue, "error", err)
			}
		}
		c.activeConsumers.Delete(info.Queue)
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue)
	}()

	for {
		if !c.processMessages(ctx, info, deliveries, handler) {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing", "queue", info.Queue)

		opts := []reliability.RetryOption{
			reliability.WithOperation("resubscribe"),
			reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
				c.recorder.Count(ctx, metrics.RabbitMQRetryTotal, attribute.String("op", "consume"))
				c.logger.Warn("resubscribe attempt failed",
					"queue", info.Queue,
					"attempt", attempt,
					"nextRetryIn", delay,
					"error", err)
			}),
		}
		if c.sleep != nil {
			opts = append(opts, reliability.WithSleeper(c.sleep))
		}

		err := reliability.Retry(ctx, c.policy, func() error {
			var err error
			ch, deliveries, err = c.consume(info.Declaration, info.ConsumerTag)
			if err != nil && !IsRetryable(err) {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		}, opts...)
		if err != nil {
			if ctx.Err() == nil {
				c.recorder.Count(ctx, metrics.RabbitMQErrorTotal,
					attribute.String("op", "consume"),
					metrics.ErrorType(err))
				c.logger.Error("failed to resubscribe", "queue", info.Queue, "error", err)
			}
			return
		}
	}
}

// processMessages handles deliveries until ctx is done (false) or the
// delivery channel closes (true)
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.recorder.Count(ctx, metrics.AppErrorTotal, attribute.String("queue", info.Queue))
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", info.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handleMessage processes a single message
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx, cancel := context.WithTimeout(c.propagator.Extract(ctx, delivery.Headers), c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)

	if !c.autoAck {
		if err != nil {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack message",
					"error", nackErr,
					"originalError", err,
				)
			}
		} else if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
	}

	return err
}

// Unsubscribe stops consuming from a queue and waits for the consumer to exit
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
