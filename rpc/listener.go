package rpc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/tracing"
)

// inbound is a reply decoded off the delivery stream
type inbound struct {
	correlationID string
	headers       amqp.Table
	body          []byte
	received      time.Time
}

// replyListener consumes one reply queue. The delivery goroutine only
// decodes and forwards records; matching them to waiters happens on the
// dispatch goroutine.
type replyListener struct {
	queue      string
	session    uint64
	tag        string
	channel    rabbitmq.Channel
	registry   *Registry
	propagator *tracing.Propagator
	tracer     trace.Tracer
	logger     *slog.Logger
	recorder   metrics.Recorder

	records  chan inbound
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	done     chan struct{}

	// called once if the delivery stream ends without stop
	onLost func(l *replyListener)
}

func newReplyListener(sess rabbitmq.Session, queue string, c *Client) *replyListener {
	return &replyListener{
		queue:      queue,
		session:    sess.ID,
		tag:        "rpc-reply-" + uuid.NewString(),
		channel:    sess.Channel,
		registry:   c.registry,
		propagator: c.propagator,
		tracer:     c.tracer,
		logger:     c.logger.With("replyQueue", queue, "session", sess.ID),
		recorder:   c.recorder,
		records:    make(chan inbound, 256),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start begins consuming the reply queue
func (l *replyListener) start() error {
	deliveries, err := l.channel.Consume(l.queue, l.tag, true, true, false, false, nil)
	if err != nil {
		return &rabbitmq.ConsumerError{
			Queue:       l.queue,
			ConsumerTag: l.tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go l.receive(deliveries)
	go l.dispatch()

	l.logger.Debug("reply listener started")
	return nil
}

func (l *replyListener) receive(deliveries <-chan amqp.Delivery) {
	defer close(l.records)

	for {
		select {
		case <-l.stopCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			rec := inbound{
				correlationID: d.CorrelationId,
				headers:       d.Headers,
				body:          d.Body,
				received:      time.Now(),
			}
			select {
			case l.records <- rec:
			case <-l.stopCh:
				return
			}
		}
	}
}

func (l *replyListener) dispatch() {
	defer close(l.done)

	for rec := range l.records {
		l.handle(rec)
	}

	if !l.stopped.Load() {
		l.logger.Warn("reply stream ended")
		if l.onLost != nil {
			l.onLost(l)
		}
	}
}

// handle matches one reply to its waiter
func (l *replyListener) handle(rec inbound) {
	if rec.correlationID == "" {
		l.recorder.Count(context.Background(), metrics.RPCReplyDroppedTotal,
			attribute.String("reason", "missing_correlation_id"))
		l.logger.Warn("dropping reply without correlation id", "bytes", len(rec.body))
		return
	}

	ctx := l.propagator.Extract(context.Background(), rec.headers)
	ctx, span := l.tracer.Start(ctx, "rpc reply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithTimestamp(rec.received),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "receive"),
			attribute.String("messaging.destination.name", l.queue),
			attribute.String("messaging.message.conversation_id", rec.correlationID),
			attribute.Int("messaging.message.body.size", len(rec.body)),
		),
	)
	defer span.End()

	if !l.registry.Resolve(rec.correlationID, rec.body) {
		span.SetAttributes(attribute.Bool("rpc.reply.stale", true))
		l.recorder.Count(ctx, metrics.RPCReplyDroppedTotal,
			attribute.String("reason", "no_pending_call"))
		l.logger.Debug("no pending call for reply", "correlationId", rec.correlationID)
	}
}

// stop cancels the consumer and ends both goroutines
func (l *replyListener) stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
		if !l.channel.IsClosed() {
			if err := l.channel.Cancel(l.tag, false); err != nil {
				l.logger.Warn("failed to cancel reply consumer", "error", err)
			}
		}
	})
}
