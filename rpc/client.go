package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/tracing"
)

const tracerName = "github.com/glimte/mmate-orders/rpc"

// replyRoute is a reply queue and its listener. A session has at most one
// live route; a new one replaces it when the reply stream ends.
type replyRoute struct {
	id       uint64
	session  uint64
	queue    string
	listener *replyListener
}

// Client issues request/reply calls over the broker. It is safe for
// concurrent use; calls share the session channel and reply queue and are
// told apart by correlation id.
type Client struct {
	sessions   rabbitmq.SessionProvider
	topology   *rabbitmq.TopologyManager
	registry   *Registry
	exchange   string
	routingKey string
	timeout    time.Duration
	propagator *tracing.Propagator
	tracer     trace.Tracer
	logger     *slog.Logger
	recorder   metrics.Recorder

	route    atomic.Pointer[replyRoute]
	routeMu  sync.Mutex
	routeSeq atomic.Uint64

	// testHookBeforeRegister runs between route lookup and registration
	testHookBeforeRegister func()

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient creates a client on top of the connection manager's sessions.
// The reply queue is declared lazily by the first call.
func NewClient(sessions rabbitmq.SessionProvider, topology *rabbitmq.TopologyManager, opts ...Option) *Client {
	c := &Client{
		sessions:   sessions,
		topology:   topology,
		registry:   NewRegistry(),
		exchange:   DefaultExchange,
		routingKey: DefaultRoutingKey,
		propagator: tracing.NewPropagator(nil),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		logger:     slog.Default(),
		recorder:   metrics.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Registry exposes the correlation registry
func (c *Client) Registry() *Registry {
	return c.registry
}

// Call publishes message and waits for the matching reply. The reply body is
// returned as is. Every failure is an *Error; a reply that arrives after the
// call gave up is dropped.
func (c *Client) Call(ctx context.Context, message string) (reply string, err error) {
	token := uuid.NewString()

	defer func() {
		if r := recover(); r != nil {
			c.registry.CancelAndRemove(token, ErrInternal)
			err = c.fail(ctx, KindInternal, "call", token, fmt.Errorf("panic: %v", r))
		}
	}()

	if c.closed.Load() {
		return "", &Error{Kind: KindClosed, Op: "call", CorrelationID: token, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: contextKind(err), Op: "call", CorrelationID: token, Err: err}
	}

	sess, err := c.sessions.Session()
	if err != nil {
		return "", c.fail(ctx, KindConnectivity, "session", token, err)
	}

	route, err := c.ensureRoute(sess)
	if err != nil {
		return "", c.fail(ctx, classify(err, KindConnectivity), "reply-queue", token, err)
	}

	err = c.topology.EnsureExchange(sess, rabbitmq.ExchangeDeclaration{
		Name:    c.exchange,
		Type:    rabbitmq.ExchangeDirect,
		Durable: true,
	})
	if err != nil {
		return "", c.fail(ctx, classify(err, KindPublish), "declare", token, err)
	}

	if c.testHookBeforeRegister != nil {
		c.testHookBeforeRegister()
	}

	waiter, err := c.registry.register(token, route.id)
	if err != nil {
		return "", c.fail(ctx, KindInternal, "register", token, err)
	}
	// a route lost before registration has already cancelled its waiters
	if c.route.Load() != route {
		c.registry.CancelAndRemove(token, rabbitmq.ErrConnectionClosed)
		return "", c.fail(ctx, KindConnectivity, "reply-queue", token, rabbitmq.ErrConnectionClosed)
	}

	ctx, span := c.tracer.Start(ctx, c.exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", c.exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", c.routingKey),
			attribute.String("messaging.message.conversation_id", token),
		),
	)
	defer span.End()

	msg := amqp.Publishing{
		ContentType:   "text/plain",
		CorrelationId: token,
		ReplyTo:       route.queue,
		Timestamp:     time.Now(),
		Headers:       c.propagator.Inject(ctx, nil),
		Body:          []byte(message),
	}

	if err := sess.Channel.PublishWithContext(ctx, c.exchange, c.routingKey, false, false, msg); err != nil {
		c.registry.CancelAndRemove(token, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")

		kind := KindPublish
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = contextKind(ctxErr)
		}
		return "", c.fail(ctx, kind, "publish", token, &rabbitmq.PublishError{
			Exchange:   c.exchange,
			RoutingKey: c.routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		})
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case o := <-waiter.done:
		return c.complete(ctx, span, token, o)
	case <-ctx.Done():
		return c.abandon(ctx, span, waiter, contextKind(ctx.Err()), ctx.Err())
	case <-timeout:
		return c.abandon(ctx, span, waiter, KindTimeout, context.DeadlineExceeded)
	}
}

// abandon gives up on waiter unless a reply won the race
func (c *Client) abandon(ctx context.Context, span trace.Span, waiter *Waiter, kind Kind, cause error) (string, error) {
	if !c.registry.CancelAndRemove(waiter.token, cause) {
		return c.complete(ctx, span, waiter.token, <-waiter.done)
	}

	span.SetAttributes(attribute.String("rpc.outcome", kind.String()))
	c.logger.Debug("rpc call abandoned",
		"correlationId", waiter.token,
		"reason", kind,
		"waited", waiter.Age())
	return "", &Error{Kind: kind, Op: "await", CorrelationID: waiter.token, Err: cause}
}

func (c *Client) complete(ctx context.Context, span trace.Span, token string, o outcome) (string, error) {
	if o.err != nil {
		kind := KindConnectivity
		if errors.Is(o.err, ErrClosed) {
			kind = KindClosed
		}
		span.RecordError(o.err)
		span.SetStatus(codes.Error, kind.String())
		return "", c.fail(ctx, kind, "await", token, o.err)
	}

	span.SetAttributes(attribute.Int("messaging.reply.body.size", len(o.body)))
	return string(o.body), nil
}

// fail logs, counts and wraps a failed call
func (c *Client) fail(ctx context.Context, kind Kind, op, token string, err error) error {
	c.recorder.Count(ctx, metrics.RabbitMQErrorTotal,
		attribute.String("op", "rpc_"+op),
		metrics.ErrorType(err))
	c.logger.Error("rpc call failed",
		"op", op,
		"kind", kind,
		"errorType", fmt.Sprintf("%T", err),
		"correlationId", token,
		"error", err)
	return &Error{Kind: kind, Op: op, CorrelationID: token, Err: err}
}

// ensureRoute returns the reply route of sess, creating it on first use.
// Concurrent first callers share a single declaration.
func (c *Client) ensureRoute(sess rabbitmq.Session) (*replyRoute, error) {
	if r := c.route.Load(); r != nil && r.session == sess.ID {
		return r, nil
	}

	c.routeMu.Lock()
	defer c.routeMu.Unlock()

	if r := c.route.Load(); r != nil && r.session == sess.ID {
		return r, nil
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if old := c.route.Swap(nil); old != nil {
		old.listener.stop()
		c.topology.Forget(old.session)
		c.registry.cancelRoute(old.id, rabbitmq.ErrConnectionClosed)
	}

	queue, err := c.topology.DeclareReplyQueue(sess)
	if err != nil {
		return nil, err
	}

	l := newReplyListener(sess, queue, c)
	route := &replyRoute{id: c.routeSeq.Add(1), session: sess.ID, queue: queue, listener: l}
	l.onLost = func(*replyListener) {
		c.route.CompareAndSwap(route, nil)
		if n := c.registry.cancelRoute(route.id, rabbitmq.ErrConnectionClosed); n > 0 {
			c.logger.Warn("cancelled calls waiting on a lost reply queue",
				"replyQueue", route.queue,
				"pending", n)
		}
	}
	if err := l.start(); err != nil {
		return nil, err
	}

	c.route.Store(route)
	c.logger.Info("rpc reply queue ready", "replyQueue", queue, "session", sess.ID)
	return route, nil
}

// Close cancels pending calls and stops the reply listener. It does not
// close the broker connection. Only the first call does any work.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.routeMu.Lock()
		route := c.route.Swap(nil)
		c.routeMu.Unlock()

		// after the swap, calls registering late see the route gone
		n := c.registry.CancelAll(ErrClosed)

		if route != nil {
			route.listener.stop()
			<-route.listener.done
		}

		c.logger.Info("rpc client closed", "cancelled", n)
	})
	return nil
}

func contextKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCancelled
}

// classify maps broker failures onto call kinds
func classify(err error, fallback Kind) Kind {
	switch rabbitmq.KindOf(err) {
	case rabbitmq.KindConnectivity:
		return KindConnectivity
	case rabbitmq.KindCancelled:
		return contextKind(err)
	default:
		return fallback
	}
}
