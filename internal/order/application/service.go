// Package application implements the order use cases on top of a store and
// the broker-backed notification client.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/rpc"
)

// DefaultNotifyQueue receives the test messages sent by Send
const DefaultNotifyQueue = "Commande"

// ErrNoSender is returned by Send when no publisher is configured
var ErrNoSender = errors.New("no sender configured")

// Service is the order use-case layer
type Service struct {
	store       store.Store
	notifier    Notifier
	breaker     *reliability.Breaker
	sender      Sender
	notifyQueue rabbitmq.QueueDeclaration
	logger      *slog.Logger
	recorder    metrics.Recorder
}

// Option configures the service
type Option func(*Service)

// WithSender enables Send. queue must match how the notify queue exists on
// the broker; an empty name keeps DefaultNotifyQueue.
func WithSender(sender Sender, queue rabbitmq.QueueDeclaration) Option {
	return func(s *Service) {
		s.sender = sender
		if queue.Name == "" {
			queue.Name = DefaultNotifyQueue
		}
		s.notifyQueue = queue
	}
}

// WithBreaker guards notifications with b. While b is open orders are
// stored without calling the fulfillment system.
func WithBreaker(b *reliability.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRecorder sets the metrics sink
func WithRecorder(recorder metrics.Recorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// NewService creates the service. notifier may be nil, in which case orders
// are stored without notification.
func NewService(st store.Store, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:       st,
		notifier:    notifier,
		notifyQueue: rabbitmq.QueueDeclaration{Name: DefaultNotifyQueue},
		logger:      slog.Default(),
		recorder:    metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every stored order
func (s *Service) List(ctx context.Context) ([]domain.Order, error) {
	orders, err := s.store.List(ctx)
	if err != nil {
		return nil, s.dbError(ctx, "list", err)
	}
	return orders, nil
}

// ListCompleted returns the orders whose status is completed
func (s *Service) ListCompleted(ctx context.Context) ([]domain.Order, error) {
	orders, err := s.store.ListByStatus(ctx, domain.StatusCompleted)
	if err != nil {
		return nil, s.dbError(ctx, "list_by_status", err)
	}
	return orders, nil
}

// Get returns one order. id must be a hex ObjectID.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	oid, err := domain.ParseID(id)
	if err != nil {
		return domain.Order{}, err
	}
	o, err := s.store.Get(ctx, oid)
	if err != nil {
		return domain.Order{}, s.dbError(ctx, "get", err)
	}
	return o, nil
}

// Create stores the order and then notifies the fulfillment system. A
// failed notification is logged and does not fail the creation.
func (s *Service) Create(ctx context.Context, dto domain.OrderDTO) (domain.Order, error) {
	o := dto.ToOrder()
	if err := s.store.Insert(ctx, o); err != nil {
		return domain.Order{}, s.dbError(ctx, "insert", err)
	}
	s.recorder.Add(ctx, metrics.ActiveOrders, 1)

	s.notify(ctx, o)
	return o, nil
}

func (s *Service) notify(ctx context.Context, o domain.Order) {
	if s.notifier == nil {
		return
	}
	message, err := domain.NewNotification(o).Encode()
	if err != nil {
		s.logger.Error("failed to encode order notification", "orderId", o.ID.Hex(), "error", err)
		return
	}
	s.logger.Info("order posted", "orderId", o.ID.Hex(), "message", message)

	reply, err := s.call(ctx, message)
	if errors.Is(err, reliability.ErrBreakerOpen) {
		s.logger.Warn("order notification skipped", "orderId", o.ID.Hex(), "error", err)
		return
	}
	if err != nil {
		s.recorder.Count(ctx, metrics.AppErrorTotal,
			attribute.String("op", "notify"),
			attribute.String("kind", rpc.KindOf(err).String()))
		if rpc.KindOf(err) == rpc.KindConnectivity {
			s.logger.Error("failed to reach the broker", "orderId", o.ID.Hex(), "error", err)
		} else {
			s.logger.Error("order notification failed", "orderId", o.ID.Hex(), "error", err)
		}
		return
	}

	result, err := domain.ParseFulfillmentReply(reply)
	switch {
	case err != nil:
		s.logger.Warn("unreadable fulfillment reply", "orderId", o.ID.Hex(), "reply", reply, "error", err)
	case result.Status != domain.FulfillmentOK:
		s.logger.Warn("order not fulfilled", "orderId", o.ID.Hex(), "status", result.Status, "message", result.Message)
	default:
		s.logger.Info("order fulfilled", "orderId", o.ID.Hex(), "reply", reply)
	}
}

func (s *Service) call(ctx context.Context, message string) (string, error) {
	if s.breaker == nil {
		return s.notifier.Call(ctx, message)
	}
	var reply string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		reply, err = s.notifier.Call(ctx, message)
		return err
	})
	return reply, err
}

// NotificationFailure reports whether a notification error says something
// about the fulfillment path rather than about the caller.
func NotificationFailure(err error) bool {
	switch rpc.KindOf(err) {
	case rpc.KindConnectivity, rpc.KindPublish, rpc.KindTimeout:
		return true
	}
	return false
}

// Update replaces the order stored under id. The id in the path wins over
// any id carried by the DTO.
func (s *Service) Update(ctx context.Context, id string, dto domain.OrderDTO) (domain.Order, error) {
	oid, err := domain.ParseID(id)
	if err != nil {
		return domain.Order{}, err
	}
	o := dto.ToOrder()
	o.ID = oid
	if err := s.store.Replace(ctx, o); err != nil {
		return domain.Order{}, s.dbError(ctx, "replace", err)
	}
	return o, nil
}

// Delete removes the order stored under id
func (s *Service) Delete(ctx context.Context, id string) error {
	oid, err := domain.ParseID(id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, oid); err != nil {
		return s.dbError(ctx, "delete", err)
	}
	s.recorder.Add(ctx, metrics.ActiveOrders, -1)
	return nil
}

// Send declares the notify queue and publishes a one-way message to it
func (s *Service) Send(ctx context.Context, message string) error {
	if s.sender == nil {
		return ErrNoSender
	}
	s.logger.Info("sending message", "queue", s.notifyQueue.Name, "message", message)
	if err := s.sender.PublishToQueue(ctx, s.notifyQueue, []byte(message)); err != nil {
		return fmt.Errorf("send to %s: %w", s.notifyQueue.Name, err)
	}
	return nil
}

// Ping checks the store
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) dbError(ctx context.Context, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.recorder.Count(ctx, metrics.DBErrorTotal, attribute.String("op", op), metrics.ErrorType(err))
	s.logger.Error("order store operation failed", "op", op, "error", err)
	return fmt.Errorf("%s order: %w", op, err)
}
