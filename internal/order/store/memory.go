package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/glimte/mmate-orders/internal/order/domain"
)

// Memory is a process-local Store. Listings are ordered by id, which for
// generated ObjectIDs is creation order. Orders are copied in and out, so
// callers never share a Products slice with the store.
type Memory struct {
	mu     sync.RWMutex
	orders map[primitive.ObjectID]domain.Order
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{orders: make(map[primitive.ObjectID]domain.Order)}
}

func (m *Memory) List(ctx context.Context) ([]domain.Order, error) {
	return m.filter(ctx, func(domain.Order) bool { return true })
}

func (m *Memory) ListByStatus(ctx context.Context, status string) ([]domain.Order, error) {
	return m.filter(ctx, func(o domain.Order) bool { return o.Status == status })
}

func (m *Memory) filter(ctx context.Context, keep func(domain.Order) bool) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := lo.FilterMap(lo.Values(m.orders), func(o domain.Order, _ int) (domain.Order, bool) {
		return clone(o), keep(o)
	})
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Order) int {
		return strings.Compare(a.ID.Hex(), b.ID.Hex())
	})
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id primitive.ObjectID) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return clone(o), nil
}

func (m *Memory) Insert(ctx context.Context, o domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateID
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *Memory) Replace(ctx context.Context, o domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id primitive.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

func clone(o domain.Order) domain.Order {
	o.Products = slices.Clone(o.Products)
	return o
}

// Ping always succeeds
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ Store = (*Memory)(nil)
