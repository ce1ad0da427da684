// Package store defines the order persistence contract and an in-memory
// implementation. Document-store backed implementations live in the mongo
// and redis subpackages.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/glimte/mmate-orders/internal/order/domain"
)

var (
	// ErrNotFound is returned when no order has the requested id
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateID is returned by Insert when the id is already stored
	ErrDuplicateID = errors.New("order id already exists")
)

// Store is the CRUD contract consumed by the order service. Ids are
// validated by the caller.
type Store interface {
	List(ctx context.Context) ([]domain.Order, error)
	ListByStatus(ctx context.Context, status string) ([]domain.Order, error)
	Get(ctx context.Context, id primitive.ObjectID) (domain.Order, error)
	Insert(ctx context.Context, o domain.Order) error
	Replace(ctx context.Context, o domain.Order) error
	Delete(ctx context.Context, id primitive.ObjectID) error
	Ping(ctx context.Context) error
}
