// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
)

// NewOrder returns a valid order with a fresh id
func NewOrder(status string) domain.Order {
	return domain.Order{
		ID:        primitive.NewObjectID(),
		IDUser:    "user-1",
		Timestamp: 1717171717,
		Status:    status,
		Address:   "1 rue de la Paix",
		Products:  []domain.Product{{IDProduct: "p1", Name: "banane", Quantity: "5"}},
	}
}

// Run exercises a store created fresh for every subtest
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("insert then get", func(t *testing.T) {
		s := newStore(t)
		o := NewOrder("pending")

		require.NoError(t, s.Insert(ctx, o))
		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o, got)
	})

	t.Run("insert rejects a duplicate id", func(t *testing.T) {
		s := newStore(t)
		o := NewOrder("pending")

		require.NoError(t, s.Insert(ctx, o))
		assert.ErrorIs(t, s.Insert(ctx, o), store.ErrDuplicateID)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, primitive.NewObjectID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list returns every order and filters by status", func(t *testing.T) {
		s := newStore(t)
		a, b, c := NewOrder("pending"), NewOrder(domain.StatusCompleted), NewOrder(domain.StatusCompleted)
		for _, o := range []domain.Order{a, b, c} {
			require.NoError(t, s.Insert(ctx, o))
		}

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.Order{a, b, c}, all)

		done, err := s.ListByStatus(ctx, domain.StatusCompleted)
		require.NoError(t, err)
		assert.ElementsMatch(t, []domain.Order{b, c}, done)
	})

	t.Run("list on an empty store", func(t *testing.T) {
		s := newStore(t)
		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("replace overwrites an existing order", func(t *testing.T) {
		s := newStore(t)
		o := NewOrder("pending")
		require.NoError(t, s.Insert(ctx, o))

		o.Status = domain.StatusCompleted
		o.Address = "2 avenue Foch"
		require.NoError(t, s.Replace(ctx, o))

		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, o, got)
	})

	t.Run("replace unknown id", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Replace(ctx, NewOrder("pending")), store.ErrNotFound)
	})

	t.Run("delete removes the order once", func(t *testing.T) {
		s := newStore(t)
		o := NewOrder("pending")
		require.NoError(t, s.Insert(ctx, o))

		require.NoError(t, s.Delete(ctx, o.ID))
		assert.ErrorIs(t, s.Delete(ctx, o.ID), store.ErrNotFound)
		_, err := s.Get(ctx, o.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("orders read back do not share products with the store", func(t *testing.T) {
		s := newStore(t)
		o := NewOrder("pending")
		require.NoError(t, s.Insert(ctx, o))
		o.Products[0].Quantity = "99"

		got, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "5", got.Products[0].Quantity)
		got.Products[0].Quantity = "42"

		listed, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "5", listed[0].Products[0].Quantity)
		listed[0].Products[0].Name = "pomme"

		again, err := s.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Product{IDProduct: "p1", Name: "banane", Quantity: "5"}, again.Products[0])
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
