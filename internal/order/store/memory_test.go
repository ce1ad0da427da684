package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-orders/internal/order/store"
	"github.com/glimte/mmate-orders/internal/order/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemory() })

	t.Run("honours a cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.NewMemory().List(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
