package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/glimte/mmate-orders/internal/order/store"
	"github.com/glimte/mmate-orders/internal/order/store/storetest"
)

// Runs only when ORDER_MONGO_TEST_URI points at a disposable server.
func TestStore(t *testing.T) {
	uri := os.Getenv("ORDER_MONGO_TEST_URI")
	if uri == "" {
		t.Skip("ORDER_MONGO_TEST_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db := "orders_test_" + primitive.NewObjectID().Hex()
		s, err := Connect(ctx, uri, db, nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.client.Database(db).Drop(ctx)
			_ = s.Close(ctx)
		})
		return s
	})
}
