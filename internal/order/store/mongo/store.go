// Package mongo stores orders in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
)

const (
	// DefaultDatabase is the database holding the orders collection
	DefaultDatabase = "orders"
	// Collection is the collection name
	Collection = "orders"
)

// Store implements store.Store on a mongo collection
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// Connect opens a client for uri and verifies it against the primary
func Connect(ctx context.Context, uri, database string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if database == "" {
		database = DefaultDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	logger.Info("connected to mongo order store", "database", database, "collection", Collection)
	return &Store{
		client:     client,
		collection: client.Database(database).Collection(Collection),
		logger:     logger,
	}, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Order, error) {
	return s.find(ctx, bson.D{})
}

func (s *Store) ListByStatus(ctx context.Context, status string) ([]domain.Order, error) {
	return s.find(ctx, bson.D{{Key: "status", Value: status}})
}

func (s *Store) find(ctx context.Context, filter bson.D) ([]domain.Order, error) {
	cur, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	out := []domain.Order{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id primitive.ObjectID) (domain.Order, error) {
	var o domain.Order
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Order{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", id.Hex(), err)
	}
	return o, nil
}

func (s *Store) Insert(ctx context.Context, o domain.Order) error {
	_, err := s.collection.InsertOne(ctx, o)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID.Hex(), err)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, o domain.Order) error {
	res, err := s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: o.ID}}, o)
	if err != nil {
		return fmt.Errorf("replace order %s: %w", o.ID.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id.Hex(), err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ store.Store = (*Store)(nil)
