// Package redis stores orders as JSON values in a single Redis hash keyed
// by the hex ObjectID.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
)

// DefaultKey is the hash holding every order
const DefaultKey = "orders"

// Store implements store.Store on a Redis hash
type Store struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithKey overrides the hash key
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an existing client
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, key: DefaultKey, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and verifies the connection with PING
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	s := New(client, opts...)
	s.logger.Info("connected to redis order store", "addr", addr, "key", s.key)
	return s, nil
}

func (s *Store) List(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, func(domain.Order) bool { return true })
}

func (s *Store) ListByStatus(ctx context.Context, status string) ([]domain.Order, error) {
	return s.list(ctx, func(o domain.Order) bool { return o.Status == status })
}

func (s *Store) list(ctx context.Context, keep func(domain.Order) bool) ([]domain.Order, error) {
	values, err := s.client.HVals(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]domain.Order, 0, len(values))
	for _, v := range values {
		o, err := decode(v)
		if err != nil {
			return nil, err
		}
		if keep(o) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		return strings.Compare(a.ID.Hex(), b.ID.Hex())
	})
	return out, nil
}

func (s *Store) Get(ctx context.Context, id primitive.ObjectID) (domain.Order, error) {
	v, err := s.client.HGet(ctx, s.key, id.Hex()).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Order{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", id.Hex(), err)
	}
	return decode(v)
}

func (s *Store) Insert(ctx context.Context, o domain.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.key, o.ID.Hex(), raw).Result()
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID.Hex(), err)
	}
	if !ok {
		return store.ErrDuplicateID
	}
	return nil
}

// Replace overwrites an existing order. The existence check and the write
// run under WATCH so a concurrent delete is not resurrected.
func (s *Store) Replace(ctx context.Context, o domain.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	field := o.ID.Hex()

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.key, field).Result()
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, field, raw)
			return nil
		})
		return err
	}, s.key)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("replace order %s: %w", field, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) error {
	n, err := s.client.HDel(ctx, s.key, id.Hex()).Result()
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id.Hex(), err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(v string) (domain.Order, error) {
	var o domain.Order
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return domain.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return o, nil
}

var _ store.Store = (*Store)(nil)
