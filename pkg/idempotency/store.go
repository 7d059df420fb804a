package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a redis-backed duplicate guard for consumer offsets and provider
// event ids. It is a fast path only: the authoritative dedup record lives in
// the database, written inside the same transaction as the business effect.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// OffsetKey identifies a consumed kafka message.
func OffsetKey(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%d:%d", topic, partition, offset)
}

// EventKey identifies an external payment-provider event.
func EventKey(provider, eventID string) string {
	return fmt.Sprintf("idem:evt:%s:%s", provider, eventID)
}

// Seen reports whether the key was already marked. It never marks: callers
// mark only after the guarded work succeeded, so a failed attempt stays
// redeliverable.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records the key with the store's TTL.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
