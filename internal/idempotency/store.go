// Package idempotency remembers which order events the payments consumer has
// already processed, so redelivered copies can be acknowledged without
// touching the payment store. It is an optimisation only: the payment
// orchestrator stays idempotent on its own.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (s *Store) Key(eventID string) string {
	return fmt.Sprintf("idem:%s:%s", s.prefix, eventID)
}

// Seen reports whether eventID was marked processed.
func (s *Store) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	_, err := s.rdb.Get(ctx, s.Key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event %s: %w", eventID, err)
	}
	return true, nil
}

// MarkProcessed records eventID. Call it only after the event's effects are durable.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	if err := s.rdb.SetNX(ctx, s.Key(eventID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	return nil
}
