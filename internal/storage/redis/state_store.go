package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/geolink/internal/scheduler"
)

// StateStore implements scheduler.StateStore. Each key holds the last
// evaluation time in Unix milliseconds and expires with the cool-down window.
type StateStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewStateStore wraps an existing client.
func NewStateStore(client goredis.UniversalClient, prefix string) (*StateStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &StateStore{client: client, prefix: prefix}, nil
}

func (s *StateStore) key(k scheduler.Key) string {
	out := "trigger:" + k.AccountID + ":" + k.LinkID
	if s.prefix == "" {
		return out
	}
	return s.prefix + ":" + out
}

// LoadTrigger reports ok=false when no state is stored.
func (s *StateStore) LoadTrigger(ctx context.Context, key scheduler.Key) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis load trigger %s/%s: %w", key.AccountID, key.LinkID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// SaveTrigger stores lastEvaluated. A non-positive ttl keeps the key forever.
func (s *StateStore) SaveTrigger(ctx context.Context, key scheduler.Key, lastEvaluated time.Time, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), lastEvaluated.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis save trigger %s/%s: %w", key.AccountID, key.LinkID, err)
	}
	return nil
}
