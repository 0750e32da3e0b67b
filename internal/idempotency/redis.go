package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kvndo/querygate/internal/plan"
)

// RedisStore persists outcomes across processes so a replay after a
// crash still finds prior work. Best effort: entries expire after TTL
// and this is not a durable transaction log.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func cacheKey(key string) string {
	return fmt.Sprintf("querygate:step:%s", key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*plan.StepOutcome, bool, error) {
	data, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read step cache: %w", err)
	}

	var outcome plan.StepOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached outcome: %w", err)
	}
	return &outcome, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, outcome *plan.StepOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	if err := s.rdb.Set(ctx, cacheKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}
