package budget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLedger stores each tenant's usage window in a sorted set keyed by
// event timestamp, so pruning is a single ZREMRANGEBYSCORE. Members are
// "uuid:bytes" because sorted-set members must be unique.
type RedisLedger struct {
	rdb    *redis.Client
	budget int64
	now    func() time.Time
}

func NewRedisLedger(rdb *redis.Client, budgetBytes int64) *RedisLedger {
	return &RedisLedger{rdb: rdb, budget: budgetBytes, now: time.Now}
}

func ledgerKey(tenantID string) string {
	return fmt.Sprintf("querygate:budget:%s", tenantID)
}

func (l *RedisLedger) Check(ctx context.Context, tenantID string, estimatedBytes int64) (*Status, error) {
	key := ledgerKey(tenantID)
	now := l.now()
	windowStart := strconv.FormatInt(now.Add(-Window).Unix(), 10)

	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", "("+windowStart).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune usage window: %w", err)
	}

	members, err := l.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: windowStart,
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage window: %w", err)
	}

	var used int64
	for _, m := range members {
		idx := strings.LastIndexByte(m, ':')
		if idx < 0 {
			continue
		}
		n, err := strconv.ParseInt(m[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		used += n
	}

	return status(used, estimatedBytes, l.budget), nil
}

func (l *RedisLedger) Record(ctx context.Context, tenantID string, actualBytes int64) error {
	key := ledgerKey(tenantID)
	member := fmt.Sprintf("%s:%d", uuid.New().String(), actualBytes)
	if err := l.rdb.ZAdd(ctx, key, redis.Z{
		Score:  float64(l.now().Unix()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	// Events outside the window are dead weight; let idle keys expire.
	return l.rdb.Expire(ctx, key, Window+time.Minute).Err()
}
