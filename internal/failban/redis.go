package failban

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisViolationPrefix = "authgate:failban:violations:"
	redisBanPrefix       = "authgate:failban:bans:"
)

// RedisStore shares violation counts and bans across replicas. Violations
// live in a sorted set scored by timestamp; bans are plain keys whose TTL
// matches the ban deadline.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore builds the store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) AddViolation(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	redisKey := redisViolationPrefix + key
	cutoff := strconv.FormatInt(at.Add(-window).UnixNano(), 10)
	member := strconv.FormatInt(at.UnixNano(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(at.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record violation: %w", err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) ClearViolations(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisViolationPrefix+key).Err()
}

func (s *RedisStore) Ban(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, redisBanPrefix+key, until.UTC().Format(time.RFC3339Nano), ttl).Err()
}

func (s *RedisStore) Unban(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisBanPrefix+key).Err()
}

func (s *RedisStore) BanExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, redisBanPrefix+key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ban lookup: %w", err)
	}
	until, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ban deadline parse: %w", err)
	}
	return until, true, nil
}

func (s *RedisStore) ListBans(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	iter := s.client.Scan(ctx, 0, redisBanPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		raw, err := s.client.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ban scan: %w", err)
		}
		until, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(redisKey, redisBanPrefix)] = until
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ban scan: %w", err)
	}
	return out, nil
}
