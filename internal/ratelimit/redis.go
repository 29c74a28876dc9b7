package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter shares windows between instances through Redis.
//
// Keys: <prefix><limiter name>:<caller key>, e.g. "leadsync:rl:login:1.2.3.4:a@b.com".
type RedisCounter struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a RedisCounter. An empty prefix means "leadsync:rl:".
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "leadsync:rl:"
	}
	return &RedisCounter{redis: client, prefix: prefix}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = c.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
	}

	// A key without a TTL is either the first hit of a window or one whose
	// earlier EXPIRE never landed; either way it gets the full window now.
	if ttl.Val() < 0 {
		if err := c.redis.PExpire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
		}
	}

	return incr.Val(), nil
}
