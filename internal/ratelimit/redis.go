package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts hits in per-second Redis keys and sums the trailing
// window on each check, so every keeper instance shares one budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	nowFn  func() time.Time
}

// NewRedisLimiter constructs a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "keeper:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, nowFn: time.Now}
}

// Allow implements Limiter over shared Redis state.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	now := r.nowFn()
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	keys := make([]string, 0, seconds)
	for i := int64(0); i < seconds; i++ {
		keys = append(keys, r.bucketKey(key, now.Unix()-i))
	}
	values, errGet := r.client.MGet(ctx, keys...).Result()
	if errGet != nil {
		return false, 0, fmt.Errorf("ratelimit: redis read: %w", errGet)
	}

	var count int64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, errParse := strconv.ParseInt(s, 10, 64); errParse == nil {
			count += n
		}
	}
	if count >= int64(limit) {
		return false, count, nil
	}

	current := r.bucketKey(key, now.Unix())
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, current)
	pipe.Expire(ctx, current, window+time.Second)
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return false, 0, fmt.Errorf("ratelimit: redis write: %w", errExec)
	}
	return true, count + 1, nil
}

func (r *RedisLimiter) bucketKey(key string, sec int64) string {
	return fmt.Sprintf("%s:%s:%d", r.prefix, key, sec)
}
