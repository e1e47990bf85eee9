package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces fixed-window counters for security-sensitive operations
// such as verification-code resends and provider token validation.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter] backed by the given Redis client. prefix sets
// the key namespace; empty means "rl".
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(bucket string) string {
	return l.prefix + ":" + bucket
}

// Allow records one hit against bucket and reports whether it stayed
// within max hits per window. The window opens on the first hit.
func (l *Limiter) Allow(ctx context.Context, bucket string, max int, window time.Duration) (bool, error) {
	if max <= 0 {
		return true, nil
	}

	count, err := l.redis.Incr(ctx, l.key(bucket)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, l.key(bucket), window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count <= int64(max), nil
}

// Hits returns the current counter for a bucket. Missing buckets return
// zero.
func (l *Limiter) Hits(ctx context.Context, bucket string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(bucket)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears a bucket, reopening its window immediately.
func (l *Limiter) Reset(ctx context.Context, bucket string) error {
	if err := l.redis.Del(ctx, l.key(bucket)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
