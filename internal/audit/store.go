package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the audit log cannot reach Redis.
var ErrRedisUnavailable = errors.New("audit redis unavailable")

// RedisLog persists audit events in Redis, indexed globally by time and
// per user. It also satisfies [Sink], so it can sit behind a [Dispatcher].
//
// RedisLog instances are intended to be configured during initialization
// and then treated as immutable unless documented otherwise.
type RedisLog struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisLog(redisClient redis.UniversalClient, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "al"
	}
	return &RedisLog{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *RedisLog) docKey(eventID string) string {
	return l.prefix + ":e:" + eventID
}

func (l *RedisLog) timeKey() string {
	return l.prefix + ":t"
}

func (l *RedisLog) userKey(userID string) string {
	return l.prefix + ":u:" + userID
}

// Append persists one event. Events are immutable once written.
func (l *RedisLog) Append(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	eventID := uuid.NewString()
	score := float64(event.Timestamp.Unix())

	pipe := l.redis.TxPipeline()
	pipe.Set(ctx, l.docKey(eventID), data, 0)
	pipe.ZAdd(ctx, l.timeKey(), redis.Z{Score: score, Member: eventID})
	if event.UserID != "" {
		pipe.ZAdd(ctx, l.userKey(event.UserID), redis.Z{Score: score, Member: eventID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Emit implements [Sink]. Persistence failures are swallowed so audit
// writes never interrupt the calling flow.
func (l *RedisLog) Emit(ctx context.Context, event Event) {
	_ = l.Append(ctx, event)
}

// ForUser returns a user's most recent events, newest first.
func (l *RedisLog) ForUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	return l.query(ctx, l.userKey(userID), limit)
}

// Recent returns the most recent events across all users, newest first.
func (l *RedisLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	return l.query(ctx, l.timeKey(), limit)
}

func (l *RedisLog) query(ctx context.Context, indexKey string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := l.redis.ZRevRange(ctx, indexKey, 0, int64(limit-1)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []Event{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.docKey(id)
	}

	values, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	events := make([]Event, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

// CleanupOld deletes events older than maxAge from the log and both
// indexes. Returns the number of events removed.
func (l *RedisLog) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-maxAge).Unix())

	ids, err := l.redis.ZRangeByScore(ctx, l.timeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	removed := 0
	for _, id := range ids {
		raw, err := l.redis.Get(ctx, l.docKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		userID := ""
		if err == nil {
			var event Event
			if jsonErr := json.Unmarshal([]byte(raw), &event); jsonErr == nil {
				userID = event.UserID
			}
		}

		pipe := l.redis.TxPipeline()
		pipe.Del(ctx, l.docKey(id))
		pipe.ZRem(ctx, l.timeKey(), id)
		if userID != "" {
			pipe.ZRem(ctx, l.userKey(userID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		removed++
	}

	return removed, nil
}
