package relayapi

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more event for key is allowed. When it is not,
// retryAfter is a hint for the client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// noLimit allows everything.
type noLimit struct{}

func (noLimit) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

const memoryPruneEvery = 1024

// MemoryLimiter is a per-key sliding-window limiter for a single process.
type MemoryLimiter struct {
	mu     sync.Mutex
	keys   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
	calls  int
}

// NewMemoryLimiter constructs a MemoryLimiter allowing limit events per window.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		keys:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether an event for key is permitted now.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%memoryPruneEvery == 0 {
		l.pruneLocked(now)
	}

	cut := now.Add(-l.window)
	events := l.keys[key]
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}

	if len(dst) >= l.limit {
		l.keys[key] = dst
		return false, dst[0].Add(l.window).Sub(now), nil
	}
	l.keys[key] = append(dst, now)
	return true, 0, nil
}

// pruneLocked drops keys with no event inside the window.
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-l.window)
	for k, events := range l.keys {
		if len(events) == 0 || !events[len(events)-1].After(cut) {
			delete(l.keys, k)
		}
	}
}

// RedisLimiter is a fixed-window limiter shared by every relay instance
// pointing at the same Redis.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter constructs a RedisLimiter. prefix namespaces its keys.
func NewRedisLimiter(rdb redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window < time.Millisecond {
		window = time.Minute
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow counts the event in the current window bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	windowMs := l.window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	redisKey := l.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if incr.Val() > int64(l.limit) {
		elapsed := now.UnixMilli() - bucket*windowMs
		return false, time.Duration(windowMs-elapsed) * time.Millisecond, nil
	}
	return true, 0, nil
}
