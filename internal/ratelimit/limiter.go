// Package ratelimit provides an injected, Redis-backed invocation
// limiter. Each Limiter owns its Redis client; there is no
// module-level state.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter is a fixed-window counter per key.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
	logger *zap.Logger
}

// New creates a Redis-backed limiter allowing limit calls per window
// per key.
func New(redisURL string, limit int, window time.Duration, logger *zap.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "cascade:invoke:",
		logger: logger,
	}, nil
}

// Allow reports whether one more call for key fits in the current
// window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + key
	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", k, err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			l.logger.Warn("set window expiry failed", zap.String("key", k), zap.Error(err))
		}
	}
	if n > int64(l.limit) {
		l.logger.Debug("invocation over budget",
			zap.String("key", key), zap.Int64("count", n), zap.Int("limit", l.limit))
		return false, nil
	}
	return true, nil
}

// Close shuts down the Redis connection.
func (l *Limiter) Close() error {
	return l.rdb.Close()
}
