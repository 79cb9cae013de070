// ABOUTME: Redis-backed rate limiter shared across warden processes
// ABOUTME: Uses INCR with per-window expiry; Redis errors fail open

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedis creates a Redis-backed limiter. The connection is verified with
// a ping before use so a misconfigured address fails at startup, not on the
// first request.
func NewRedis(addr, password string, db int) (Limiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &redisLimiter{
		client:  client,
		logger:  slog.Default().With("component", "ratelimit"),
		prefix:  "warden:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (l *redisLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	redisKey := l.prefix + key
	counter, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Error("redis rate limiter error", "op", "incr", "error", err)
		return Decision{Allowed: true}
	}
	if counter == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			l.logger.Error("redis rate limiter error", "op", "expire", "error", err)
		}
	}
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}

	return Decision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (l *redisLimiter) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}
