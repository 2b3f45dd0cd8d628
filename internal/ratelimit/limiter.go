// Package ratelimit applies a Redis-backed window to settle and finalize
// requests, simplified from a Lua sliding-window script to a fixed-window
// INCR+EXPIRE counter. Allow returns Redis errors to its caller;
// middleware.RateLimit fails open on them so an unreachable limiter never
// blocks legitimate traffic.
package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamchannel/sequencer/internal/domain"
)

// ClientConfig holds connection parameters for the Redis client backing the
// limiter.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// NewClient dials Redis and pings it to verify connectivity.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return rdb, nil
}

// Limiter implements domain.RateLimiter with a fixed-window INCR+EXPIRE
// counter per key.
type Limiter struct {
	rdb *redis.Client
}

// New creates a Limiter backed by rdb.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow increments the counter for key and reports whether the request
// count within the current window is still within limit. The window's
// expiry is set only on the first increment, so late stragglers within an
// already-running window don't reset it.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, windowSeconds int64) (bool, error) {
	rkey := rateLimitKey(key)
	count, err := l.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, rkey, time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}
	return count <= int64(limit), nil
}

var _ domain.RateLimiter = (*Limiter)(nil)
