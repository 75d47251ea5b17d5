package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR the window counter and arm its expiry on first hit; returns count and remaining TTL.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindow counts actions per key in Redis-backed fixed windows so every
// service replica shares one quota.
type FixedWindow struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	// FailOpen lets actions through when Redis is unreachable.
	FailOpen bool
}

// NewFixedWindow builds a limiter over an existing Redis client.
func NewFixedWindow(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindow, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookshare:ratelimit"
	}
	return &FixedWindow{client: client, prefix: prefix, limit: limit, window: window}, nil
}

// Allow consumes one unit of key's quota. A nil limiter allows everything.
func (l *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{Allowed: l.FailOpen}, fmt.Errorf("ratelimit: %w", err)
	}
	count, ttl := vals[0], vals[1]
	d := Decision{Allowed: count <= int64(l.limit)}
	if rem := int64(l.limit) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		if ttl <= 0 {
			ttl = windowMs
		}
		d.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return d, nil
}
