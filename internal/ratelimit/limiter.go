// Package ratelimit is the shared counterpart of middleware.RateLimiter.
//
// It applies the same rate/burst token bucket, keyed the same way, but keeps
// the bucket state in Redis so every API replica draws from one bucket per
// subject. Each check is a single Lua script call, so concurrent replicas
// never interleave a read and a write.
//
// Notes:
//   - Buckets expire after twice the time a full refill takes; an idle
//     subject starts again with a full bucket.
//   - Clock input comes from the calling replica; small skew between
//     replicas only shifts refill by the skew.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a Redis-backed token bucket refilling rps tokens per second up
// to burst.
type Limiter struct {
	rdb    redis.UniversalClient
	rps    float64
	burst  int
	prefix string
	now    func() time.Time
}

// allowScript takes {rps, burst, now_ms, ttl_ms} and returns
// {allowed, remaining, retry_after_ms}.
var allowScript = redis.NewScript(`
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens") or burst)
local last = tonumber(redis.call("HGET", KEYS[1], "last") or now)
tokens = math.min(burst, tokens + math.max(0, now - last) * rps / 1000)

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rps)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "last", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), wait}
`)

// New returns a Limiter with the rps/burst semantics of rate.NewLimiter.
// Keys are "<prefix>:<subject>"; an empty prefix means "ledger:rl".
func New(rdb redis.UniversalClient, rps float64, burst int, prefix string) (*Limiter, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("ratelimit: redis client is required")
	case rps <= 0:
		return nil, errors.New("ratelimit: rps must be > 0")
	case burst < 1:
		return nil, errors.New("ratelimit: burst must be >= 1")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "ledger:rl"
	}
	return &Limiter{rdb: rdb, rps: rps, burst: burst, prefix: prefix, now: time.Now}, nil
}

func (l *Limiter) key(subject string) string {
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = "anonymous"
	}
	return l.prefix + ":" + subject
}

// ttl is twice a full refill, never under a second.
func (l *Limiter) ttl() time.Duration {
	d := 2 * time.Duration(float64(l.burst)/l.rps*float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Allow spends one token from subject's bucket.
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	vals, err := allowScript.Run(ctx, l.rdb, []string{l.key(subject)},
		l.rps, l.burst, l.now().UnixMilli(), l.ttl().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
