// Package throttle limits how often one requester may attempt holds, so a
// single client cannot sweep a show's seat map into short-lived holds.
// Buckets live in Redis and are shared by every engine process.
package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills the bucket for the elapsed whole intervals, then
// takes one token when available.  It returns {allowed, remaining,
// retry_after_ms}.
var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_ms = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])
	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + intervals)
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = interval_ms - (now_ms - last_refill)
		if retry_after_ms < 0 then retry_after_ms = 0 end
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('PEXPIRE', key, ttl_ms)
	return { allowed, tokens, retry_after_ms }
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Config sizes the bucket.  A Capacity of zero disables throttling.
//
// Fields:
//  Capacity       – attempts a requester may burst.
//  RefillInterval – time to earn back one attempt.
//  Prefix         – Redis key prefix.
type Config struct {
	Capacity       int
	RefillInterval time.Duration
	Prefix         string
}

// Limiter is a Redis token bucket keyed by requester.
type Limiter struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
}

// NewLimiter returns a Limiter.  A nil now selects time.Now.
func NewLimiter(rdb *redis.Client, cfg Config, now func() time.Time) *Limiter {
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "throttle"
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{rdb: rdb, cfg: cfg, now: now}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool { return l != nil && l.rdb != nil && l.cfg.Capacity > 0 }

// Allow takes one attempt from requesterID's bucket.
func (l *Limiter) Allow(ctx context.Context, requesterID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	interval := l.cfg.RefillInterval.Milliseconds()
	// idle buckets are full again after capacity intervals
	ttl := interval * int64(l.cfg.Capacity+1)
	key := l.cfg.Prefix + ":hold:" + requesterID
	vals, err := bucketScript.Run(ctx, l.rdb, []string{key},
		l.now().UnixMilli(), l.cfg.Capacity, interval, ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("throttle %s: %w", requesterID, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("throttle %s: unexpected script result %#v", requesterID, vals)
	}
	return Decision{
		Allowed:    asInt64(vals[0]) == 1,
		Remaining:  asInt64(vals[1]),
		RetryAfter: time.Duration(asInt64(vals[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
