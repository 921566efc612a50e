// Package redisstore keeps login throttling and session revocation in
// Redis so several application processes share them.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// bucketScript refills a token bucket and takes one token atomically.
// Returns {allowed, remaining}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

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
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens }
`)

// Throttle is a token bucket per key
type Throttle struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	window   time.Duration
	now      func() time.Time
}

// NewThrottle allows capacity attempts per key, refilled evenly over window
func NewThrottle(client redis.UniversalClient, prefix string, capacity int, window time.Duration) *Throttle {
	if capacity <= 0 {
		capacity = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for refills
func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	if now != nil {
		t.now = now
	}
	return t
}

// Allow takes one token for key
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	interval := t.window / time.Duration(t.capacity)
	ttl := int64(t.window/time.Second) + 1

	vals, err := bucketScript.Run(ctx, t.client, []string{t.key(key)},
		t.now().UnixMilli(),
		t.capacity,
		interval.Milliseconds(),
		ttl,
	).Slice()
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryOperation, "throttle script failed")
	}

	if len(vals) != 2 {
		return false, goerrors.New("unexpected throttle script result", goerrors.CategoryInternal).
			WithMetadata(map[string]any{"result": fmt.Sprint(vals)})
	}

	return asInt64(vals[0]) == 1, nil
}

// Reset drops the bucket for key
func (t *Throttle) Reset(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.key(key)).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "throttle reset failed")
	}
	return nil
}

func (t *Throttle) key(k string) string {
	return t.prefix + ":throttle:" + k
}

// RevocationList stores revoked session ids until they would have expired
type RevocationList struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRevocationList(client redis.UniversalClient, prefix string) *RevocationList {
	return &RevocationList{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Revoke marks jti revoked until the given time. Past times are ignored.
func (r *RevocationList) Revoke(ctx context.Context, jti string, until time.Time) error {
	if jti == "" {
		return nil
	}

	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.key(jti), until.Unix(), ttl).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to revoke session")
	}
	return nil
}

func (r *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to check session revocation")
	}
	return n > 0, nil
}

func (r *RevocationList) key(jti string) string {
	return r.prefix + ":revoked:" + jti
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
