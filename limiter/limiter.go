// Package limiter holds the gateway's consumers of the shared Redis store:
// per-address fixed-window rate limiters and the per-identity execution lock.
// All cross-session coordination happens through the store's atomic
// operations; nothing here keeps in-process state.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned by Consume when the caller has no points left in
// the current window. The accompanying Result is still populated.
var ErrRateLimited = errors.New("rate limited")

// consumeScript increments the window counter, arms the window TTL on first
// use, and reports the counter together with the remaining window, all in one
// atomic round trip.
var consumeScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Result describes the limiter state after a Consume call, in the terms the
// HTTP layer reports back to clients.
type Result struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// RetryAfterSeconds is RetryAfter rounded for a Retry-After header, never
// less than one second.
func (r Result) RetryAfterSeconds() int {
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimiter consumes points from fixed-capacity, fixed-refill windows keyed
// by a string identity.
type RateLimiter struct {
	rdb       *redis.Client
	keyPrefix string
	points    int
	window    time.Duration
}

// NewTokenIssuanceLimiter limits capability-token issuance to 1 request per
// 10 seconds per address.
func NewTokenIssuanceLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb, keyPrefix: "tokensRatelimit", points: 1, window: 10 * time.Second}
}

// NewExecutionLimiter limits execution starts to 1 request per second per
// address.
func NewExecutionLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb, keyPrefix: "executionRatelimit", points: 1, window: time.Second}
}

// Consume takes one point for id from the current window. When the window is
// exhausted it returns ErrRateLimited; the Result is valid either way. Any
// other error means the store call itself failed.
func (l *RateLimiter) Consume(ctx context.Context, id string) (Result, error) {
	key := l.keyPrefix + ":" + id
	vals, err := consumeScript.Run(ctx, l.rdb, []string{key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("consuming rate limit point: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected limiter script reply of length %d", len(vals))
	}
	count, ttlMS := vals[0], vals[1]

	remainingWindow := time.Duration(ttlMS) * time.Millisecond
	if ttlMS < 0 {
		remainingWindow = l.window
	}

	res := Result{
		Limit:      l.points,
		Remaining:  l.points - int(count),
		RetryAfter: remainingWindow,
		Reset:      time.Now().Add(remainingWindow),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if int(count) > l.points {
		return res, ErrRateLimited
	}
	return res, nil
}

// ClientAddr resolves the rate-limit identity for a request: the first
// X-Forwarded-For entry, else X-Real-IP, else the remote address, else a fixed
// fallback. Colons are replaced so IPv6 addresses make safe store keys.
func ClientAddr(r *http.Request) string {
	addr := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if addr == "" {
		addr = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}
	if addr == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			addr = host
		} else {
			addr = r.RemoteAddr
		}
	}
	if addr == "" {
		addr = "127.0.0.1"
	}
	return strings.ReplaceAll(addr, ":", "_")
}
