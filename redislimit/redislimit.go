// Package redislimit is a magiclink.RateLimiter backed by Redis, for quotas
// shared across several instances. Increment and check run in one Lua script.
package redislimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/john-naputi/magiclink"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys in a shared Redis.
const DefaultPrefix = "magiclink:rl:"

// allowScript returns {allowed, count, pttl}. The window opens at the first
// hit; a rejected attempt does not increment.
var allowScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if c >= limit then
  return {0, c, redis.call('PTTL', KEYS[1])}
end
c = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {1, c, ttl}
`)

// Limiter implements magiclink.RateLimiter.
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(l *Limiter) { l.prefix = p }
}

// New returns a Limiter on rdb.
func New(rdb redis.UniversalClient, opts ...Option) (*Limiter, error) {
	if rdb == nil {
		return nil, errors.New("redislimit: nil client")
	}
	l := &Limiter{rdb: rdb, prefix: DefaultPrefix}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (magiclink.Decision, error) {
	if window < time.Millisecond {
		return magiclink.Decision{}, fmt.Errorf("redislimit: window %s below 1ms", window)
	}
	res, err := allowScript.Run(ctx, l.rdb, []string{l.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return magiclink.Decision{}, err
	}
	if len(res) != 3 {
		return magiclink.Decision{}, fmt.Errorf("redislimit: unexpected reply %v", res)
	}
	allowed, count, pttl := res[0] == 1, int(res[1]), res[2]
	if !allowed {
		retry := window
		if pttl > 0 {
			retry = time.Duration(pttl) * time.Millisecond
		}
		return magiclink.Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return magiclink.Decision{Allowed: true, Remaining: max(limit-count, 0)}, nil
}

func (l *Limiter) Clear(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, l.prefix+key).Err()
}

var _ magiclink.RateLimiter = (*Limiter)(nil)
