package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

// Fixed one-second window: INCR the window key, expire it on first use.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*ChannelRateLimiter)(nil)

// ChannelRateLimiter shares a per-second delivery budget per channel across
// every dispatcher replica.
type ChannelRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[domain.Channel]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewChannelRateLimiter applies limitPerSec to every channel without an override.
func NewChannelRateLimiter(client *goredis.Client, limitPerSec int, overrides map[domain.Channel]int) (*ChannelRateLimiter, error) {
	return newChannelRateLimiter(client, limitPerSec, overrides, time.Now, sleepWithContext)
}

func newChannelRateLimiter(
	client *goredis.Client,
	limitPerSec int,
	overrides map[domain.Channel]int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*ChannelRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaultLimit := int64(limitPerSec)
	if defaultLimit <= 0 {
		defaultLimit = defaultLimitPerSec
	}

	limits := make(map[domain.Channel]int64, len(overrides))
	for ch, limit := range overrides {
		if limit > 0 {
			limits[ch] = int64(limit)
		}
	}

	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &ChannelRateLimiter{
		client:       client,
		defaultLimit: defaultLimit,
		limits:       limits,
		now:          nowFn,
		sleep:        sleepFn,
	}, nil
}

func (r *ChannelRateLimiter) limitFor(channel domain.Channel) int64 {
	if limit, ok := r.limits[channel]; ok {
		return limit
	}
	return r.defaultLimit
}

func (r *ChannelRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	if channel == domain.ChannelAll || !channel.IsValid() {
		return false, fmt.Errorf("rate limit needs a concrete channel, got %q", channel)
	}

	key := fmt.Sprintf("%sratelimit:%s:%d", KeyPrefix, channel, r.now().UTC().Unix())
	result, err := allowScript.Run(ctx, r.client, []string{key}, r.limitFor(channel), windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *ChannelRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
