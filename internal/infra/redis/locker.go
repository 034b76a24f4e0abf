package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rentpay/internal/lock"
	goredis "github.com/redis/go-redis/v9"
)

const (
	lockPollInterval = 25 * time.Millisecond
	releaseTimeout   = 2 * time.Second
)

// Delete the key only while it still carries our token, so an expired holder
// cannot release a lock someone else now owns.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Locker = (*Locker)(nil)

type Locker struct {
	client *goredis.Client
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewLocker(client *goredis.Client) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Locker{client: client, sleep: sleepWithContext}, nil
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}

	fullKey := KeyPrefix + "lock:" + key
	token := uuid.NewString()

	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	for {
		ok, err := l.client.SetNX(waitCtx, fullKey, token, ttl).Result()
		if err != nil {
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, lock.ErrNotAcquired
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.releaser(fullKey, token), nil
		}

		if err := l.sleep(waitCtx, lockPollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lock.ErrNotAcquired
		}
	}
}

func (l *Locker) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}
