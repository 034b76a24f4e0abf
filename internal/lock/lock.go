package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the key stayed held past the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker grants short-lived mutual exclusion keyed by an arbitrary string.
type Locker interface {
	// Acquire blocks until the lock is held, ctx is done, or wait elapses.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (release func(), err error)
}
