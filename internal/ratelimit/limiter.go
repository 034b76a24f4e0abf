package ratelimit

import (
	"context"

	"github.com/kursadbilgin/rentpay/internal/domain"
)

// RateLimiter caps outbound delivery throughput per transport channel.
type RateLimiter interface {
	Allow(ctx context.Context, channel domain.Channel) (bool, error)
	Wait(ctx context.Context, channel domain.Channel) error
}
