package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// periodicJob runs one pass of a background sweep.
type periodicJob func(ctx context.Context) error

// runEvery runs job right away and then once per interval until ctx is done.
// A failed pass is logged and the loop keeps going.
func runEvery(ctx context.Context, interval time.Duration, logger *zap.Logger, job periodicJob) error {
	pass := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			logger.Error("background pass failed", zap.Error(err))
		}
	}

	pass()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pass()
		}
	}
}
