package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/queue"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 5 * time.Second
	defaultRetryScanLimit    = 100
)

// RetryScanner hands pending notifications back to the dispatch queue once
// their next_retry_at has passed. That covers scheduled backoff retries as
// well as deliveries whose worker lease expired.
type RetryScanner struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	interval      time.Duration
	batch         int
}

func NewRetryScanner(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	batch int,
	logger *zap.Logger,
) (*RetryScanner, error) {
	switch {
	case notifications == nil:
		return nil, fmt.Errorf("notification repository is required")
	case publisher == nil:
		return nil, fmt.Errorf("publisher is required")
	}

	s := &RetryScanner{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		batch:         batch,
	}
	if s.interval <= 0 {
		s.interval = defaultRetryScanInterval
	}
	if s.batch <= 0 {
		s.batch = defaultRetryScanLimit
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("retry_scanner")

	return s, nil
}

func (s *RetryScanner) Start(ctx context.Context) error {
	s.logger.Info("retry scanner started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
	return runEvery(ctx, s.interval, s.logger, s.scanDue)
}

func (s *RetryScanner) scanDue(ctx context.Context) error {
	due, err := s.notifications.GetDueForRetry(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("load notifications due for retry: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	requeued := 0
	for i := range due {
		if err := s.requeue(ctx, &due[i]); err != nil {
			s.logger.Error("retry not requeued",
				zap.String("notificationId", due[i].ID),
				zap.String("correlationId", due[i].CorrelationID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	s.logger.Debug("retry pass finished", zap.Int("due", len(due)), zap.Int("requeued", requeued))
	return nil
}

// requeue publishes before clearing next_retry_at, so a publish failure
// leaves the row visible to the next pass.
func (s *RetryScanner) requeue(ctx context.Context, n *domain.Notification) error {
	msg := queue.NotificationMessage{
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		Attempt:        n.RetryCount,
	}
	if err := s.publisher.Publish(ctx, queue.DispatchQueue, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := s.notifications.ClearNextRetryAt(ctx, n.ID); err != nil {
		return fmt.Errorf("clear next_retry_at: %w", err)
	}
	return nil
}
