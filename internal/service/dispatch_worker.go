package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/queue"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	// deliveryLease bounds how long a claimed notification stays invisible to
	// other workers and to the retry scanner.
	deliveryLease = 2 * time.Minute
)

type notificationSender interface {
	Send(ctx context.Context, n *domain.Notification) (*DispatchResult, error)
}

// DispatchWorker consumes the dispatch queue and hands claimed notifications
// to the Dispatcher.
type DispatchWorker struct {
	notifications repository.NotificationRepository
	consumer      queue.Consumer
	dispatcher    notificationSender
	logger        *zap.Logger
	metrics       *observability.Metrics
	concurrency   int
	lease         time.Duration
}

func NewDispatchWorker(
	notifications repository.NotificationRepository,
	consumer queue.Consumer,
	dispatcher notificationSender,
	concurrency int,
	logger *zap.Logger,
) (*DispatchWorker, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchWorker{
		notifications: notifications,
		consumer:      consumer,
		dispatcher:    dispatcher,
		logger:        logger,
		concurrency:   concurrency,
		lease:         deliveryLease,
	}, nil
}

func (w *DispatchWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Start runs the consumers until ctx is cancelled.
func (w *DispatchWorker) Start(ctx context.Context) error {
	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("dispatch worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			if err := w.consumer.Consume(groupCtx, queueName, w.processMessage); err != nil {
				w.logger.Error("dispatch worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("dispatch worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *DispatchWorker) processMessage(ctx context.Context, msg queue.NotificationMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(zap.String("notificationId", msg.NotificationID))

	notification, err := w.notifications.LockForDelivery(ctx, msg.NotificationID, w.lease)
	if err != nil {
		if isNotFound(err) {
			logger.Warn("notification not found, dropping message")
			return nil
		}
		return fmt.Errorf("failed to claim notification: %w", err)
	}

	// Terminal or claimed elsewhere.
	if notification == nil {
		logger.Debug("notification not claimable, skipping")
		return nil
	}

	w.metrics.IncWorkerInFlight()
	defer w.metrics.DecWorkerInFlight()

	result, err := w.dispatcher.Send(ctx, notification)
	if err != nil {
		return fmt.Errorf("dispatch notification %s: %w", notification.ID, err)
	}

	logger.Debug("dispatch finished",
		zap.String("status", result.Status.String()),
		zap.Int("attempt", result.Attempt),
		zap.Int("unrecordedAttempts", len(result.Unrecorded)),
	)
	return nil
}
