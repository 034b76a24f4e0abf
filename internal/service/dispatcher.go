package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rentpay/internal/alert"
	"github.com/kursadbilgin/rentpay/internal/directory"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/provider"
	"github.com/kursadbilgin/rentpay/internal/ratelimit"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"go.uber.org/zap"
)

const (
	maxRetryDelay        = 60 * time.Second
	baseRetryDelay       = time.Second
	maxRetryJitterMillis = 250
	maxStoredBodyLength  = 2048
)

// DispatchResult summarises one delivery attempt of a notification.
type DispatchResult struct {
	NotificationID string
	Attempt        int
	Status         domain.NotificationStatus
	Delivered      []domain.Channel
	Failures       map[domain.Channel]error
	NextRetryAt    *time.Time
	// Unrecorded lists channels whose attempt row could not be written. The
	// send outcome for them still counts.
	Unrecorded []domain.Channel
}

// Dispatcher performs a delivery attempt and moves the notification to its
// next state: sent if any channel delivered, a deferred retry while the
// budget lasts and at least one failure was transient, otherwise failed.
type Dispatcher struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	directory     directory.Directory
	senders       provider.Senders
	rateLimiter   ratelimit.RateLimiter
	alerter       alert.Alerter
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	randIntn      func(n int) int
}

func NewDispatcher(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	dir directory.Directory,
	senders provider.Senders,
	rateLimiter ratelimit.RateLimiter,
	alerter alert.Alerter,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if len(senders) == 0 {
		return nil, fmt.Errorf("at least one channel sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		notifications: notifications,
		attempts:      attempts,
		directory:     dir,
		senders:       senders,
		rateLimiter:   rateLimiter,
		alerter:       alerter,
		logger:        logger,
		now:           time.Now,
		randIntn:      rand.Intn,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Send attempts delivery of a pending notification the caller has claimed.
// The returned error reports storage failures only; delivery failures are
// part of the result.
func (d *Dispatcher) Send(ctx context.Context, n *domain.Notification) (*DispatchResult, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	logger := observability.WithContextLogger(d.logger, ctx).With(
		zap.String("notificationId", n.ID),
		zap.String("channel", n.Channel.String()),
	)

	result := &DispatchResult{
		NotificationID: n.ID,
		Attempt:        n.RetryCount + 1,
		Failures:       make(map[domain.Channel]error),
	}

	recipient, err := d.directory.Lookup(ctx, n.TargetUserID)
	if err != nil {
		result.Failures[n.Channel] = &domain.DeliveryError{
			Channel:   n.Channel,
			Transient: !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation),
			Cause:     fmt.Errorf("resolve recipient: %w", err),
		}
		return result, d.settle(ctx, n, result, logger)
	}

	channels := recipient.Expand(n.Channel, d.senders.Channels()...)
	if len(channels) == 0 {
		result.Failures[n.Channel] = &domain.DeliveryError{
			Channel: n.Channel,
			Cause:   errors.New("recipient has no address on an enabled channel"),
		}
		return result, d.settle(ctx, n, result, logger)
	}

	for _, channel := range channels {
		sendErr, recordErr := d.deliver(ctx, n, channel, recipient.Address(channel), result.Attempt)
		if recordErr != nil {
			result.Unrecorded = append(result.Unrecorded, channel)
			logger.Error("delivery attempt not recorded",
				zap.String("deliveryChannel", channel.String()),
				zap.Bool("delivered", sendErr == nil),
				zap.Error(recordErr),
			)
		}
		if sendErr != nil {
			result.Failures[channel] = sendErr
			logger.Warn("channel delivery failed",
				zap.String("deliveryChannel", channel.String()),
				zap.Bool("transient", provider.IsTransient(sendErr)),
				zap.Error(sendErr),
			)
			continue
		}
		result.Delivered = append(result.Delivered, channel)
	}

	return result, d.settle(ctx, n, result, logger)
}

// deliver sends on one channel and appends the attempt row. The send and
// record outcomes are returned separately.
func (d *Dispatcher) deliver(ctx context.Context, n *domain.Notification, channel domain.Channel, address string, attemptNumber int) (sendErr, recordErr error) {
	var resp *provider.Response

	sender, ok := d.senders[channel]
	switch {
	case !ok:
		sendErr = &domain.DeliveryError{Channel: channel, Cause: errors.New("channel is not enabled")}
	case address == "":
		sendErr = &domain.DeliveryError{Channel: channel, Cause: errors.New("recipient has no address for channel")}
	default:
		sendErr = d.waitForBudget(ctx, channel)
		if sendErr == nil {
			start := d.now()
			resp, sendErr = sender.Send(ctx, provider.Delivery{
				Channel:   channel,
				To:        address,
				Subject:   n.Payload.Subject,
				Body:      n.Payload.Body,
				Reference: n.ID,
			})
			d.metrics.ObserveDelivery(channel.String(), d.now().Sub(start))
			if sendErr != nil {
				sendErr = &domain.DeliveryError{Channel: channel, Transient: provider.IsTransient(sendErr), Cause: sendErr}
			}
		}
	}

	if err := d.recordAttempt(ctx, n.ID, channel, attemptNumber, resp, sendErr); err != nil {
		recordErr = fmt.Errorf("record delivery attempt: %w", err)
	}
	return sendErr, recordErr
}

func (d *Dispatcher) waitForBudget(ctx context.Context, channel domain.Channel) error {
	if d.rateLimiter == nil {
		return nil
	}
	if err := d.rateLimiter.Wait(ctx, channel); err != nil {
		return &domain.DeliveryError{Channel: channel, Transient: true, Cause: fmt.Errorf("rate limiter: %w", err)}
	}
	return nil
}

func (d *Dispatcher) settle(ctx context.Context, n *domain.Notification, result *DispatchResult, logger *zap.Logger) error {
	if len(result.Delivered) > 0 {
		updated, err := d.notifications.MarkSent(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("failed to mark notification sent: %w", err)
		}
		result.Status = domain.NotificationStatusSent
		if !updated {
			logger.Warn("notification left pending before it could be marked sent")
			return nil
		}
		for _, channel := range result.Delivered {
			d.metrics.IncNotificationSent(channel.String())
		}
		logger.Info("notification sent", zap.Int("attempt", result.Attempt))
		return nil
	}

	lastError := summarizeFailures(result.Failures)
	transient := anyTransient(result.Failures)

	if transient && !n.RetryBudgetExhausted() {
		nextRetryAt := d.now().UTC().Add(d.computeRetryDelay(result.Attempt))
		updated, err := d.notifications.ScheduleRetry(ctx, n.ID, nextRetryAt, lastError)
		if err != nil {
			return fmt.Errorf("failed to schedule notification retry: %w", err)
		}
		if updated {
			result.Status = domain.NotificationStatusPending
			result.NextRetryAt = &nextRetryAt
			d.metrics.IncRetryScheduled(n.Channel.String())
			logger.Info("notification retry scheduled",
				zap.Int("attempt", result.Attempt),
				zap.Time("nextRetryAt", nextRetryAt),
			)
			return nil
		}
	}

	updated, err := d.notifications.MarkFailed(ctx, n.ID, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	result.Status = domain.NotificationStatusFailed
	if !updated {
		return nil
	}

	reason := "permanent_error"
	if transient {
		reason = "retries_exhausted"
	}
	d.metrics.IncNotificationFailed(n.Channel.String(), reason)
	logger.Warn("notification failed", zap.Int("attempt", result.Attempt), zap.String("reason", reason))

	if d.alerter != nil {
		d.alerter.NotificationExhausted(ctx, n, lastError)
	}
	return nil
}

func (d *Dispatcher) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseRetryDelay
	for i := 1; i < attemptNumber && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxRetryDelay)

	jitterMillis := 0
	if d.randIntn != nil {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	notificationID string,
	channel domain.Channel,
	attemptNumber int,
	resp *provider.Response,
	sendErr error,
) error {
	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		Channel:        channel,
		Success:        sendErr == nil,
		CreatedAt:      d.now().UTC(),
	}

	if resp != nil {
		if resp.StatusCode > 0 {
			value := resp.StatusCode
			attempt.StatusCode = &value
		}
		if body := strings.TrimSpace(resp.Body); body != "" {
			value := truncateRunes(body, maxStoredBodyLength)
			attempt.ResponseBody = &value
		}
	}

	if sendErr != nil {
		value := sendErr.Error()
		attempt.Error = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && attempt.StatusCode == nil {
			value := providerErr.StatusCode
			attempt.StatusCode = &value
		}
	}

	return d.attempts.Create(ctx, attempt)
}

// anyTransient is true when at least one channel may succeed on retry.
func anyTransient(failures map[domain.Channel]error) bool {
	for _, err := range failures {
		if provider.IsTransient(err) {
			return true
		}
	}
	return false
}

func summarizeFailures(failures map[domain.Channel]error) string {
	parts := make([]string, 0, len(failures))
	for _, channel := range domain.DeliveryChannels {
		if err, ok := failures[channel]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", channel, err))
		}
	}
	if err, ok := failures[domain.ChannelAll]; ok {
		parts = append(parts, fmt.Sprintf("%s: %v", domain.ChannelAll, err))
	}
	return strings.Join(parts, "; ")
}

