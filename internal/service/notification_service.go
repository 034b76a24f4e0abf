package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rentpay/internal/directory"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/queue"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"go.uber.org/zap"
)

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"

	maxReasonLength = 60
)

type NotificationService struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	directory     directory.Directory
	channels      []domain.Channel
	maxRetries    int
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	dir directory.Directory,
	maxRetries int,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		publisher:     publisher,
		directory:     dir,
		maxRetries:    maxRetries,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// SetEnabledChannels limits channel preference to transports that have a
// sender. With none set every channel is considered enabled.
func (s *NotificationService) SetEnabledChannels(channels ...domain.Channel) {
	if s == nil {
		return
	}
	s.channels = append([]domain.Channel(nil), channels...)
}

// Create stores a pending notification that is already due and enqueues it.
// The due timestamp is cleared once the publish is confirmed; on a publish
// failure it stays set so the retry scanner enqueues the notification later.
func (s *NotificationService) Create(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if err := s.prepareForCreate(ctx, notification); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	msg := queue.NotificationMessage{
		NotificationID: notification.ID,
		CorrelationID:  notification.CorrelationID,
	}
	if err := s.publisher.Publish(ctx, queue.DispatchQueue, msg); err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("failed to publish notification, leaving it to the retry scanner",
			zap.String("notificationId", notification.ID),
			zap.Error(err),
		)
		return notification, nil
	}

	if err := s.notifications.ClearNextRetryAt(ctx, notification.ID); err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("failed to clear due timestamp after publish",
			zap.String("notificationId", notification.ID),
			zap.Error(err),
		)
		return notification, nil
	}
	notification.NextRetryAt = nil

	return notification, nil
}

// NotifyPaymentOutcome creates one notification for the tenant on their
// preferred channel. If the directory cannot be reached the payer's phone
// number is used over sms.
func (s *NotificationService) NotifyPaymentOutcome(ctx context.Context, payment *domain.PaymentAttempt) error {
	if payment == nil || !payment.Status.IsTerminal() {
		return fmt.Errorf("%w: payment outcome requires a terminal payment", domain.ErrValidation)
	}

	channel := domain.ChannelSMS
	if s.directory != nil {
		recipient, err := s.directory.Lookup(ctx, payment.TenantID)
		if err != nil {
			observability.WithContextLogger(s.logger, ctx).Warn("directory lookup failed, notifying over sms",
				zap.String("tenantId", payment.TenantID),
				zap.Error(err),
			)
		} else {
			channel = recipient.Preference(s.channels...)
		}
	}

	correlationID, ok := observability.CorrelationIDFromContext(ctx)
	if !ok {
		correlationID = payment.ID
	}

	_, err := s.Create(ctx, &domain.Notification{
		CorrelationID: correlationID,
		TargetUserID:  payment.TenantID,
		Channel:       channel,
		Payload:       renderPaymentOutcome(payment),
	})
	return err
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return s.notifications.GetByID(ctx, id)
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	if params.From != nil && params.To != nil && params.From.After(*params.To) {
		return nil, 0, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	return s.notifications.List(ctx, params)
}

func (s *NotificationService) prepareForCreate(ctx context.Context, n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.TargetUserID = strings.TrimSpace(n.TargetUserID)
	n.Payload.Body = strings.TrimSpace(n.Payload.Body)
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		if cid, ok := observability.CorrelationIDFromContext(ctx); ok {
			n.CorrelationID = cid
		} else {
			n.CorrelationID = uuid.NewString()
		}
	}

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.Status = domain.NotificationStatusPending
	n.RetryCount = 0
	if n.MaxRetries <= 0 {
		n.MaxRetries = s.maxRetries
	}
	n.LastError = nil
	due := s.now().UTC()
	n.NextRetryAt = &due

	return n.Validate()
}

func renderPaymentOutcome(p *domain.PaymentAttempt) domain.NotificationPayload {
	amount := domain.CurrencyKES + " " + p.Amount.StringFixed(0)
	data := map[string]string{
		"paymentId": p.ID,
		"status":    p.Status.String(),
		"amount":    p.Amount.StringFixed(2),
	}

	if p.Status == domain.PaymentStatusCompleted {
		body := fmt.Sprintf("Payment of %s received. Thank you.", amount)
		if p.ReceiptNumber != nil && *p.ReceiptNumber != "" {
			body = fmt.Sprintf("Payment of %s received. M-Pesa ref %s. Thank you.", amount, *p.ReceiptNumber)
			data["receiptNumber"] = *p.ReceiptNumber
		}
		return domain.NotificationPayload{
			Event:   EventPaymentCompleted,
			Subject: "Rent payment received",
			Body:    body,
			Data:    data,
		}
	}

	reason := "the payment was not completed"
	if p.ResultDescription != nil && strings.TrimSpace(*p.ResultDescription) != "" {
		reason = truncateRunes(strings.TrimSpace(*p.ResultDescription), maxReasonLength)
	}
	return domain.NotificationPayload{
		Event:   EventPaymentFailed,
		Subject: "Rent payment not completed",
		Body:    fmt.Sprintf("Your rent payment of %s failed: %s. Please try again.", amount, reason),
		Data:    data,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// isNotFound is shared by the worker paths that ack messages for rows that
// no longer exist.
func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
