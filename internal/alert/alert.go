package alert

import (
	"context"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"go.uber.org/zap"
)

const KindNotificationExhausted = "notification_exhausted"

// Alerter raises conditions that need a human to look at them.
type Alerter interface {
	NotificationExhausted(ctx context.Context, n *domain.Notification, lastError string)
}

type alertMetrics interface {
	IncOperatorAlert(kind string)
}

// LogAlerter writes alerts as error-level log lines tagged alert=true so the
// log pipeline can route them, and counts them.
type LogAlerter struct {
	logger  *zap.Logger
	metrics alertMetrics
}

func NewLogAlerter(logger *zap.Logger, metrics alertMetrics) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger, metrics: metrics}
}

func (a *LogAlerter) NotificationExhausted(ctx context.Context, n *domain.Notification, lastError string) {
	if n == nil {
		return
	}

	observability.WithContextLogger(a.logger, ctx).Error("notification delivery exhausted",
		zap.Bool("alert", true),
		zap.String("kind", KindNotificationExhausted),
		zap.String("notificationId", n.ID),
		zap.String("targetUserId", n.TargetUserID),
		zap.String("channel", n.Channel.String()),
		zap.String("event", n.Payload.Event),
		zap.Int("maxRetries", n.MaxRetries),
		zap.String("lastError", lastError),
	)

	if a.metrics != nil {
		a.metrics.IncOperatorAlert(KindNotificationExhausted)
	}
}
