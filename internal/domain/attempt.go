package domain

import "time"

// DeliveryAttempt records a single transport call made for a notification.
// A fan-out to all channels produces one row per channel.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Channel        Channel
	Success        bool
	StatusCode     *int
	ResponseBody   *string
	Error          *string
	CreatedAt      time.Time
}
