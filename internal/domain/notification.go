package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationStatus represents the lifecycle state of a notification.
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

func (s NotificationStatus) String() string { return string(s) }

func (s NotificationStatus) IsValid() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusFailed:
		return true
	}
	return false
}

func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationStatusSent || s == NotificationStatusFailed
}

func ParseNotificationStatusFromString(s string) (NotificationStatus, error) {
	st := NotificationStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel. Values are append-only: stored
// rows and the database enum must keep accepting every value ever shipped.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelAll      Channel = "all"
)

// DeliveryChannels lists the concrete transports, in fan-out order.
var DeliveryChannels = []Channel{ChannelSMS, ChannelEmail, ChannelWhatsApp}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelWhatsApp, ChannelAll:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Content limits per channel (in characters).
const (
	MaxSMSContent      = 160
	MaxWhatsAppContent = 4096
	MaxEmailContent    = 10000
)

// DefaultMaxRetries is the delivery budget when a notification sets none.
const DefaultMaxRetries = 3

// NotificationPayload is the rendered message plus event metadata.
type NotificationPayload struct {
	Event   string            `json:"event"`
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

// Notification is a message for one user, delivered on one channel or all of them.
type Notification struct {
	ID            string
	CorrelationID string
	TargetUserID  string
	Channel       Channel
	Status        NotificationStatus
	RetryCount    int
	MaxRetries    int
	Payload       NotificationPayload
	LastError     *string
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RetryBudgetExhausted reports whether a failure of the in-flight attempt
// (number RetryCount+1) uses up the budget, so it must not be retried.
func (n *Notification) RetryBudgetExhausted() bool {
	return n.RetryCount+1 >= n.maxRetries()
}

func (n *Notification) maxRetries() int {
	if n.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return n.MaxRetries
}

func (n *Notification) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(n.TargetUserID) == "" {
		verr.Add("targetUserId", "is required")
	}
	if !n.Channel.IsValid() {
		verr.Add("channel", fmt.Sprintf("invalid channel %q", n.Channel))
	}
	if strings.TrimSpace(n.Payload.Body) == "" {
		verr.Add("payload.body", "is required")
	}
	if n.RetryCount < 0 {
		verr.Add("retryCount", "must not be negative")
	}

	contentLen := len([]rune(n.Payload.Body))
	switch n.Channel {
	case ChannelSMS, ChannelAll:
		// all includes sms, so the strictest limit applies
		if contentLen > MaxSMSContent {
			verr.Add("payload.body", fmt.Sprintf("exceeds %d characters for sms (got %d)", MaxSMSContent, contentLen))
		}
	case ChannelWhatsApp:
		if contentLen > MaxWhatsAppContent {
			verr.Add("payload.body", fmt.Sprintf("exceeds %d characters for whatsapp (got %d)", MaxWhatsAppContent, contentLen))
		}
	case ChannelEmail:
		if contentLen > MaxEmailContent {
			verr.Add("payload.body", fmt.Sprintf("exceeds %d characters for email (got %d)", MaxEmailContent, contentLen))
		}
	}

	return verr.Err()
}
