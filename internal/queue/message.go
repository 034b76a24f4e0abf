package queue

import (
	"fmt"
	"strings"
)

// NotificationMessage only references the stored notification; the worker
// reloads state from the database so stale broker copies are harmless.
type NotificationMessage struct {
	NotificationID string `json:"notificationId"`
	CorrelationID  string `json:"correlationId,omitempty"`
	Attempt        int    `json:"attempt"`
}

func (m NotificationMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if m.Attempt < 0 {
		return fmt.Errorf("attempt must not be negative")
	}
	return nil
}
