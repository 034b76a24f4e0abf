package queue

import (
	"context"
	"fmt"
)

// Publisher publishes notification messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg NotificationMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg NotificationMessage) error

// Consumer consumes notification messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// DispatchQueue carries notifications ready for a delivery attempt.
	DispatchQueue = "notifications.dispatch"

	dlxExchangeName = "rentpay.dlx"
)

// DLQName returns the dead-letter queue for a work queue.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames lists every queue consumers read from.
func WorkQueueNames() []string {
	return []string{DispatchQueue}
}
