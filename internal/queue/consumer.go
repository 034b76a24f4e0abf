package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// disposition is what happens to a delivery once the handler has run.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// RabbitMQConsumer reads dispatch messages with manual acks. A handler error
// requeues a message once; a second failure dead-letters it. Delivery state
// lives in the database, so a dead-lettered message is recovered by the
// retry scanner rather than by replaying the DLQ.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{
		client:   client,
		prefetch: max(prefetch, 1),
		logger:   logger,
	}
}

// Consume blocks until ctx ends, resubscribing with backoff when the broker
// connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	switch {
	case c == nil || c.client == nil:
		return fmt.Errorf("consumer is not initialized")
	case queue == "":
		return fmt.Errorf("queue name is required")
	case handler == nil:
		return fmt.Errorf("message handler is required")
	}

	logger := c.logger.With(zap.String("queue", queue))
	wait := reconnectBackoff

	for ctx.Err() == nil {
		err := c.subscribe(ctx, queue, handler, logger)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		logger.Warn("consumer disconnected, resubscribing", zap.Duration("retryIn", wait), zap.Error(err))
		if !sleepContext(ctx, wait) {
			break
		}
		wait = min(wait*2, maxBackoff)
	}
	return nil
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler, logger *zap.Logger) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream for %q closed", queue)
			}
			if err := settle(d, c.process(ctx, d, handler, logger)); err != nil {
				return fmt.Errorf("failed to settle delivery: %w", err)
			}
		}
	}
}

func (c *RabbitMQConsumer) process(ctx context.Context, d amqp.Delivery, handler MessageHandler, logger *zap.Logger) disposition {
	logger = logger.With(zap.String("messageId", d.MessageId))

	msg, err := decodeMessage(d.Body, d.CorrelationId)
	if err != nil {
		logger.Warn("dead-lettering undecodable message", zap.Error(err))
		return dispositionDeadLetter
	}

	handlerErr := handler(ctx, msg)
	disp := decide(handlerErr, d.Redelivered)
	if handlerErr != nil {
		logger.Warn("message handler failed",
			zap.String("notificationId", msg.NotificationID),
			zap.String("disposition", disp.String()),
			zap.Error(handlerErr),
		)
	}
	return disp
}

func decide(handlerErr error, redelivered bool) disposition {
	switch {
	case handlerErr == nil:
		return dispositionAck
	case redelivered:
		return dispositionDeadLetter
	default:
		return dispositionRequeue
	}
}

// decodeMessage falls back to the AMQP correlation id when the body has none.
func decodeMessage(body []byte, correlationID string) (NotificationMessage, error) {
	var msg NotificationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return NotificationMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return NotificationMessage{}, err
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlationID
	}
	return msg, nil
}

func settle(d amqp.Delivery, disp disposition) error {
	switch disp {
	case dispositionAck:
		return d.Ack(false)
	case dispositionRequeue:
		return d.Nack(false, true)
	default:
		return d.Reject(false)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close is a no-op; the shared connection is closed by its owner.
func (c *RabbitMQConsumer) Close() error {
	return nil
}
