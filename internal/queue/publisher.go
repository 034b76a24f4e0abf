package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const messageType = "notification.dispatch"

// RabbitMQPublisher publishes persistent messages over a single confirm-mode
// channel and waits for the broker ack of each one. The channel is reopened
// after any failure.
type RabbitMQPublisher struct {
	client *RabbitMQ
	appID  string
	now    func() time.Time

	mu sync.Mutex
	ch *amqp.Channel
}

func NewRabbitMQPublisher(client *RabbitMQ, appID string) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, appID: appID, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg NotificationMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := p.envelope(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.confirmChannel(ctx)
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		p.discardChannel()
		return fmt.Errorf("failed to publish to %q: %w", queue, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		p.discardChannel()
		return fmt.Errorf("no broker confirm for %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message for %q", queue)
	}
	return nil
}

func (p *RabbitMQPublisher) envelope(msg NotificationMessage) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid notification message: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode notification message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Type:          messageType,
		AppId:         p.appID,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.NotificationID + ":" + strconv.Itoa(msg.Attempt),
		CorrelationId: msg.CorrelationID,
		Headers:       amqp.Table{"x-attempt": int32(msg.Attempt)},
		Body:          body,
	}, nil
}

// confirmChannel must be called with mu held.
func (p *RabbitMQPublisher) confirmChannel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *RabbitMQPublisher) discardChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close releases the publishing channel. The connection belongs to RabbitMQ.
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discardChannel()
	return nil
}
