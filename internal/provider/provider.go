package provider

import (
	"context"

	"github.com/kursadbilgin/rentpay/internal/domain"
)

// Delivery is one rendered message addressed for a single transport.
type Delivery struct {
	Channel   domain.Channel
	To        string
	Subject   string
	Body      string
	Reference string
}

// Sender is the outbound port for a single delivery channel.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, d Delivery) (*Response, error)
}

// Response stores transport call metadata for the attempt log.
type Response struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Senders indexes transports by the channel they serve.
type Senders map[domain.Channel]Sender

func NewSenders(senders ...Sender) Senders {
	out := make(Senders, len(senders))
	for _, s := range senders {
		if s != nil {
			out[s.Channel()] = s
		}
	}
	return out
}

// Channels lists the enabled concrete channels in delivery order.
func (s Senders) Channels() []domain.Channel {
	out := make([]domain.Channel, 0, len(s))
	for _, ch := range domain.DeliveryChannels {
		if _, ok := s[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
