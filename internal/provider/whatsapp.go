package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/domain"
)

type whatsAppRequest struct {
	MessageType string `json:"messageType"`
	To          string `json:"to"`
	Text        string `json:"text"`
	Reference   string `json:"reference,omitempty"`
}

// WhatsAppSender sends text messages through a WhatsApp business HTTP API.
type WhatsAppSender struct {
	client   *resty.Client
	endpoint string
	token    string
}

func NewWhatsAppSender(endpoint, token string) (*WhatsAppSender, error) {
	return NewWhatsAppSenderWithClient(endpoint, token, resty.New())
}

func NewWhatsAppSenderWithClient(endpoint, token string, client *resty.Client) (*WhatsAppSender, error) {
	trimmed, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &WhatsAppSender{
		client:   prepareClient(client),
		endpoint: trimmed,
		token:    token,
	}, nil
}

func (s *WhatsAppSender) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (s *WhatsAppSender) Send(ctx context.Context, d Delivery) (*Response, error) {
	if strings.TrimSpace(d.To) == "" {
		return nil, &ProviderError{Message: "whatsapp recipient is empty"}
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(whatsAppRequest{
			MessageType: "text",
			To:          d.To,
			Text:        d.Body,
			Reference:   d.Reference,
		})
	if s.token != "" {
		req.SetAuthToken(s.token)
	}

	return finish(req.Post(s.endpoint))
}
