package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/domain"
)

const defaultTransportTimeout = 10 * time.Second

// SMSSender posts form-encoded messages to a bulk SMS gateway.
type SMSSender struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	senderID string
}

func NewSMSSender(endpoint, apiKey, senderID string) (*SMSSender, error) {
	return NewSMSSenderWithClient(endpoint, apiKey, senderID, resty.New())
}

func NewSMSSenderWithClient(endpoint, apiKey, senderID string, client *resty.Client) (*SMSSender, error) {
	trimmed, err := validateEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sms: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	return &SMSSender{
		client:   prepareClient(client),
		endpoint: trimmed,
		apiKey:   apiKey,
		senderID: senderID,
	}, nil
}

func (s *SMSSender) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, d Delivery) (*Response, error) {
	if strings.TrimSpace(d.To) == "" {
		return nil, &ProviderError{Message: "sms recipient is empty"}
	}

	req := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"senderid": s.senderID,
			"mobile":   d.To,
			"msg":      d.Body,
			"msgType":  "text",
			"output":   "json",
		})
	if s.apiKey != "" {
		req.SetHeader("apikey", s.apiKey)
	}

	return finish(req.Post(s.endpoint))
}

func validateEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	return trimmed, nil
}

// Retries belong to the dispatcher, never to the HTTP client.
func prepareClient(client *resty.Client) *resty.Client {
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTransportTimeout)
	}
	client.SetRetryCount(0)
	return client
}

func finish(response *resty.Response, err error) (*Response, error) {
	if err != nil {
		return nil, RequestError(err)
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Response{
			StatusCode: statusCode,
			Body:       body,
			MessageID:  messageID(response),
		}, nil
	}

	return nil, StatusError(statusCode, body)
}

func messageID(response *resty.Response) string {
	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}
