package provider

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/kursadbilgin/rentpay/internal/domain"
	mail "gopkg.in/mail.v2"
)

// EmailSender delivers plain-text mail over SMTP.
type EmailSender struct {
	from string
	send func(m *mail.Message) error
}

func NewEmailSender(host string, port int, username, password, from string) (*EmailSender, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	dialer := mail.NewDialer(host, port, username, password)
	dialer.Timeout = defaultTransportTimeout

	return &EmailSender{
		from: from,
		send: func(m *mail.Message) error { return dialer.DialAndSend(m) },
	}, nil
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, d Delivery) (*Response, error) {
	if strings.TrimSpace(d.To) == "" {
		return nil, &ProviderError{Message: "email recipient is empty"}
	}
	if err := ctx.Err(); err != nil {
		return nil, RequestError(err)
	}

	subject := d.Subject
	if subject == "" {
		subject = "Rent payment update"
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", d.To)
	m.SetHeader("Subject", subject)
	if d.Reference != "" {
		m.SetHeader("X-Entity-Ref-ID", d.Reference)
	}
	m.SetBody("text/plain", d.Body)

	if err := s.send(m); err != nil {
		return nil, classifySMTPError(err)
	}
	return &Response{StatusCode: 250}, nil
}

// SMTP 5xx replies are permanent; 4xx replies and connection failures are not.
func classifySMTPError(err error) *ProviderError {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &ProviderError{
			StatusCode: protoErr.Code,
			Message:    protoErr.Msg,
			Transient:  protoErr.Code < 500,
			Cause:      err,
		}
	}
	return &ProviderError{
		Message:   "smtp delivery failed",
		Transient: true,
		Cause:     err,
	}
}
