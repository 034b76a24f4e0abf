package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/rentpay/internal/domain"
)

// ProviderError is a failed call to an external system: the payment gateway,
// a messaging channel or an SMTP relay. Code is the remote reason code when
// the remote side sent one.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("provider error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether retrying the same call may succeed.
// Cancellation is never transient; deadlines and network timeouts are.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var (
		deliveryErr *domain.DeliveryError
		providerErr *ProviderError
		netErr      net.Error
	)
	switch {
	case errors.As(err, &deliveryErr):
		return deliveryErr.Transient
	case errors.As(err, &providerErr):
		return providerErr.Transient
	case errors.As(err, &netErr):
		return netErr.Timeout()
	default:
		return false
	}
}

// IsTransientHTTPStatus is true for 429 and any 5xx.
func IsTransientHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= http.StatusInternalServerError && statusCode < 600
}

// RequestError wraps a failure that produced no HTTP response at all.
func RequestError(err error) *ProviderError {
	return &ProviderError{
		Message:   "request not completed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

// StatusError builds the error for a non-2xx response. A non-empty body is
// kept in the message for the attempt log.
func StatusError(statusCode int, body string) *ProviderError {
	pe := &ProviderError{
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
		Transient:  IsTransientHTTPStatus(statusCode),
	}
	if body = strings.TrimSpace(body); body != "" {
		pe.Message = body
	}
	return pe
}
