package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrPaymentGateway  = errors.New("payment gateway error")
	ErrUnknownPayment  = errors.New("unknown payment")
	ErrDelivery        = errors.New("delivery error")
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects every problem found in a request so callers can
// report them together instead of one at a time.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// Err returns nil when no field was rejected.
func (e *ValidationError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Message))
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// PaymentGatewayError is returned when the mobile-money provider rejects or
// times out an initiation. ReasonCode is the provider's own code.
type PaymentGatewayError struct {
	ReasonCode string
	Message    string
	Cause      error
}

func (e *PaymentGatewayError) Error() string {
	msg := "payment provider rejected the request"
	if e.ReasonCode != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.ReasonCode)
	}
	if m := strings.TrimSpace(e.Message); m != "" {
		msg = fmt.Sprintf("%s: %s", msg, m)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *PaymentGatewayError) Unwrap() error { return e.Cause }

func (e *PaymentGatewayError) Is(target error) bool {
	return target == ErrPaymentGateway
}

// UnknownPaymentError is raised for callbacks whose reference matches no
// payment attempt. It is never surfaced to end users.
type UnknownPaymentError struct {
	Reference string
}

func (e *UnknownPaymentError) Error() string {
	return fmt.Sprintf("no payment attempt for external reference %q", e.Reference)
}

func (e *UnknownPaymentError) Is(target error) bool {
	return target == ErrUnknownPayment
}

// DeliveryError wraps a channel transport failure.
type DeliveryError struct {
	Channel   Channel
	Transient bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s delivery failure on %s", kind, e.Channel)
	}
	return fmt.Sprintf("%s delivery failure on %s: %v", kind, e.Channel, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// AuthorizationError is returned when a principal lacks the role an action needs.
type AuthorizationError struct {
	PrincipalID string
	Action      string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("principal %q is not allowed to %s", e.PrincipalID, e.Action)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrForbidden
}
