package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyKES is the only currency the mobile-money provider settles in.
const CurrencyKES = "KES"

// PaymentStatus represents the lifecycle state of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) String() string { return string(s) }

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusInitiated, PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed:
		return true
	}
	return false
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Transitions only move forward; nothing returns to initiated.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusInitiated:
		return next == PaymentStatusPending || next == PaymentStatusFailed
	case PaymentStatusPending:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed
	}
	return false
}

func ParsePaymentStatusFromString(s string) (PaymentStatus, error) {
	st := PaymentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid payment status %q", ErrValidation, s)
	}
	return st, nil
}

// PaymentAttempt is an append-only record of one mobile-money collection.
type PaymentAttempt struct {
	ID                  string
	TenantID            string
	Amount              decimal.Decimal
	PhoneNumber         string
	ExternalReferenceID *string
	MerchantRequestID   *string
	Status              PaymentStatus
	ResultCode          *string
	ResultDescription   *string
	ReceiptNumber       *string
	InitiatedBy         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// TransitionDetails carries the provider outcome stored alongside a status change.
type TransitionDetails struct {
	ResultCode        string
	ResultDescription string
	ReceiptNumber     string
}

// PaymentRequest is the raw input for a payment initiation.
type PaymentRequest struct {
	TenantID    string
	Amount      decimal.Decimal
	PhoneNumber string
}

// ValidatePaymentRequest checks a request and returns it with the phone
// number normalised. All problems are reported together.
func ValidatePaymentRequest(req PaymentRequest) (PaymentRequest, error) {
	verr := &ValidationError{}

	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		verr.Add("tenantId", "is required")
	}

	switch {
	case !req.Amount.IsPositive():
		verr.Add("amount", "must be greater than zero")
	case !req.Amount.IsInteger():
		verr.Add("amount", "must be a whole amount")
	case req.Amount.GreaterThan(MaxPaymentAmount):
		verr.Add("amount", fmt.Sprintf("must not exceed %s", MaxPaymentAmount.String()))
	}

	phone, err := NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		verr.Add("phoneNumber", err.Error())
	}
	req.PhoneNumber = phone

	if err := verr.Err(); err != nil {
		return PaymentRequest{}, err
	}
	return req, nil
}

// MaxPaymentAmount is the M-Pesa per-transaction ceiling.
var MaxPaymentAmount = decimal.NewFromInt(250000)

// NormalizePhoneNumber converts local and international Safaricom formats
// (07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX, 2547XXXXXXXX) to the 2547/2541 MSISDN
// form the provider expects.
func NormalizePhoneNumber(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return "", fmt.Errorf("is required")
	}
	cleaned = strings.TrimPrefix(cleaned, "+")

	switch {
	case len(cleaned) == 10 && strings.HasPrefix(cleaned, "0"):
		cleaned = "254" + cleaned[1:]
	case len(cleaned) == 9 && (cleaned[0] == '7' || cleaned[0] == '1'):
		cleaned = "254" + cleaned
	}

	if len(cleaned) != 12 || !strings.HasPrefix(cleaned, "254") {
		return "", fmt.Errorf("must be a valid Kenyan mobile number")
	}
	if cleaned[3] != '7' && cleaned[3] != '1' {
		return "", fmt.Errorf("must be a valid Kenyan mobile number")
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("must contain digits only")
		}
	}

	return cleaned, nil
}
