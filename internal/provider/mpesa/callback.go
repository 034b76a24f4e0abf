package mpesa

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/shopspring/decimal"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) when the callback
// is relayed by a component that can sign.
const SignatureHeader = "X-Callback-Signature"

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []callbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the normalised outcome of an STK callback.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Amount            decimal.Decimal
	ReceiptNumber     string
	PhoneNumber       string
	TransactionDate   string
}

func (r *CallbackResult) Success() bool {
	return r.ResultCode == "0"
}

// Outcome maps the callback onto the terminal payment status it implies.
func (r *CallbackResult) Outcome() domain.PaymentStatus {
	if r.Success() {
		return domain.PaymentStatusCompleted
	}
	return domain.PaymentStatusFailed
}

func ParseSTKCallback(payload []byte) (*CallbackResult, error) {
	var env stkCallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: malformed callback body: %v", domain.ErrValidation, err)
	}

	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: callback has no stkCallback", domain.ErrValidation)
	}
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: callback has no CheckoutRequestID", domain.ErrValidation)
	}
	if cb.ResultCode == "" {
		return nil, fmt.Errorf("%w: callback has no ResultCode", domain.ErrValidation)
	}

	result := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode.String(),
		ResultDesc:        cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		value := scalarString(item.Value)
		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				result.Amount = amount
			}
		case "MpesaReceiptNumber":
			result.ReceiptNumber = value
		case "PhoneNumber":
			result.PhoneNumber = value
		case "TransactionDate":
			result.TransactionDate = value
		}
	}

	return result, nil
}

// scalarString renders a JSON string or number without quotes or exponent.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if d, err := decimal.NewFromString(string(raw)); err == nil {
		return d.String()
	}
	return string(raw)
}

// CallbackAck is the body the provider expects in reply to a callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Accepted() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}

// Verifier authenticates inbound callbacks with a shared secret, either as an
// HMAC signature over the body or as the token embedded in the callback URL.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("callback secret must be at least 16 characters")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

func (v *Verifier) Verify(body []byte, signature, token string) error {
	if sig := strings.TrimSpace(signature); sig != "" {
		given, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
		if err != nil {
			return fmt.Errorf("%w: malformed callback signature", domain.ErrUnauthenticated)
		}
		if !hmac.Equal(given, v.Sign(body)) {
			return fmt.Errorf("%w: callback signature mismatch", domain.ErrUnauthenticated)
		}
		return nil
	}

	if token != "" && subtle.ConstantTimeCompare([]byte(token), v.secret) == 1 {
		return nil
	}
	return fmt.Errorf("%w: callback is not signed", domain.ErrUnauthenticated)
}

func (v *Verifier) Sign(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
