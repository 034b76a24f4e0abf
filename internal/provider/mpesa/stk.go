package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/provider"
)

const (
	transactionTypePayBill = "CustomerPayBillOnline"

	// Returned by the query endpoint while the payer has not answered the prompt.
	stillProcessingCode = "500.001.1001"

	maxAccountReferenceLen = 12
	maxDescriptionLen      = 13
)

type STKPushRequest struct {
	Amount           int64
	PhoneNumber      string
	AccountReference string
	Description      string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush asks the provider to prompt the payer's phone. A returned response
// always carries a CheckoutRequestID; rejections come back as *provider.ProviderError.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	ts := c.timestamp()
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   transactionTypePayBill,
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, maxAccountReferenceLen),
		TransactionDesc:   truncate(req.Description, maxDescriptionLen),
	}

	resp, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var out STKPushResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &provider.ProviderError{
			StatusCode: resp.StatusCode(),
			Message:    "decode stk push response",
			Cause:      err,
		}
	}
	if out.ResponseCode != "0" {
		return nil, &provider.ProviderError{
			StatusCode: resp.StatusCode(),
			Code:       out.ResponseCode,
			Message:    out.ResponseDescription,
		}
	}
	if out.CheckoutRequestID == "" {
		return nil, &provider.ProviderError{
			StatusCode: resp.StatusCode(),
			Message:    "stk push accepted without a CheckoutRequestID",
		}
	}

	return &out, nil
}

// Outcome is the provider's view of an STK transaction.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

type STKQueryResult struct {
	Outcome           Outcome
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// STKQuery asks the provider for the current outcome of a push.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, fmt.Errorf("checkout request id is required")
	}

	ts := c.timestamp()
	resp, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, err
	}

	if isStillProcessing(resp) {
		return &STKQueryResult{Outcome: OutcomePending, CheckoutRequestID: checkoutRequestID}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var out stkQueryResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &provider.ProviderError{Message: "decode stk query response", Cause: err}
	}

	result := &STKQueryResult{
		MerchantRequestID: out.MerchantRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
		ResultCode:        out.ResultCode,
		ResultDesc:        out.ResultDesc,
	}
	switch {
	case out.ResultCode == "":
		result.Outcome = OutcomePending
	case out.ResultCode == "0":
		result.Outcome = OutcomeCompleted
	default:
		result.Outcome = OutcomeFailed
	}

	return result, nil
}

func isStillProcessing(resp *resty.Response) bool {
	if resp == nil || resp.StatusCode() < http.StatusInternalServerError {
		return false
	}
	var er errorResponse
	if err := json.Unmarshal(resp.Body(), &er); err != nil {
		return false
	}
	return er.ErrorCode == stillProcessingCode
}

func encodePassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
