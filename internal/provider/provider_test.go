package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/rentpay/internal/domain"
	mail "gopkg.in/mail.v2"
)

func TestSMSSenderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotForm map[string]string
	var gotAPIKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = map[string]string{
			"mobile":   r.PostForm.Get("mobile"),
			"msg":      r.PostForm.Get("msg"),
			"senderid": r.PostForm.Get("senderid"),
		}
		gotAPIKey = r.Header.Get("apikey")

		w.Header().Set("X-Message-ID", "sms-1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	s, err := NewSMSSender(server.URL, "key-1", "RENTPAY")
	if err != nil {
		t.Fatalf("NewSMSSender() error = %v", err)
	}

	resp, err := s.Send(context.Background(), Delivery{
		Channel: domain.ChannelSMS,
		To:      "254712345678",
		Body:    "Payment received",
	})
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if resp.MessageID != "sms-1" {
		t.Fatalf("MessageID = %q, want sms-1", resp.MessageID)
	}
	if gotForm["mobile"] != "254712345678" || gotForm["msg"] != "Payment received" || gotForm["senderid"] != "RENTPAY" {
		t.Fatalf("form = %v", gotForm)
	}
	if gotAPIKey != "key-1" {
		t.Fatalf("apikey header = %q, want key-1", gotAPIKey)
	}
}

func TestSMSSenderSendStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("gateway failed"))
			}))
			defer server.Close()

			s, err := NewSMSSender(server.URL, "", "RENTPAY")
			if err != nil {
				t.Fatalf("NewSMSSender() error = %v", err)
			}

			_, err = s.Send(context.Background(), Delivery{To: "254712345678", Body: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.StatusCode != tc.statusCode {
				t.Fatalf("ProviderError.StatusCode = %d, want %d", providerErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestSMSSenderTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	s, err := NewSMSSenderWithClient(server.URL, "", "RENTPAY", client)
	if err != nil {
		t.Fatalf("NewSMSSenderWithClient() error = %v", err)
	}

	_, err = s.Send(context.Background(), Delivery{To: "254712345678", Body: "hi"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestSMSSenderEmptyRecipientIsPermanent(t *testing.T) {
	t.Parallel()

	s, err := NewSMSSender("http://127.0.0.1:1/send", "", "RENTPAY")
	if err != nil {
		t.Fatalf("NewSMSSender() error = %v", err)
	}

	_, err = s.Send(context.Background(), Delivery{Body: "hi"})
	if err == nil || IsTransient(err) {
		t.Fatalf("Send() error = %v, want permanent error", err)
	}
}

func TestWhatsAppSenderSend(t *testing.T) {
	t.Parallel()

	var got whatsAppRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s, err := NewWhatsAppSender(server.URL, "wa-token")
	if err != nil {
		t.Fatalf("NewWhatsAppSender() error = %v", err)
	}

	if _, err := s.Send(context.Background(), Delivery{To: "254712345678", Body: "hello", Reference: "n-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer wa-token" {
		t.Fatalf("Authorization = %q, want Bearer wa-token", gotAuth)
	}
	if got.To != "254712345678" || got.Text != "hello" || got.MessageType != "text" || got.Reference != "n-1" {
		t.Fatalf("request = %+v", got)
	}
}

func TestEmailSenderClassifiesSMTPReplies(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{name: "mailbox unavailable", err: &textproto.Error{Code: 550, Msg: "no such user"}, wantTransient: false},
		{name: "greylisted", err: &textproto.Error{Code: 451, Msg: "try again later"}, wantTransient: true},
		{name: "connection refused", err: fmt.Errorf("dial tcp: connection refused"), wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := &EmailSender{
				from: "billing@example.com",
				send: func(m *mail.Message) error { return tc.err },
			}

			_, err := s.Send(context.Background(), Delivery{To: "tenant@example.com", Body: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
		})
	}
}

func TestEmailSenderBuildsMessage(t *testing.T) {
	t.Parallel()

	var sent *mail.Message
	s := &EmailSender{
		from: "billing@example.com",
		send: func(m *mail.Message) error {
			sent = m
			return nil
		},
	}

	resp, err := s.Send(context.Background(), Delivery{To: "tenant@example.com", Subject: "Paid", Body: "thanks"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.StatusCode != 250 {
		t.Fatalf("StatusCode = %d, want 250", resp.StatusCode)
	}
	if got := sent.GetHeader("To"); len(got) != 1 || got[0] != "tenant@example.com" {
		t.Fatalf("To header = %v", got)
	}
	if got := sent.GetHeader("Subject"); len(got) != 1 || got[0] != "Paid" {
		t.Fatalf("Subject header = %v", got)
	}
}

func TestNewSendersIndexesByChannel(t *testing.T) {
	t.Parallel()

	sms, _ := NewSMSSender("http://sms.local/send", "", "RENTPAY")
	wa, _ := NewWhatsAppSender("http://wa.local/send", "")

	senders := NewSenders(sms, nil, wa)
	if len(senders) != 2 {
		t.Fatalf("len(senders) = %d, want 2", len(senders))
	}
	if senders[domain.ChannelSMS] != sms || senders[domain.ChannelWhatsApp] != wa {
		t.Fatal("senders not indexed by channel")
	}
	if got := senders.Channels(); len(got) != 2 || got[0] != domain.ChannelSMS || got[1] != domain.ChannelWhatsApp {
		t.Fatalf("Channels() = %v, want [sms whatsapp]", got)
	}
}
