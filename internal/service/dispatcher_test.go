package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/provider"
	"go.uber.org/zap"
)

type dispatcherFixture struct {
	repo     *memNotificationRepo
	attempts *fakeAttemptRepo
	alerter  *fakeAlerter
	sms      *fakeSender
	email    *fakeSender
	whatsapp *fakeSender
	dispatch *Dispatcher
}

func newDispatcherFixture(t *testing.T, recipient domain.Recipient) *dispatcherFixture {
	t.Helper()

	f := &dispatcherFixture{
		repo:     newMemNotificationRepo(),
		attempts: &fakeAttemptRepo{},
		alerter:  &fakeAlerter{},
		sms:      &fakeSender{channel: domain.ChannelSMS},
		email:    &fakeSender{channel: domain.ChannelEmail},
		whatsapp: &fakeSender{channel: domain.ChannelWhatsApp},
	}

	d, err := NewDispatcher(
		f.repo,
		f.attempts,
		staticDirectory(recipient),
		provider.NewSenders(f.sms, f.email, f.whatsapp),
		&fakeRateLimiter{},
		f.alerter,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return testNow }
	d.randIntn = func(int) int { return 0 }
	f.dispatch = d
	return f
}

func (f *dispatcherFixture) seed(t *testing.T, channel domain.Channel) *domain.Notification {
	t.Helper()

	n := &domain.Notification{
		ID:           "n-1",
		TargetUserID: "tenant-1",
		Channel:      channel,
		Status:       domain.NotificationStatusPending,
		MaxRetries:   3,
		Payload:      domain.NotificationPayload{Event: EventPaymentCompleted, Subject: "Rent payment received", Body: "Payment of KES 500 received."},
	}
	if err := f.repo.Create(context.Background(), n); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return n
}

// claim mimics the worker: claim, then dispatch the claimed copy.
func (f *dispatcherFixture) claimAndSend(t *testing.T, id string) *DispatchResult {
	t.Helper()

	f.repo.mu.Lock()
	row := f.repo.rows[id]
	row.NextRetryAt = nil
	f.repo.rows[id] = row
	f.repo.mu.Unlock()

	n, err := f.repo.LockForDelivery(context.Background(), id, time.Minute)
	if err != nil || n == nil {
		t.Fatalf("LockForDelivery() = %v, %v", n, err)
	}
	result, err := f.dispatch.Send(context.Background(), n)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	return result
}

var fullRecipient = domain.Recipient{
	Phone:            "254712345678",
	Email:            "amina@example.com",
	PreferredChannel: domain.ChannelSMS,
}

func TestDispatcherSendSuccess(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.seed(t, domain.ChannelSMS)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusSent {
		t.Fatalf("status = %s, want sent", result.Status)
	}

	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.Status != domain.NotificationStatusSent || stored.RetryCount != 0 {
		t.Fatalf("stored = %+v", stored)
	}
	if len(f.sms.sent) != 1 || f.sms.sent[0].To != "254712345678" || f.sms.sent[0].Reference != "n-1" {
		t.Fatalf("sms deliveries = %+v", f.sms.sent)
	}
	if len(f.attempts.attempts) != 1 || !f.attempts.attempts[0].Success || *f.attempts.attempts[0].StatusCode != 200 {
		t.Fatalf("attempts = %+v", f.attempts.attempts)
	}
}

func TestDispatcherThreeTransientFailuresExhaustBudget(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.sms.sendFn = func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 503, Message: "gateway unavailable", Transient: true}
	}
	f.seed(t, domain.ChannelSMS)

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		result := f.claimAndSend(t, "n-1")
		if result.Status != domain.NotificationStatusPending {
			t.Fatalf("attempt %d status = %s, want pending", i+1, result.Status)
		}
		if result.NextRetryAt == nil || !result.NextRetryAt.Equal(testNow.Add(delay)) {
			t.Fatalf("attempt %d next retry = %v, want now+%s", i+1, result.NextRetryAt, delay)
		}
	}

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusFailed {
		t.Fatalf("final status = %s, want failed", result.Status)
	}

	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.Status != domain.NotificationStatusFailed || stored.RetryCount != 3 {
		t.Fatalf("stored status=%s retryCount=%d, want failed/3", stored.Status, stored.RetryCount)
	}
	if stored.LastError == nil || *stored.LastError == "" {
		t.Fatal("last error should be recorded")
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
	if len(f.attempts.attempts) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(f.attempts.attempts))
	}
	for i, a := range f.attempts.attempts {
		if a.AttemptNumber != i+1 || a.Success {
			t.Fatalf("attempt[%d] = %+v", i, a)
		}
	}
}

func TestDispatcherPermanentFailureFailsImmediately(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.sms.sendFn = func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 400, Message: "invalid msisdn"}
	}
	f.seed(t, domain.ChannelSMS)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", stored.RetryCount)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
}

func TestDispatcherFanOutSucceedsIfAnyChannelDelivers(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.sms.sendFn = func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 502, Transient: true}
	}
	f.seed(t, domain.ChannelAll)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusSent {
		t.Fatalf("status = %s, want sent", result.Status)
	}
	if len(result.Delivered) != 2 || result.Delivered[0] != domain.ChannelEmail || result.Delivered[1] != domain.ChannelWhatsApp {
		t.Fatalf("delivered = %v, want [email whatsapp]", result.Delivered)
	}
	if _, ok := result.Failures[domain.ChannelSMS]; !ok {
		t.Fatalf("failures = %v, want sms failure", result.Failures)
	}
	if len(f.whatsapp.sent) != 1 || f.whatsapp.sent[0].To != "254712345678" {
		t.Fatalf("whatsapp deliveries = %+v, want phone fallback", f.whatsapp.sent)
	}
	if len(f.attempts.attempts) != 3 {
		t.Fatalf("attempt rows = %d, want one per channel", len(f.attempts.attempts))
	}
}

func TestDispatcherNoConfiguredChannels(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, domain.Recipient{})
	f.seed(t, domain.ChannelAll)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
}

func TestDispatcherDirectoryOutageIsTransient(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.dispatch.directory = &fakeDirectory{lookupFn: func(ctx context.Context, userID string) (*domain.Recipient, error) {
		return nil, errors.New("identity service timeout")
	}}
	f.seed(t, domain.ChannelSMS)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusPending {
		t.Fatalf("status = %s, want pending retry", result.Status)
	}
}

func TestDispatcherFanOutSkipsDisabledChannels(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.dispatch.senders = provider.NewSenders(f.sms)
	f.sms.sendFn = func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 503, Transient: true}
	}
	f.seed(t, domain.ChannelAll)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusPending || result.NextRetryAt == nil {
		t.Fatalf("status = %s next retry = %v, want pending with a retry", result.Status, result.NextRetryAt)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %v, want only sms", result.Failures)
	}
	if len(f.attempts.attempts) != 1 || f.attempts.attempts[0].Channel != domain.ChannelSMS {
		t.Fatalf("attempts = %+v, want a single sms attempt", f.attempts.attempts)
	}

	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.Status != domain.NotificationStatusPending || stored.RetryCount != 1 {
		t.Fatalf("stored status=%s retryCount=%d, want pending/1", stored.Status, stored.RetryCount)
	}
	if f.alerter.count() != 0 {
		t.Fatalf("alerts = %d, want 0", f.alerter.count())
	}
}

func TestDispatcherMixedFailuresRetryWhileAnyIsTransient(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	unavailable := func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 503, Transient: true}
	}
	f.sms.sendFn = unavailable
	f.whatsapp.sendFn = unavailable
	f.email.sendFn = func(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
		return nil, &provider.ProviderError{StatusCode: 400, Message: "mailbox rejected"}
	}
	f.seed(t, domain.ChannelAll)

	for attempt := 1; attempt <= 2; attempt++ {
		result := f.claimAndSend(t, "n-1")
		if result.Status != domain.NotificationStatusPending {
			t.Fatalf("attempt %d status = %s, want pending", attempt, result.Status)
		}
		if f.alerter.count() != 0 {
			t.Fatalf("attempt %d alerts = %d, want 0", attempt, f.alerter.count())
		}
	}

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusFailed {
		t.Fatalf("final status = %s, want failed", result.Status)
	}
	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", stored.RetryCount)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.alerter.count())
	}
}

func TestDispatcherAttemptRecordFailureFinishesFanOut(t *testing.T) {
	t.Parallel()

	f := newDispatcherFixture(t, fullRecipient)
	f.attempts.createFn = func(ctx context.Context, a *domain.DeliveryAttempt) error {
		if a.Channel == domain.ChannelEmail {
			return errors.New("db down")
		}
		return nil
	}
	f.seed(t, domain.ChannelAll)

	result := f.claimAndSend(t, "n-1")
	if result.Status != domain.NotificationStatusSent {
		t.Fatalf("status = %s, want sent", result.Status)
	}
	if len(result.Delivered) != 3 {
		t.Fatalf("delivered = %v, want every channel", result.Delivered)
	}
	if len(result.Unrecorded) != 1 || result.Unrecorded[0] != domain.ChannelEmail {
		t.Fatalf("unrecorded = %v, want [email]", result.Unrecorded)
	}
	if len(f.sms.sent) != 1 || len(f.email.sent) != 1 || len(f.whatsapp.sent) != 1 {
		t.Fatalf("sends sms=%d email=%d whatsapp=%d, want one each", len(f.sms.sent), len(f.email.sent), len(f.whatsapp.sent))
	}

	stored, _ := f.repo.GetByID(context.Background(), "n-1")
	if stored.Status != domain.NotificationStatusSent || stored.NextRetryAt != nil {
		t.Fatalf("stored = %+v, want sent with no pending lease", stored)
	}
}

func TestDispatcherComputeRetryDelay(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{randIntn: func(n int) int { return n - 1 }}

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second + 250*time.Millisecond},
		{attempt: 1, want: time.Second + 250*time.Millisecond},
		{attempt: 3, want: 4*time.Second + 250*time.Millisecond},
		{attempt: 20, want: maxRetryDelay + 250*time.Millisecond},
	}
	for _, tc := range testCases {
		if got := d.computeRetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("computeRetryDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
