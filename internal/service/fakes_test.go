package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/provider"
	"github.com/kursadbilgin/rentpay/internal/provider/mpesa"
	"github.com/kursadbilgin/rentpay/internal/queue"
	"github.com/kursadbilgin/rentpay/internal/repository"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// memPaymentRepo applies the same conditional updates as the gorm repository.
type memPaymentRepo struct {
	mu          sync.Mutex
	rows        map[string]domain.PaymentAttempt
	creates     int
	transitions   int
	createErr     error
	transitionErr error
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{rows: make(map[string]domain.PaymentAttempt)}
}

func (r *memPaymentRepo) Create(ctx context.Context, p *domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.creates++
	p.CreatedAt = testNow
	p.UpdatedAt = testNow
	r.rows[p.ID] = *p
	return nil
}

func (r *memPaymentRepo) GetByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

func (r *memPaymentRepo) GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ExternalReferenceID != nil && *row.ExternalReferenceID == ref {
			row := row
			return &row, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPaymentRepo) MarkPending(ctx context.Context, id, externalRef, merchantRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.PaymentStatusInitiated || row.ExternalReferenceID != nil {
		return false, nil
	}
	row.Status = domain.PaymentStatusPending
	row.ExternalReferenceID = &externalRef
	row.MerchantRequestID = &merchantRef
	r.rows[id] = row
	return true, nil
}

func (r *memPaymentRepo) Transition(ctx context.Context, id string, from, to domain.PaymentStatus, details domain.TransitionDetails) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, domain.ErrConflict
	}
	if r.transitionErr != nil {
		return false, r.transitionErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	r.transitions++
	row.Status = to
	if details.ResultCode != "" {
		row.ResultCode = &details.ResultCode
	}
	if details.ResultDescription != "" {
		row.ResultDescription = &details.ResultDescription
	}
	if details.ReceiptNumber != "" {
		row.ReceiptNumber = &details.ReceiptNumber
	}
	r.rows[id] = row
	return true, nil
}

func (r *memPaymentRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PaymentAttempt, 0)
	for _, row := range r.rows {
		if row.Status == domain.PaymentStatusPending && !row.UpdatedAt.After(olderThan) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPaymentRepo) put(p domain.PaymentAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.ID] = p
}

// memNotificationRepo mirrors the pending-only guards of the gorm repository.
type memNotificationRepo struct {
	mu      sync.Mutex
	rows    map[string]domain.Notification
	cleared []string
	now     func() time.Time
}

func newMemNotificationRepo() *memNotificationRepo {
	return &memNotificationRepo{rows: make(map[string]domain.Notification), now: func() time.Time { return testNow }}
}

func (r *memNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.CreatedAt = r.now()
	n.UpdatedAt = r.now()
	r.rows[n.ID] = *n
	return nil
}

func (r *memNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &row, nil
}

func (r *memNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, 0, len(r.rows))
	for _, row := range r.rows {
		if params.Status != nil && row.Status != *params.Status {
			continue
		}
		out = append(out, row)
	}
	return out, int64(len(out)), nil
}

func (r *memNotificationRepo) LockForDelivery(ctx context.Context, id string, lease time.Duration) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	now := r.now()
	if row.Status != domain.NotificationStatusPending || (row.NextRetryAt != nil && row.NextRetryAt.After(now)) {
		return nil, nil
	}
	until := now.Add(lease)
	row.NextRetryAt = &until
	r.rows[id] = row
	return &row, nil
}

func (r *memNotificationRepo) MarkSent(ctx context.Context, id string) (bool, error) {
	return r.update(id, func(row *domain.Notification) bool {
		row.Status = domain.NotificationStatusSent
		row.NextRetryAt = nil
		return true
	})
}

func (r *memNotificationRepo) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) (bool, error) {
	return r.update(id, func(row *domain.Notification) bool {
		if row.RetryCount >= row.MaxRetries {
			return false
		}
		row.RetryCount++
		row.NextRetryAt = &nextRetryAt
		row.LastError = &lastError
		return true
	})
}

func (r *memNotificationRepo) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	return r.update(id, func(row *domain.Notification) bool {
		row.Status = domain.NotificationStatusFailed
		row.RetryCount = min(row.RetryCount+1, row.MaxRetries)
		row.NextRetryAt = nil
		row.LastError = &lastError
		return true
	})
}

func (r *memNotificationRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, 0)
	for _, row := range r.rows {
		if row.Status == domain.NotificationStatusPending && row.NextRetryAt != nil && !row.NextRetryAt.After(r.now()) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memNotificationRepo) ClearNextRetryAt(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if ok && row.Status == domain.NotificationStatusPending && row.NextRetryAt != nil && !row.NextRetryAt.After(r.now()) {
		row.NextRetryAt = nil
		r.rows[id] = row
		r.cleared = append(r.cleared, id)
	}
	return nil
}

func (r *memNotificationRepo) update(id string, fn func(row *domain.Notification) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != domain.NotificationStatusPending {
		return false, nil
	}
	if !fn(&row) {
		return false, nil
	}
	r.rows[id] = row
	return true, nil
}

func (r *memNotificationRepo) all() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	createFn func(ctx context.Context, a *domain.DeliveryAttempt) error
}

func (r *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if r.createFn != nil {
		if err := r.createFn(ctx, a); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, *a)
	return nil
}

func (r *fakeAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeliveryAttempt, 0)
	for _, a := range r.attempts {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeAuditRepo struct {
	entries  []domain.AuditEntry
	recordFn func(ctx context.Context, e *domain.AuditEntry) error
}

func (r *fakeAuditRepo) Record(ctx context.Context, e *domain.AuditEntry) error {
	if r.recordFn != nil {
		if err := r.recordFn(ctx, e); err != nil {
			return err
		}
	}
	r.entries = append(r.entries, *e)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.NotificationMessage
	publishFn func(ctx context.Context, queueName string, msg queue.NotificationMessage) error
}

func (p *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.NotificationMessage) error {
	if p.publishFn != nil {
		if err := p.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (c *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if c.consumeFn != nil {
		return c.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

type fakeGateway struct {
	pushFn  func(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	queryFn func(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResult, error)
	pushes  int
	queries int
}

func (g *fakeGateway) STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.pushes++
	return g.pushFn(ctx, req)
}

func (g *fakeGateway) STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResult, error) {
	g.queries++
	if g.queryFn == nil {
		return &mpesa.STKQueryResult{Outcome: mpesa.OutcomePending}, nil
	}
	return g.queryFn(ctx, checkoutRequestID)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []domain.PaymentAttempt
	notifyFn func(ctx context.Context, p *domain.PaymentAttempt) error
}

func (n *fakeNotifier) NotifyPaymentOutcome(ctx context.Context, p *domain.PaymentAttempt) error {
	n.mu.Lock()
	n.notified = append(n.notified, *p)
	n.mu.Unlock()
	if n.notifyFn != nil {
		return n.notifyFn(ctx, p)
	}
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notified)
}

type fakeDirectory struct {
	lookupFn func(ctx context.Context, userID string) (*domain.Recipient, error)
	lookups  int
}

func (d *fakeDirectory) Lookup(ctx context.Context, userID string) (*domain.Recipient, error) {
	d.lookups++
	return d.lookupFn(ctx, userID)
}

func staticDirectory(r domain.Recipient) *fakeDirectory {
	return &fakeDirectory{lookupFn: func(ctx context.Context, userID string) (*domain.Recipient, error) {
		out := r
		out.UserID = userID
		return &out, nil
	}}
}

type fakeSender struct {
	channel domain.Channel
	mu      sync.Mutex
	sent    []provider.Delivery
	sendFn  func(ctx context.Context, d provider.Delivery) (*provider.Response, error)
}

func (s *fakeSender) Channel() domain.Channel { return s.channel }

func (s *fakeSender) Send(ctx context.Context, d provider.Delivery) (*provider.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, d)
	s.mu.Unlock()
	if s.sendFn != nil {
		return s.sendFn(ctx, d)
	}
	return &provider.Response{StatusCode: 200, Body: `{"status":"ok"}`}, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, channel domain.Channel) error
}

func (l *fakeRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	return true, nil
}

func (l *fakeRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	if l.waitFn != nil {
		return l.waitFn(ctx, channel)
	}
	return nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) NotificationExhausted(ctx context.Context, n *domain.Notification, lastError string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, n.ID)
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type fakeVerifier struct {
	err error
}

func (v fakeVerifier) Verify(body []byte, signature, token string) error { return v.err }

type fakeLocker struct {
	mu       sync.Mutex
	acquired []string
	err      error
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}
