package handler

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/rentpay/internal/auth"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"github.com/kursadbilgin/rentpay/internal/service"
	"github.com/kursadbilgin/rentpay/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const testJWTSecret = "test-secret-that-is-at-least-32-chars"

var (
	tenantPrincipal = domain.Principal{ID: "user-1", TenantID: "tenant-1", Role: domain.RoleTenant}
	adminPrincipal  = domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}
)

type testServer struct {
	app   *fiber.App
	authn *auth.Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	authn, err := auth.NewAuthenticator(testJWTSecret)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	app.Use(observability.CorrelationMiddleware())
	return &testServer{app: app, authn: authn}
}

func (s *testServer) token(t *testing.T, p domain.Principal) string {
	t.Helper()

	token, err := s.authn.Issue(p, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func performRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func bearer(token string) map[string]string {
	return map[string]string{fiber.HeaderAuthorization: "Bearer " + token}
}

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("json unmarshal error = %v, body=%s", err, string(body))
	}
	return out
}

type stubPaymentService struct {
	initiateFn    func(ctx context.Context, req service.InitiateRequest) (*domain.PaymentAttempt, error)
	tenantCheckFn func(ctx context.Context, tenantID, paymentID string) (*domain.PaymentAttempt, error)
	callbackFn    func(ctx context.Context, req service.CallbackRequest) (*service.CallbackOutcome, error)
}

func (s *stubPaymentService) Initiate(ctx context.Context, req service.InitiateRequest) (*domain.PaymentAttempt, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubPaymentService) CheckTenantStatus(ctx context.Context, tenantID, paymentID string) (*domain.PaymentAttempt, error) {
	if s.tenantCheckFn != nil {
		return s.tenantCheckFn(ctx, tenantID, paymentID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubPaymentService) HandleCallback(ctx context.Context, req service.CallbackRequest) (*service.CallbackOutcome, error) {
	if s.callbackFn != nil {
		return s.callbackFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

type stubAdminService struct {
	initiateFn func(ctx context.Context, p domain.Principal, req service.AdminInitiateRequest) (*domain.PaymentAttempt, error)
	checkFn    func(ctx context.Context, p domain.Principal, id string) (*domain.PaymentAttempt, error)
}

func (s *stubAdminService) Initiate(ctx context.Context, p domain.Principal, req service.AdminInitiateRequest) (*domain.PaymentAttempt, error) {
	if s.initiateFn != nil {
		return s.initiateFn(ctx, p, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubAdminService) CheckStatus(ctx context.Context, p domain.Principal, id string) (*domain.PaymentAttempt, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, p, id)
	}
	return nil, errors.New("not implemented")
}

type stubNotificationService struct {
	getByIDFn func(ctx context.Context, id string) (*domain.Notification, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

func (s *stubNotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (s *stubNotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, errors.New("not implemented")
}

type stubAttemptReader struct {
	attempts []domain.DeliveryAttempt
}

func (r stubAttemptReader) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	return r.attempts, nil
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}

type stubBroker bool

func (b stubBroker) Healthy() bool { return bool(b) }
