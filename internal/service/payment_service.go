package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/lock"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/provider"
	"github.com/kursadbilgin/rentpay/internal/provider/mpesa"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPendingTimeout = 60 * time.Second
	callbackLockTTL       = 15 * time.Second
	callbackLockWait      = 5 * time.Second
	stkDescription        = "Rent payment"

	transitionSourceInitiate = "initiate"
	transitionSourceCallback = "callback"
	transitionSourceQuery    = "query"
)

// PaymentGateway is the subset of the M-Pesa client the payment flow uses.
type PaymentGateway interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResult, error)
}

type CallbackVerifier interface {
	Verify(body []byte, signature, token string) error
}

// OutcomeNotifier is told about every payment that reached a terminal status.
type OutcomeNotifier interface {
	NotifyPaymentOutcome(ctx context.Context, payment *domain.PaymentAttempt) error
}

type InitiateRequest struct {
	TenantID    string
	Amount      decimal.Decimal
	PhoneNumber string
	InitiatedBy *string
}

type CallbackRequest struct {
	Body      []byte
	Signature string
	Token     string
}

// CallbackOutcome reports what a callback did. Applied is false for
// duplicates and for callbacks that lost a race to another update.
type CallbackOutcome struct {
	PaymentID string
	Status    domain.PaymentStatus
	Applied   bool
}

type PaymentService struct {
	payments       repository.PaymentRepository
	gateway        PaymentGateway
	verifier       CallbackVerifier
	locker         lock.Locker
	notifier       OutcomeNotifier
	logger         *zap.Logger
	metrics        *observability.Metrics
	pendingTimeout time.Duration
	now            func() time.Time
}

func NewPaymentService(
	payments repository.PaymentRepository,
	gateway PaymentGateway,
	verifier CallbackVerifier,
	locker lock.Locker,
	notifier OutcomeNotifier,
	pendingTimeout time.Duration,
	logger *zap.Logger,
) (*PaymentService, error) {
	if payments == nil {
		return nil, fmt.Errorf("payment repository is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("callback verifier is required")
	}
	if pendingTimeout <= 0 {
		pendingTimeout = defaultPendingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PaymentService{
		payments:       payments,
		gateway:        gateway,
		verifier:       verifier,
		locker:         locker,
		notifier:       notifier,
		logger:         logger,
		pendingTimeout: pendingTimeout,
		now:            time.Now,
	}, nil
}

func (s *PaymentService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Initiate validates the request, records the attempt and pushes the STK
// prompt. When the provider rejects the push the failed attempt is returned
// together with a *domain.PaymentGatewayError.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*domain.PaymentAttempt, error) {
	origin := "tenant"
	if req.InitiatedBy != nil {
		origin = "admin"
	}

	validated, err := domain.ValidatePaymentRequest(domain.PaymentRequest{
		TenantID:    req.TenantID,
		Amount:      req.Amount,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		s.metrics.IncPaymentInitiated("invalid", origin)
		return nil, err
	}

	attempt := &domain.PaymentAttempt{
		ID:          uuid.NewString(),
		TenantID:    validated.TenantID,
		Amount:      validated.Amount,
		PhoneNumber: validated.PhoneNumber,
		Status:      domain.PaymentStatusInitiated,
		InitiatedBy: normalizeOptionalString(req.InitiatedBy),
	}
	if err := s.payments.Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("paymentId", attempt.ID),
		zap.String("tenantId", attempt.TenantID),
		observability.MaskedPhone("phone", attempt.PhoneNumber),
	)

	start := s.now()
	resp, pushErr := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Amount:           attempt.Amount.IntPart(),
		PhoneNumber:      attempt.PhoneNumber,
		AccountReference: attempt.TenantID,
		Description:      stkDescription,
	})
	s.metrics.ObservePaymentGateway("stk_push", s.now().Sub(start))

	if pushErr != nil {
		gatewayErr := toGatewayError(pushErr)
		logger.Warn("stk push rejected",
			zap.String("reasonCode", gatewayErr.ReasonCode),
			zap.Error(pushErr),
		)

		details := domain.TransitionDetails{
			ResultCode:        gatewayErr.ReasonCode,
			ResultDescription: gatewayErr.Message,
		}
		if _, err := s.applyTransition(ctx, attempt, domain.PaymentStatusFailed, details, transitionSourceInitiate); err != nil {
			logger.Error("failed to mark rejected payment as failed", zap.Error(err))
			return nil, fmt.Errorf("failed to record gateway rejection: %w", err)
		}

		s.metrics.IncPaymentInitiated("rejected", origin)
		return attempt, gatewayErr
	}

	updated, err := s.payments.MarkPending(ctx, attempt.ID, resp.CheckoutRequestID, resp.MerchantRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to record provider reference: %w", err)
	}
	if !updated {
		logger.Warn("payment left initiated before its provider reference was stored")
		return s.payments.GetByID(ctx, attempt.ID)
	}

	attempt.Status = domain.PaymentStatusPending
	attempt.ExternalReferenceID = &resp.CheckoutRequestID
	if resp.MerchantRequestID != "" {
		attempt.MerchantRequestID = &resp.MerchantRequestID
	}

	s.metrics.IncPaymentInitiated("pending", origin)
	logger.Info("stk push accepted", zap.String("checkoutRequestId", resp.CheckoutRequestID))

	return attempt, nil
}

// HandleCallback authenticates and applies a provider callback. Callbacks for
// unknown references return a *domain.UnknownPaymentError and change nothing.
func (s *PaymentService) HandleCallback(ctx context.Context, req CallbackRequest) (*CallbackOutcome, error) {
	logger := observability.WithContextLogger(s.logger, ctx)

	if err := s.verifier.Verify(req.Body, req.Signature, req.Token); err != nil {
		s.metrics.IncPaymentCallback("unauthenticated")
		logger.Warn("rejected unauthenticated payment callback", zap.Error(err))
		return nil, err
	}

	result, err := mpesa.ParseSTKCallback(req.Body)
	if err != nil {
		s.metrics.IncPaymentCallback("invalid")
		logger.Warn("discarding malformed payment callback", zap.Error(err))
		return nil, err
	}

	logger = logger.With(
		zap.String("checkoutRequestId", result.CheckoutRequestID),
		zap.String("resultCode", result.ResultCode),
	)

	release := s.lockReference(ctx, result.CheckoutRequestID, logger)
	defer release()

	payment, err := s.payments.GetByExternalReference(ctx, result.CheckoutRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		s.metrics.IncPaymentCallback("unknown")
		logger.Warn("callback for unknown payment reference")
		return nil, &domain.UnknownPaymentError{Reference: result.CheckoutRequestID}
	}
	if err != nil {
		return nil, s.callbackStoreFailed(logger, fmt.Errorf("failed to load payment for callback: %w", err))
	}

	details := domain.TransitionDetails{
		ResultCode:        result.ResultCode,
		ResultDescription: result.ResultDesc,
		ReceiptNumber:     result.ReceiptNumber,
	}
	applied, err := s.applyTransition(ctx, payment, result.Outcome(), details, transitionSourceCallback)
	if err != nil {
		return nil, s.callbackStoreFailed(logger, err)
	}

	outcome := &CallbackOutcome{PaymentID: payment.ID, Status: payment.Status, Applied: applied}
	if !applied {
		s.metrics.IncPaymentCallback("duplicate")
		logger.Info("payment callback changed nothing",
			zap.String("paymentId", payment.ID),
			zap.String("status", payment.Status.String()),
		)
		return outcome, nil
	}

	s.metrics.IncPaymentCallback("applied")
	return outcome, nil
}

// callbackStoreFailed records a callback that could not be applied because
// storage failed, as opposed to one that was dropped.
func (s *PaymentService) callbackStoreFailed(logger *zap.Logger, err error) error {
	s.metrics.IncPaymentCallback("error")
	logger.Error("payment callback not applied", zap.Error(err))
	return err
}

// CheckStatus returns the persisted attempt. A pending attempt older than the
// pending timeout is queried at the provider first; query failures are logged
// and the stored state is returned.
func (s *PaymentService) CheckStatus(ctx context.Context, paymentID string) (*domain.PaymentAttempt, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, payment)
}

// CheckTenantStatus is CheckStatus restricted to a tenant's own attempts.
// Attempts of other tenants are reported as not found.
func (s *PaymentService) CheckTenantStatus(ctx context.Context, tenantID, paymentID string) (*domain.PaymentAttempt, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.TenantID != strings.TrimSpace(tenantID) {
		return nil, domain.ErrNotFound
	}
	return s.refresh(ctx, payment)
}

func (s *PaymentService) load(ctx context.Context, paymentID string) (*domain.PaymentAttempt, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", domain.ErrValidation)
	}
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, domain.ErrNotFound
	}
	return s.payments.GetByID(ctx, paymentID)
}

func (s *PaymentService) refresh(ctx context.Context, payment *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	if payment.Status != domain.PaymentStatusPending || payment.ExternalReferenceID == nil {
		return payment, nil
	}
	if s.now().Sub(payment.UpdatedAt) < s.pendingTimeout {
		return payment, nil
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("paymentId", payment.ID))

	start := s.now()
	result, err := s.gateway.STKQuery(ctx, *payment.ExternalReferenceID)
	s.metrics.ObservePaymentGateway("stk_query", s.now().Sub(start))
	if err != nil {
		logger.Warn("stk status query failed, returning stored status", zap.Error(err))
		return payment, nil
	}

	var target domain.PaymentStatus
	switch result.Outcome {
	case mpesa.OutcomeCompleted:
		target = domain.PaymentStatusCompleted
	case mpesa.OutcomeFailed:
		target = domain.PaymentStatusFailed
	default:
		return payment, nil
	}

	release := s.lockReference(ctx, *payment.ExternalReferenceID, logger)
	defer release()

	details := domain.TransitionDetails{
		ResultCode:        result.ResultCode,
		ResultDescription: result.ResultDesc,
	}
	if _, err := s.applyTransition(ctx, payment, target, details, transitionSourceQuery); err != nil {
		logger.Error("failed to apply queried payment status", zap.Error(err))
	}

	return payment, nil
}

// applyTransition runs the compare-and-set and keeps payment in sync with
// the stored row. Only the caller whose update lands notifies.
func (s *PaymentService) applyTransition(
	ctx context.Context,
	payment *domain.PaymentAttempt,
	to domain.PaymentStatus,
	details domain.TransitionDetails,
	source string,
) (bool, error) {
	from := payment.Status
	if !from.CanTransitionTo(to) {
		return false, nil
	}

	applied, err := s.payments.Transition(ctx, payment.ID, from, to, details)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment %s -> %s: %w", from, to, err)
	}
	if !applied {
		current, err := s.payments.GetByID(ctx, payment.ID)
		if err != nil {
			return false, fmt.Errorf("failed to reload payment after lost update: %w", err)
		}
		*payment = *current
		return false, nil
	}

	now := s.now().UTC()
	payment.Status = to
	payment.UpdatedAt = now
	if details.ResultCode != "" {
		payment.ResultCode = &details.ResultCode
	}
	if details.ResultDescription != "" {
		payment.ResultDescription = &details.ResultDescription
	}
	if details.ReceiptNumber != "" {
		payment.ReceiptNumber = &details.ReceiptNumber
	}
	if to.IsTerminal() {
		payment.CompletedAt = &now
	}

	s.metrics.IncPaymentTransition(to.String(), source)
	observability.WithContextLogger(s.logger, ctx).Info("payment status changed",
		zap.String("paymentId", payment.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("source", source),
	)

	if to.IsTerminal() && source != transitionSourceInitiate {
		s.notifyOutcome(ctx, payment)
	}

	return true, nil
}

func (s *PaymentService) notifyOutcome(ctx context.Context, payment *domain.PaymentAttempt) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyPaymentOutcome(ctx, payment); err != nil {
		observability.WithContextLogger(s.logger, ctx).Error("failed to create payment outcome notification",
			zap.String("paymentId", payment.ID),
			zap.Error(err),
		)
	}
}

// lockReference serialises work on one provider reference across replicas.
// The compare-and-set stays authoritative, so lock trouble only costs a log line.
func (s *PaymentService) lockReference(ctx context.Context, reference string, logger *zap.Logger) func() {
	if s.locker == nil {
		return func() {}
	}

	release, err := s.locker.Acquire(ctx, "payment:"+reference, callbackLockTTL, callbackLockWait)
	if err != nil {
		logger.Warn("proceeding without payment reference lock", zap.Error(err))
		return func() {}
	}
	return release
}

func toGatewayError(err error) *domain.PaymentGatewayError {
	gatewayErr := &domain.PaymentGatewayError{
		Message: "the payment provider could not start the payment, please confirm the phone number and try again",
		Cause:   err,
	}

	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) {
		gatewayErr.ReasonCode = providerErr.Code
		if msg := strings.TrimSpace(providerErr.Message); msg != "" {
			gatewayErr.Message = msg
		}
		if providerErr.Transient {
			gatewayErr.Message = "the payment provider is temporarily unavailable, please try again shortly"
		}
	}

	return gatewayErr
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
