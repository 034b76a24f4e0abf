package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/rentpay/internal/directory"
	"github.com/kursadbilgin/rentpay/internal/domain"
	"github.com/kursadbilgin/rentpay/internal/observability"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type paymentOperations interface {
	Initiate(ctx context.Context, req InitiateRequest) (*domain.PaymentAttempt, error)
	CheckStatus(ctx context.Context, paymentID string) (*domain.PaymentAttempt, error)
}

// AdminInitiateRequest starts a payment on a tenant's behalf. A nil phone
// number means the tenant's number on file.
type AdminInitiateRequest struct {
	TenantID    string
	Amount      decimal.Decimal
	PhoneNumber *string
}

// AdminService gates privileged payment operations on the admin role and
// writes an audit entry for each one it performs.
type AdminService struct {
	payments  paymentOperations
	directory directory.Directory
	audit     repository.AuditRepository
	logger    *zap.Logger
	now       func() time.Time
}

func NewAdminService(
	payments paymentOperations,
	dir directory.Directory,
	audit repository.AuditRepository,
	logger *zap.Logger,
) (*AdminService, error) {
	if payments == nil {
		return nil, fmt.Errorf("payment service is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdminService{
		payments:  payments,
		directory: dir,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *AdminService) Initiate(
	ctx context.Context,
	principal domain.Principal,
	req AdminInitiateRequest,
) (*domain.PaymentAttempt, error) {
	if !principal.IsAdmin() {
		return nil, &domain.AuthorizationError{PrincipalID: principal.ID, Action: "initiate payments for tenants"}
	}

	tenantID := strings.TrimSpace(req.TenantID)
	phone := ""
	if req.PhoneNumber != nil {
		phone = strings.TrimSpace(*req.PhoneNumber)
	}
	if phone == "" && tenantID != "" {
		resolved, err := s.phoneOnFile(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		phone = resolved
	}

	actor := principal.ID
	attempt, err := s.payments.Initiate(ctx, InitiateRequest{
		TenantID:    tenantID,
		Amount:      req.Amount,
		PhoneNumber: phone,
		InitiatedBy: &actor,
	})
	if attempt != nil {
		metadata := map[string]any{
			"tenantId": attempt.TenantID,
			"amount":   attempt.Amount.StringFixed(2),
			"status":   attempt.Status.String(),
		}
		if req.PhoneNumber == nil || strings.TrimSpace(*req.PhoneNumber) == "" {
			metadata["phoneSource"] = "directory"
		}
		s.record(ctx, principal, domain.AuditActionAdminInitiatedPayment, attempt.ID, metadata)
	}

	return attempt, err
}

func (s *AdminService) CheckStatus(
	ctx context.Context,
	principal domain.Principal,
	paymentID string,
) (*domain.PaymentAttempt, error) {
	if !principal.IsAdmin() {
		return nil, &domain.AuthorizationError{PrincipalID: principal.ID, Action: "check tenant payment status"}
	}

	attempt, err := s.payments.CheckStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, principal, domain.AuditActionAdminCheckedStatus, attempt.ID, map[string]any{
		"tenantId": attempt.TenantID,
		"status":   attempt.Status.String(),
	})
	return attempt, nil
}

func (s *AdminService) phoneOnFile(ctx context.Context, tenantID string) (string, error) {
	verr := &domain.ValidationError{}

	if s.directory == nil {
		verr.Add("phoneNumber", "is required")
		return "", verr
	}

	recipient, err := s.directory.Lookup(ctx, tenantID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		verr.Add("tenantId", "does not match a known tenant")
		return "", verr
	case err != nil:
		return "", fmt.Errorf("failed to look up tenant phone number: %w", err)
	}

	phone := strings.TrimSpace(recipient.Phone)
	if phone == "" {
		verr.Add("phoneNumber", "is required because the tenant has no phone number on file")
		return "", verr
	}
	return phone, nil
}

// record never fails the admin action; the action has already happened.
func (s *AdminService) record(
	ctx context.Context,
	principal domain.Principal,
	action string,
	paymentID string,
	metadata map[string]any,
) {
	entry := &domain.AuditEntry{
		ID:           uuid.NewString(),
		ActorID:      principal.ID,
		Action:       action,
		ResourceType: domain.AuditResourcePayment,
		ResourceID:   paymentID,
		Metadata:     metadata,
		CreatedAt:    s.now().UTC(),
	}
	if cid, ok := observability.CorrelationIDFromContext(ctx); ok {
		entry.Metadata["correlationId"] = cid
	}

	if err := s.audit.Record(ctx, entry); err != nil {
		observability.WithContextLogger(s.logger, ctx).Error("failed to write audit entry",
			zap.String("action", action),
			zap.String("actorId", principal.ID),
			zap.String("paymentId", paymentID),
			zap.Error(err),
		)
	}
}
