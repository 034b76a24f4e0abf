package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"gorm.io/gorm"
)

// PaymentRepository persists payment attempts. Rows are never deleted.
type PaymentRepository interface {
	Create(ctx context.Context, p *domain.PaymentAttempt) error
	GetByID(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentAttempt, error)
	// MarkPending records the provider reference and moves initiated -> pending.
	// It returns false when the attempt already left initiated or has a reference.
	MarkPending(ctx context.Context, id, externalRef, merchantRef string) (bool, error)
	// Transition applies from -> to only if the stored status still equals from.
	Transition(ctx context.Context, id string, from, to domain.PaymentStatus, details domain.TransitionDetails) (bool, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error)
}

type GormPaymentRepo struct {
	db *gorm.DB
}

func NewGormPaymentRepo(db *gorm.DB) *GormPaymentRepo {
	return &GormPaymentRepo{db: db}
}

func (r *GormPaymentRepo) Create(ctx context.Context, p *domain.PaymentAttempt) error {
	model := paymentModelFromDomain(p)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateWriteError(err)
	}
	if p != nil {
		*p = *paymentModelToDomain(model)
	}
	return nil
}

func (r *GormPaymentRepo) GetByID(ctx context.Context, id string) (*domain.PaymentAttempt, error) {
	var model PaymentAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return paymentModelToDomain(&model), nil
}

func (r *GormPaymentRepo) GetByExternalReference(ctx context.Context, ref string) (*domain.PaymentAttempt, error) {
	var model PaymentAttemptModel
	err := r.db.WithContext(ctx).
		Where("external_reference_id = ?", ref).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return paymentModelToDomain(&model), nil
}

func (r *GormPaymentRepo) MarkPending(ctx context.Context, id, externalRef, merchantRef string) (bool, error) {
	updates := map[string]any{
		"status":                domain.PaymentStatusPending,
		"external_reference_id": externalRef,
		"updated_at":            time.Now().UTC(),
	}
	if merchantRef != "" {
		updates["merchant_request_id"] = merchantRef
	}

	result := r.db.WithContext(ctx).
		Model(&PaymentAttemptModel{}).
		Where("id = ? AND status = ? AND external_reference_id IS NULL", id, domain.PaymentStatusInitiated).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormPaymentRepo) Transition(
	ctx context.Context,
	id string,
	from, to domain.PaymentStatus,
	details domain.TransitionDetails,
) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, domain.ErrConflict
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if details.ResultCode != "" {
		updates["result_code"] = details.ResultCode
	}
	if details.ResultDescription != "" {
		updates["result_description"] = details.ResultDescription
	}
	if details.ReceiptNumber != "" {
		updates["receipt_number"] = details.ReceiptNumber
	}
	if to.IsTerminal() {
		updates["completed_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&PaymentAttemptModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormPaymentRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	var models []PaymentAttemptModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", domain.PaymentStatusPending, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	payments := make([]domain.PaymentAttempt, 0, len(models))
	for i := range models {
		payments = append(payments, *paymentModelToDomain(&models[i]))
	}

	return payments, nil
}
