package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository is the append-only log of transport calls. One
// notification attempt that fans out to several channels writes one row
// per channel, all with the same attempt number.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: delivery attempt is required", domain.ErrValidation)
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert delivery attempt for %s: %w", a.NotificationID, translateWriteError(err))
	}
	*a = *attemptModelToDomain(model)
	return nil
}

// GetByNotificationID returns attempts oldest first, grouped by attempt number
// in fan-out order.
func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var rows []NotificationAttemptModel
	err := r.db.WithContext(ctx).
		Where(&NotificationAttemptModel{NotificationID: notificationID}).
		Order("attempt_number").
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts for %s: %w", notificationID, err)
	}

	out := make([]domain.DeliveryAttempt, len(rows))
	for i := range rows {
		out[i] = *attemptModelToDomain(&rows[i])
	}
	return out, nil
}

// translateWriteError maps constraint violations reported by the driver to
// domain conflicts.
func translateWriteError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}
