package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status       *domain.NotificationStatus
	Channel      *domain.Channel
	TargetUserID *string
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

// NotificationRepository persists notifications. Every state-changing method is
// conditional on status = pending and reports whether a row was updated.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	// LockForDelivery claims a pending notification for lease. It returns nil when the
	// notification is terminal or another worker holds an unexpired claim.
	LockForDelivery(ctx context.Context, id string, lease time.Duration) (*domain.Notification, error)
	MarkSent(ctx context.Context, id string) (bool, error)
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) (bool, error)
	MarkFailed(ctx context.Context, id string, lastError string) (bool, error)
	GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error)
	ClearNextRetryAt(ctx context.Context, id string) error
}

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db, now: time.Now}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert notification: %w", translateWriteError(err))
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	switch err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error; {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("load notification %s: %w", id, err)
	}
	return notificationModelToDomain(&model), nil
}

// List returns one page of notifications, newest first, and the total count
// matching the filters.
func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	filtered := params.filters(r.db.WithContext(ctx).Model(&NotificationModel{}))

	var total int64
	if err := filtered.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	if total == 0 {
		return []domain.Notification{}, 0, nil
	}

	var rows []NotificationModel
	if err := params.page(filtered.Order("created_at DESC")).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return notificationsToDomain(rows), total, nil
}

func (p ListParams) filters(db *gorm.DB) *gorm.DB {
	if p.Status != nil {
		db = db.Where("status = ?", *p.Status)
	}
	if p.Channel != nil {
		db = db.Where("channel = ?", *p.Channel)
	}
	if p.TargetUserID != nil {
		db = db.Where("target_user_id = ?", *p.TargetUserID)
	}
	if p.From != nil {
		db = db.Where("created_at >= ?", p.From.UTC())
	}
	if p.To != nil {
		db = db.Where("created_at <= ?", p.To.UTC())
	}
	return db
}

func (p ListParams) page(db *gorm.DB) *gorm.DB {
	size := p.PageSize
	switch {
	case size < 1:
		size = 50
	case size > 100:
		size = 100
	}
	return db.Offset((max(p.Page, 1) - 1) * size).Limit(size)
}

func (r *GormNotificationRepo) LockForDelivery(ctx context.Context, id string, lease time.Duration) (*domain.Notification, error) {
	now := r.now().UTC()

	var models []NotificationModel
	result := r.db.WithContext(ctx).
		Model(&models).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			id, domain.NotificationStatusPending, now).
		Updates(map[string]any{
			"next_retry_at": now.Add(lease),
			"updated_at":    now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || len(models) == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return notificationModelToDomain(&models[0]), nil
}

func (r *GormNotificationRepo) MarkSent(ctx context.Context, id string) (bool, error) {
	return r.updatePending(ctx, id, map[string]any{
		"status":        domain.NotificationStatusSent,
		"next_retry_at": nil,
		"updated_at":    r.now().UTC(),
	})
}

func (r *GormNotificationRepo) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, domain.NotificationStatusPending).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": nextRetryAt,
			"last_error":    lastError,
			"updated_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormNotificationRepo) MarkFailed(ctx context.Context, id string, lastError string) (bool, error) {
	return r.updatePending(ctx, id, map[string]any{
		"status":        domain.NotificationStatusFailed,
		"retry_count":   gorm.Expr("LEAST(retry_count + 1, max_retries)"),
		"next_retry_at": nil,
		"last_error":    lastError,
		"updated_at":    r.now().UTC(),
	})
}

// GetDueForRetry returns pending notifications whose next_retry_at has
// passed, oldest deadline first.
func (r *GormNotificationRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.Notification, error) {
	var rows []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", domain.NotificationStatusPending, r.now().UTC()).
		Order("next_retry_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load notifications due for retry: %w", err)
	}
	return notificationsToDomain(rows), nil
}

func notificationsToDomain(rows []NotificationModel) []domain.Notification {
	out := make([]domain.Notification, len(rows))
	for i := range rows {
		out[i] = *notificationModelToDomain(&rows[i])
	}
	return out
}

// ClearNextRetryAt drops an elapsed retry timestamp once the retry has been
// re-enqueued. A claim taken after the scan is left in place.
func (r *GormNotificationRepo) ClearNextRetryAt(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND next_retry_at <= ?", id, domain.NotificationStatusPending, r.now().UTC()).
		Update("next_retry_at", nil).Error
}

func (r *GormNotificationRepo) updatePending(ctx context.Context, id string, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.NotificationStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
