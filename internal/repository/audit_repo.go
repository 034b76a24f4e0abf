package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/rentpay/internal/domain"
	"gorm.io/gorm"
)

// AuditRepository is the append-only sink for privileged actions.
type AuditRepository interface {
	Record(ctx context.Context, e *domain.AuditEntry) error
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Record(ctx context.Context, e *domain.AuditEntry) error {
	model := auditModelFromDomain(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert audit entry: %w", translateWriteError(err))
	}
	if e != nil {
		*e = *auditModelToDomain(model)
	}
	return nil
}
