package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/rentpay/internal/repository"
	"gorm.io/gorm"
)

func createPaymentAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_payment_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PaymentAttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE payment_attempts ADD CONSTRAINT chk_payment_attempts_status CHECK (status IN ('initiated', 'pending', 'completed', 'failed'))`,
				`ALTER TABLE payment_attempts ADD CONSTRAINT chk_payment_attempts_amount CHECK (amount > 0)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_attempts_external_ref ON payment_attempts (external_reference_id) WHERE external_reference_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_payment_attempts_pending ON payment_attempts (updated_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_payment_attempts_tenant_created ON payment_attempts (tenant_id, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PaymentAttemptModel{})
		},
	}
}
