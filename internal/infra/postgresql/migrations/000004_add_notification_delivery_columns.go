package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addNotificationDeliveryColumns() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_notification_delivery_columns",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS status notification_status NOT NULL DEFAULT 'pending'`,
				`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS retry_count INTEGER NOT NULL DEFAULT 0`,
				`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS max_retries INTEGER NOT NULL DEFAULT 3`,
				`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS last_error TEXT`,
				`ALTER TABLE notifications ADD COLUMN IF NOT EXISTS next_retry_at TIMESTAMPTZ`,
				`ALTER TABLE notifications ADD CONSTRAINT chk_notifications_retry_count CHECK (retry_count >= 0 AND retry_count <= max_retries)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications (next_retry_at) WHERE status = 'pending'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP INDEX IF EXISTS idx_notifications_retry`,
				`ALTER TABLE notifications DROP CONSTRAINT IF EXISTS chk_notifications_retry_count`,
				`ALTER TABLE notifications DROP COLUMN IF EXISTS next_retry_at`,
				`ALTER TABLE notifications DROP COLUMN IF EXISTS last_error`,
				`ALTER TABLE notifications DROP COLUMN IF EXISTS max_retries`,
				`ALTER TABLE notifications DROP COLUMN IF EXISTS retry_count`,
				`ALTER TABLE notifications DROP COLUMN IF EXISTS status`,
			})
		},
	}
}
