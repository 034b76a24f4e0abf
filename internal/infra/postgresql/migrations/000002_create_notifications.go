package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// The notifications table starts with the columns that existed before delivery
// tracking; 000004 adds status, retry_count and the retry bookkeeping.
func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DO $$ BEGIN
					CREATE TYPE notification_channel AS ENUM ('sms', 'email', 'all');
				EXCEPTION WHEN duplicate_object THEN NULL;
				END $$`,
				`DO $$ BEGIN
					CREATE TYPE notification_status AS ENUM ('pending', 'sent', 'failed');
				EXCEPTION WHEN duplicate_object THEN NULL;
				END $$`,
				`CREATE TABLE IF NOT EXISTS notifications (
					id UUID PRIMARY KEY,
					correlation_id VARCHAR(64) NOT NULL,
					target_user_id VARCHAR(64) NOT NULL,
					channel notification_channel NOT NULL,
					payload JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_target_user ON notifications (target_user_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_correlation_id ON notifications (correlation_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return execAll(tx, []string{
				`DROP TABLE IF EXISTS notifications`,
				`DROP TYPE IF EXISTS notification_status`,
				`DROP TYPE IF EXISTS notification_channel`,
			})
		},
	}
}
