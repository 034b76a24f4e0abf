package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Postgres cannot drop a value from an enum type, and rows may already use it,
// so the channel enum only grows and this rollback leaves it in place.
func addWhatsAppChannel() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_add_whatsapp_channel",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`ALTER TYPE notification_channel ADD VALUE IF NOT EXISTS 'whatsapp'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
