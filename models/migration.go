package models

import (
	"github.com/mmdatafocus/recoveries_backend/config"
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table the managers use.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Recovery{}, &RecoveryItem{}, &RecoveryAudit{},
		&JournalVoucher{}, &JournalAudit{},
		&BackUpDoc{},
		&ItemCategory{},
		&User{},
	)
}

// InstallGuards registers the ORM plugins the managers rely on.
func InstallGuards(db *gorm.DB) error {
	return db.Use(config.NewAppendOnlyGuardPlugin(AuditTables...))
}
