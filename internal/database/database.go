package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/models"
)

// Open bootstraps a SQLite database using the provided filesystem path.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}

// Migrate applies the engine's schema. Call once at startup.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SecurityEvent{},
		&models.IPListEntry{},
		&models.DetectorState{},
		&models.AlertEmission{},
		&models.MitigationAudit{},
		&models.RateLimitReset{},
		&models.AdminCredential{},
	)
}
