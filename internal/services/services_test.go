package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.SecurityEvent{},
		&models.IPListEntry{},
		&models.DetectorState{},
		&models.AlertEmission{},
		&models.MitigationAudit{},
		&models.RateLimitReset{},
		&models.AdminCredential{},
	))
	return db
}

// insertEvents writes n request events for the scope at the given time.
func insertEvents(t *testing.T, db *gorm.DB, ip, endpoint string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		event := models.SecurityEvent{IP: ip, EventType: models.EventRequest, OccurredAt: at}
		if endpoint != "" {
			event.Endpoint = &endpoint
		}
		require.NoError(t, db.Create(&event).Error)
	}
}

// captureEmitter records emissions for assertions.
type captureEmitter struct {
	emitted []capturedAlert
}

type capturedAlert struct {
	Component string
	Level     string
	DedupKey  string
	Message   string
}

func (e *captureEmitter) Emit(component, level, dedupKey, message string) error {
	e.emitted = append(e.emitted, capturedAlert{component, level, dedupKey, message})
	return nil
}
