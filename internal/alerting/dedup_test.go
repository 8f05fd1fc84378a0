package alerting

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/models"
)

type recordingEmitter struct {
	calls []string
}

func (e *recordingEmitter) Emit(component, level, dedupKey, message string) error {
	e.calls = append(e.calls, dedupKey)
	return nil
}

func setupDedupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AlertEmission{}))
	return db
}

func fixedClock(t time.Time) Clock {
	return func() (time.Time, error) { return t, nil }
}

func TestDeduper_SuppressesWithinCooldown(t *testing.T) {
	db := setupDedupDB(t)
	sink := &recordingEmitter{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deduper := NewDeduper(db, sink, 5*time.Minute).WithClock(fixedClock(now))

	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-1", "attack"))
	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-1", "attack"))

	assert.Equal(t, []string{"ddos:global:ep-1"}, sink.calls)
}

func TestDeduper_DistinctKeysPassThrough(t *testing.T) {
	db := setupDedupDB(t)
	sink := &recordingEmitter{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deduper := NewDeduper(db, sink, 5*time.Minute).WithClock(fixedClock(now))

	require.NoError(t, deduper.Emit("abuse-detector", LevelWarning, "abuse:10.0.0.1", "abuse"))
	require.NoError(t, deduper.Emit("abuse-detector", LevelWarning, "abuse:10.0.0.2", "abuse"))

	assert.Len(t, sink.calls, 2)
}

func TestDeduper_ReEmitsAfterCooldown(t *testing.T) {
	db := setupDedupDB(t)
	sink := &recordingEmitter{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	deduper := NewDeduper(db, sink, 5*time.Minute).WithClock(func() (time.Time, error) { return now, nil })

	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-2", "attack"))

	now = now.Add(6 * time.Minute)
	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-2", "attack"))

	assert.Len(t, sink.calls, 2)

	// The ledger keeps one row per key, updated in place.
	var count int64
	require.NoError(t, db.Model(&models.AlertEmission{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestDeduper_DefaultClockReadsStore(t *testing.T) {
	db := setupDedupDB(t)
	sink := &recordingEmitter{}
	deduper := NewDeduper(db, sink, 5*time.Minute)

	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-3", "attack"))
	require.Len(t, sink.calls, 1)

	var row models.AlertEmission
	require.NoError(t, db.First(&row).Error)
	// The ledger timestamp came from the store clock, not a zero value.
	assert.False(t, row.LastEmittedAt.IsZero())
	assert.WithinDuration(t, time.Now().UTC(), row.LastEmittedAt, time.Minute)
}

func TestDeduper_LedgerFailureStillEmits(t *testing.T) {
	db := setupDedupDB(t)
	require.NoError(t, db.Migrator().DropTable(&models.AlertEmission{}))

	sink := &recordingEmitter{}
	deduper := NewDeduper(db, sink, 5*time.Minute)

	// A broken ledger degrades to duplicate pages, never to silence.
	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-4", "attack"))
	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-4", "attack"))
	assert.Len(t, sink.calls, 2)
}

func TestDeduper_ClockFailureStillEmits(t *testing.T) {
	db := setupDedupDB(t)
	sink := &recordingEmitter{}
	deduper := NewDeduper(db, sink, 5*time.Minute).WithClock(func() (time.Time, error) {
		return time.Time{}, errors.New("store unreachable")
	})

	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-5", "attack"))
	require.NoError(t, deduper.Emit("ddos-detector", LevelCritical, "ddos:global:ep-5", "attack"))
	assert.Len(t, sink.calls, 2)
}
