package alerting

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/metrics"
	"github.com/opsnotes/warden/internal/models"
)

// Clock yields the authoritative time for cooldown comparisons.
type Clock func() (time.Time, error)

// Deduper wraps an Emitter and suppresses repeat emissions of the same
// dedup key within a cooldown. The ledger lives in the shared store so
// detectors on different hosts agree on what has already been raised.
type Deduper struct {
	db       *gorm.DB
	next     Emitter
	cooldown time.Duration
	clock    Clock
}

// NewDeduper builds a deduplicating emitter with the given cooldown. Time
// comes from the shared store's clock, the same authority the detectors
// use, so cooldown windows agree across hosts.
func NewDeduper(db *gorm.DB, next Emitter, cooldown time.Duration) *Deduper {
	return &Deduper{db: db, next: next, cooldown: cooldown, clock: storeClock(db)}
}

// WithClock overrides the time source, for tests.
func (d *Deduper) WithClock(clock Clock) *Deduper {
	d.clock = clock
	return d
}

// Emit forwards the alert unless the same dedup key was delivered within
// the cooldown. Ledger failures do not block emission: a duplicate page is
// preferable to a silent incident.
func (d *Deduper) Emit(component, level, dedupKey, message string) error {
	now, err := d.clock()
	if err != nil {
		// Clock unreachable means the ledger is too; skip dedup entirely.
		logger.Log().WithError(err).Warn("alert dedup clock unavailable")
		metrics.IncAlertEmitted()
		return d.next.Emit(component, level, dedupKey, message)
	}

	var prev models.AlertEmission
	err = d.db.Where("dedup_key = ?", dedupKey).First(&prev).Error
	switch {
	case err == nil:
		if now.Sub(prev.LastEmittedAt) < d.cooldown {
			logger.WithFields(map[string]interface{}{
				"dedup_key": dedupKey,
				"level":     level,
			}).Debug("alert suppressed by dedup cooldown")
			return nil
		}
		prev.Level = level
		prev.Component = component
		prev.LastEmittedAt = now
		if err := d.db.Save(&prev).Error; err != nil {
			logger.Log().WithError(err).Warn("alert dedup ledger update failed")
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := models.AlertEmission{
			DedupKey:      dedupKey,
			Component:     component,
			Level:         level,
			LastEmittedAt: now,
		}
		if err := d.db.Create(&row).Error; err != nil {
			logger.Log().WithError(err).Warn("alert dedup ledger insert failed")
		}
	default:
		logger.Log().WithError(err).Warn("alert dedup ledger lookup failed")
	}

	metrics.IncAlertEmitted()
	return d.next.Emit(component, level, dedupKey, message)
}

// storeClock reads the shared store's clock, mirroring the time authority
// the evaluators use for window boundaries.
func storeClock(db *gorm.DB) Clock {
	return func() (time.Time, error) {
		var raw string
		if err := db.Raw("SELECT CURRENT_TIMESTAMP").Scan(&raw).Error; err != nil {
			return time.Time{}, err
		}
		return time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
	}
}
