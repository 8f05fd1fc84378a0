package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Clock yields the authoritative time for window computations. Window
// boundaries are compared against stored timestamps, so every evaluator
// must agree on the source of "now".
type Clock func() (time.Time, error)

// StoreClock reads the shared store's own clock. Concurrent evaluators on
// different hosts then share one time authority instead of trusting their
// local clocks.
func StoreClock(db *gorm.DB) Clock {
	return func() (time.Time, error) {
		var raw string
		if err := db.Raw("SELECT CURRENT_TIMESTAMP").Scan(&raw).Error; err != nil {
			return time.Time{}, fmt.Errorf("read store clock: %w", err)
		}
		t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse store clock: %w", err)
		}
		return t, nil
	}
}

// FixedClock always returns the given time. Tests use it to step windows
// deterministically.
func FixedClock(t time.Time) Clock {
	return func() (time.Time, error) { return t, nil }
}
