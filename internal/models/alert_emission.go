package models

import (
	"time"
)

// AlertEmission is the dedup ledger: one row per dedup key, updated each
// time an alert for that key is actually delivered. Repeated detections of
// the same ongoing condition inside the cooldown are suppressed against it.
type AlertEmission struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	DedupKey      string    `json:"dedup_key" gorm:"uniqueIndex"`
	Component     string    `json:"component"`
	Level         string    `json:"level"`
	LastEmittedAt time.Time `json:"last_emitted_at"`
}
