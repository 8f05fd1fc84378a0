package models

import (
	"time"
)

// Event types recorded against a scope. The gateway reports what it saw;
// warden only counts.
const (
	EventRequest    = "request"
	EventConnection = "connection"
	EventError      = "error"
	EventBlocked    = "blocked"
)

// SecurityEvent is one observed request or connection attempt. Rows are
// append-only: they are never mutated, never deduplicated, and are pruned
// only by the external retention job.
type SecurityEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	IP         string    `json:"ip" gorm:"index:idx_events_scope"`
	Endpoint   *string   `json:"endpoint" gorm:"index:idx_events_scope"`
	APIKey     *string   `json:"api_key"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at" gorm:"index"`
}
