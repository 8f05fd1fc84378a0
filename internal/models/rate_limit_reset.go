package models

import (
	"time"
)

// RateLimitReset is an administrative override marker. Events recorded at or
// before ResetAt become invisible to window counts for the marked scope; the
// history itself is kept (logical clear, not a physical delete). A nil
// Endpoint clears every scope of the IP.
type RateLimitReset struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	IP       string    `json:"ip" gorm:"index"`
	Endpoint *string   `json:"endpoint"`
	ResetAt  time.Time `json:"reset_at"`
}
