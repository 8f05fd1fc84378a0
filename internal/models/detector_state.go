package models

import (
	"time"
)

// DDoS detector states, per monitored scope.
const (
	StateNormal     = "normal"
	StateSuspect    = "suspect"
	StateAttack     = "attack"
	StateMitigating = "mitigating"
)

// DetectorState persists the DDoS state machine for one monitored scope
// (global or per-endpoint) so concurrent evaluators on multiple hosts share
// a single episode.
type DetectorState struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Scope        string    `json:"scope" gorm:"uniqueIndex"`
	State        string    `json:"state"`
	BreachStreak int       `json:"breach_streak"`
	EpisodeID    string    `json:"episode_id"`
	EnteredAt    time.Time `json:"entered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
