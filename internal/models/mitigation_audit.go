package models

import (
	"time"
)

// MitigationAudit records admin and automated mitigation actions (list
// changes, resets, sweeps) so operators can reconstruct who blocked what.
type MitigationAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	IP        string    `json:"ip"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
