package models

import (
	"time"
)

// AdminCredential stores the bcrypt hash of a named break-glass token used
// by the CLI and admin API bootstrap. Plaintext is shown once at generation.
type AdminCredential struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
