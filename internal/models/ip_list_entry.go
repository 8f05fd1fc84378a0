package models

import (
	"time"
)

// List types for IPListEntry. Precedence at read time is
// blacklist > live temporary block > whitelist.
const (
	ListWhitelist = "whitelist"
	ListBlacklist = "blacklist"
	ListTemporary = "temporary"
)

// IPListEntry is one allow/deny/temporary-block record for an address.
// Entries of different types may coexist for the same IP; readers resolve
// precedence, writers never merge or overwrite, so the audit trail stays
// intact. A nil ExpiresAt means the entry is permanent.
type IPListEntry struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UUID      string     `json:"uuid" gorm:"uniqueIndex"`
	IP        string     `json:"ip" gorm:"index"`
	ListType  string     `json:"list_type" gorm:"index"`
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the entry is logically inert at the given time.
// Expiry is always checked inline; no reader may depend on the sweep.
func (e *IPListEntry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
