package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/metrics"
	"github.com/opsnotes/warden/internal/models"
	"github.com/opsnotes/warden/internal/util"
)

var (
	ErrInvalidListType = errors.New("invalid IP list type")
	ErrEntryNotFound   = errors.New("IP list entry not found")
	ErrTTLRequired     = errors.New("temporary entries require a TTL")
)

// ValidListTypes defines allowed IP list types.
var ValidListTypes = []string{models.ListWhitelist, models.ListBlacklist, models.ListTemporary}

// ListStatus is the outcome of a precedence-resolved lookup.
type ListStatus string

const (
	StatusNone               ListStatus = "none"
	StatusWhitelisted        ListStatus = "whitelisted"
	StatusBlacklisted        ListStatus = "blacklisted"
	StatusTemporarilyBlocked ListStatus = "temporarily_blocked"
)

// LookupResult resolves every entry matching an IP into a single status.
type LookupResult struct {
	Status       ListStatus
	Reason       string
	RemainingTTL time.Duration
}

// IPListService manages whitelist / blacklist / temporary-block entries.
// Writers only append or explicitly delete; precedence between coexisting
// entries is resolved at read time so the audit trail is preserved.
type IPListService struct {
	db    *gorm.DB
	clock Clock
}

func NewIPListService(db *gorm.DB) *IPListService {
	return &IPListService{db: db, clock: StoreClock(db)}
}

// WithClock overrides the time source, for tests.
func (s *IPListService) WithClock(clock Clock) *IPListService {
	s.clock = clock
	return s
}

// Add inserts a new entry. Existing entries of other types for the same IP
// are left untouched. ttlSeconds > 0 sets an expiry; temporary entries must
// have one.
func (s *IPListService) Add(ctx context.Context, ip, listType, reason string, ttlSeconds int) (*models.IPListEntry, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if !isValidListType(listType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidListType, listType)
	}
	if listType == models.ListTemporary && ttlSeconds <= 0 {
		return nil, ErrTTLRequired
	}

	now, err := s.clock()
	if err != nil {
		return nil, err
	}

	entry := models.IPListEntry{
		UUID:     uuid.NewString(),
		IP:       ip,
		ListType: listType,
		Reason:   reason,
		AddedAt:  now,
	}
	if ttlSeconds > 0 {
		expires := now.Add(time.Duration(ttlSeconds) * time.Second)
		entry.ExpiresAt = &expires
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("add IP list entry: %w", err)
	}

	s.audit(ctx, "add", ip, fmt.Sprintf("type=%s reason=%s ttl=%ds", listType, util.SanitizeForLog(reason), ttlSeconds))
	return &entry, nil
}

// Remove deletes every entry of the given type for the IP. Removing a
// missing entry is an error so the CLI never reports a silent no-op.
func (s *IPListService) Remove(ctx context.Context, ip, listType string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if !isValidListType(listType) {
		return fmt.Errorf("%w: %q", ErrInvalidListType, listType)
	}

	result := s.db.WithContext(ctx).
		Where("ip = ? AND list_type = ?", ip, listType).
		Delete(&models.IPListEntry{})
	if result.Error != nil {
		return fmt.Errorf("remove IP list entry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}

	s.audit(ctx, "remove", ip, fmt.Sprintf("type=%s", listType))
	return nil
}

// Lookup resolves all entries for an IP with fixed precedence:
// blacklist > non-expired temporary block > whitelist > none. Expiry is
// checked inline against the store clock; a lookup never depends on the
// sweep having run.
func (s *IPListService) Lookup(ctx context.Context, ip string) (LookupResult, error) {
	if net.ParseIP(ip) == nil {
		return LookupResult{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	now, err := s.clock()
	if err != nil {
		return LookupResult{}, err
	}

	var entries []models.IPListEntry
	if err := s.db.WithContext(ctx).Where("ip = ?", ip).Find(&entries).Error; err != nil {
		return LookupResult{}, fmt.Errorf("lookup IP list entries: %w", err)
	}

	var blocked, whitelisted *models.IPListEntry
	for i := range entries {
		entry := &entries[i]
		if entry.ExpiredAt(now) {
			continue
		}
		switch entry.ListType {
		case models.ListBlacklist:
			return LookupResult{Status: StatusBlacklisted, Reason: entry.Reason}, nil
		case models.ListTemporary:
			if blocked == nil || outlives(entry, blocked) {
				blocked = entry
			}
		case models.ListWhitelist:
			whitelisted = entry
		}
	}

	if blocked != nil {
		result := LookupResult{Status: StatusTemporarilyBlocked, Reason: blocked.Reason}
		if blocked.ExpiresAt != nil {
			result.RemainingTTL = blocked.ExpiresAt.Sub(now)
		}
		return result, nil
	}
	if whitelisted != nil {
		return LookupResult{Status: StatusWhitelisted, Reason: whitelisted.Reason}, nil
	}
	return LookupResult{Status: StatusNone}, nil
}

// SweepExpired physically removes expired entries and returns how many went.
// Idempotent and safe to run concurrently with lookups: readers re-check
// expiry inline and never observe a difference.
func (s *IPListService) SweepExpired(ctx context.Context) (int64, error) {
	now, err := s.clock()
	if err != nil {
		return 0, err
	}

	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&models.IPListEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.AddSweptEntries(int(result.RowsAffected))
		s.audit(ctx, "sweep", "", fmt.Sprintf("removed=%d", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// List returns entries of one type, newest first, for the CLI and audits.
// Expired entries still present are included; they are inert but part of
// the historical record until the sweep removes them.
func (s *IPListService) List(ctx context.Context, listType string) ([]models.IPListEntry, error) {
	if !isValidListType(listType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidListType, listType)
	}

	var entries []models.IPListEntry
	if err := s.db.WithContext(ctx).
		Where("list_type = ?", listType).
		Order("added_at desc").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list IP list entries: %w", err)
	}
	return entries, nil
}

// audit writes a best-effort audit row; a failed audit never fails the
// operation it describes.
func (s *IPListService) audit(ctx context.Context, action, ip, details string) {
	row := models.MitigationAudit{
		UUID:    uuid.NewString(),
		Actor:   "warden",
		Action:  "iplist." + action,
		IP:      ip,
		Details: details,
	}
	if now, err := s.clock(); err == nil {
		row.CreatedAt = now
	}
	_ = s.db.WithContext(ctx).Create(&row).Error
}

// outlives reports whether a expires after b. Add always stamps temporary
// entries with a TTL, but another store owner may write a NULL expiry; a
// missing expiry counts as farthest.
func outlives(a, b *models.IPListEntry) bool {
	if a.ExpiresAt == nil {
		return true
	}
	if b.ExpiresAt == nil {
		return false
	}
	return a.ExpiresAt.After(*b.ExpiresAt)
}

func isValidListType(listType string) bool {
	for _, valid := range ValidListTypes {
		if listType == valid {
			return true
		}
	}
	return false
}
