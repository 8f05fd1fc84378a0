package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/geo"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/metrics"
	"github.com/opsnotes/warden/internal/models"
)

// Deny reasons surfaced on a Decision.
const (
	ReasonBlacklist  = "blacklist"
	ReasonTempBlock  = "temporary_block"
	ReasonGeoBlocked = "geo_blocked"
	ReasonRateLimit  = "rate_limit"
	ReasonDegraded   = "degraded"
)

// Decision is the ephemeral result of one admission evaluation. A deny is a
// normal outcome, never an error.
type Decision struct {
	Allow           bool          `json:"allow"`
	Reason          string        `json:"reason,omitempty"`
	MatchedScope    string        `json:"matched_scope,omitempty"`
	TriggeringCount int64         `json:"triggering_count,omitempty"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

// RateLimitService makes sliding-window admission decisions per IP, per API
// key and per endpoint, at multiple independent time tiers. It consults the
// IP lists first, then the recorded event history.
type RateLimitService struct {
	db         *gorm.DB
	lists      *IPListService
	events     *EventService
	geoFilter  *geo.Filter
	failPolicy config.FailPolicy
	clock      Clock
}

// NewRateLimitService wires the evaluator. geoFilter may be nil when
// geographic filtering is disabled.
func NewRateLimitService(db *gorm.DB, lists *IPListService, events *EventService, geoFilter *geo.Filter, failPolicy config.FailPolicy) *RateLimitService {
	return &RateLimitService{
		db:         db,
		lists:      lists,
		events:     events,
		geoFilter:  geoFilter,
		failPolicy: failPolicy,
		clock:      StoreClock(db),
	}
}

// WithClock overrides the time source, for tests.
func (s *RateLimitService) WithClock(clock Clock) *RateLimitService {
	s.clock = clock
	return s
}

// Check evaluates admission for one request. Validation errors propagate;
// storage failures never do — they resolve through the configured
// fail-open/fail-closed policy instead.
func (s *RateLimitService) Check(ctx context.Context, ip, endpoint, apiKey string, policies []config.RateLimitPolicy) (Decision, error) {
	if net.ParseIP(ip) == nil {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	metrics.IncCheck()

	now, err := s.clock()
	if err != nil {
		return s.degraded(err), nil
	}

	listed, err := s.lists.Lookup(ctx, ip)
	if err != nil {
		return s.degraded(err), nil
	}
	switch listed.Status {
	case StatusBlacklisted:
		// No counting needed; still recorded for analytics.
		s.recordBestEffort(ctx, ip, endpoint, apiKey, models.EventBlocked)
		return s.deny(Decision{Reason: ReasonBlacklist}), nil
	case StatusTemporarilyBlocked:
		s.recordBestEffort(ctx, ip, endpoint, apiKey, models.EventBlocked)
		return s.deny(Decision{Reason: ReasonTempBlock, RetryAfter: listed.RemainingTTL}), nil
	case StatusWhitelisted:
		// Whitelisted callers bypass limits but their traffic still counts
		// toward analytics and detector baselines.
		s.recordBestEffort(ctx, ip, endpoint, apiKey, models.EventRequest)
		return s.allow(Decision{Reason: string(StatusWhitelisted)}), nil
	}

	// Independent predicate evaluated alongside list precedence; an
	// unlisted address from a denied country goes no further.
	if s.geoFilter != nil {
		ok, err := s.geoFilter.Allowed(ip)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			s.recordBestEffort(ctx, ip, endpoint, apiKey, models.EventBlocked)
			return s.deny(Decision{Reason: ReasonGeoBlocked}), nil
		}
	}

	for _, policy := range policies {
		if !applies(policy, endpoint, apiKey) {
			continue
		}
		count, oldest, err := s.windowCount(ctx, ip, endpoint, apiKey, policy, now)
		if err != nil {
			return s.degraded(err), nil
		}
		if count >= int64(policy.EffectiveLimit()) {
			retryAfter := time.Duration(0)
			if oldest != nil {
				retryAfter = oldest.Add(policy.Window()).Sub(now)
			}
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			return s.deny(Decision{
				Reason:          ReasonRateLimit,
				MatchedScope:    policy.Name,
				TriggeringCount: count,
				RetryAfter:      retryAfter,
			}), nil
		}
	}

	s.recordBestEffort(ctx, ip, endpoint, apiKey, models.EventRequest)
	return s.allow(Decision{}), nil
}

// Reset makes the scope's history invisible to future counts. The events
// stay on disk for the detectors and audits; only the window computation
// moves its floor forward.
func (s *RateLimitService) Reset(ctx context.Context, ip, endpoint string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	now, err := s.clock()
	if err != nil {
		return err
	}

	marker := models.RateLimitReset{IP: ip, Endpoint: optional(endpoint), ResetAt: now}
	if err := s.db.WithContext(ctx).Create(&marker).Error; err != nil {
		return fmt.Errorf("record rate limit reset: %w", err)
	}

	audit := models.MitigationAudit{
		UUID:      uuid.NewString(),
		Actor:     "warden",
		Action:    "ratelimit.reset",
		IP:        ip,
		Details:   fmt.Sprintf("endpoint=%s", endpoint),
		CreatedAt: now,
	}
	_ = s.db.WithContext(ctx).Create(&audit).Error
	return nil
}

// Stats returns the current window count per tier for observability. It has
// no side effects: nothing is recorded and no decision is made.
func (s *RateLimitService) Stats(ctx context.Context, ip, endpoint string, policies []config.RateLimitPolicy) (map[string]int64, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	now, err := s.clock()
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(policies))
	for _, policy := range policies {
		if !applies(policy, endpoint, "") {
			continue
		}
		count, _, err := s.windowCount(ctx, ip, endpoint, "", policy, now)
		if err != nil {
			return nil, err
		}
		stats[policy.Name] = count
	}
	return stats, nil
}

// windowCount counts scope events inside [now-window, now], honoring the
// newest applicable reset marker, and returns the oldest counted timestamp
// for retry-after computation.
func (s *RateLimitService) windowCount(ctx context.Context, ip, endpoint, apiKey string, policy config.RateLimitPolicy, now time.Time) (int64, *time.Time, error) {
	floor, err := s.resetFloor(ctx, ip, endpoint, policy.Scope)
	if err != nil {
		return 0, nil, err
	}

	query := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("ip = ? AND occurred_at >= ? AND occurred_at <= ?", ip, now.Add(-policy.Window()), now).
		Where("event_type <> ?", models.EventBlocked)
	if floor != nil {
		// Events at or before the reset marker are logically cleared.
		query = query.Where("occurred_at > ?", *floor)
	}
	switch policy.Scope {
	case config.ScopeEndpoint:
		query = query.Where("endpoint = ?", endpoint)
	case config.ScopeAPIKey:
		query = query.Where("api_key = ?", apiKey)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, nil, fmt.Errorf("count window events: %w", err)
	}
	if count == 0 {
		return 0, nil, nil
	}

	var oldest models.SecurityEvent
	if err := query.Order("occurred_at asc").First(&oldest).Error; err != nil {
		return count, nil, nil
	}
	return count, &oldest.OccurredAt, nil
}

// resetFloor returns the newest reset marker covering the scope: an
// IP-wide marker applies everywhere, an endpoint marker only to that
// endpoint's tier.
func (s *RateLimitService) resetFloor(ctx context.Context, ip, endpoint string, scope config.Scope) (*time.Time, error) {
	query := s.db.WithContext(ctx).Model(&models.RateLimitReset{}).Where("ip = ?", ip)
	if scope == config.ScopeEndpoint && endpoint != "" {
		query = query.Where("endpoint IS NULL OR endpoint = ?", endpoint)
	} else {
		query = query.Where("endpoint IS NULL")
	}

	var marker models.RateLimitReset
	err := query.Order("reset_at desc").First(&marker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load reset marker: %w", err)
	}
	return &marker.ResetAt, nil
}

// degraded resolves a storage failure through the named fail policy. This
// is explicit deployment policy, not an accident of unhandled errors.
func (s *RateLimitService) degraded(cause error) Decision {
	metrics.IncDegraded()
	logger.Log().WithError(cause).WithField("fail_policy", string(s.failPolicy)).
		Warn("store unreachable, applying fail policy")
	if s.failPolicy == config.FailClosed {
		return s.deny(Decision{Reason: ReasonDegraded})
	}
	return s.allow(Decision{Reason: ReasonDegraded})
}

func (s *RateLimitService) allow(d Decision) Decision {
	d.Allow = true
	metrics.IncAllowed()
	return d
}

func (s *RateLimitService) deny(d Decision) Decision {
	d.Allow = false
	metrics.IncDenied()
	return d
}

func (s *RateLimitService) recordBestEffort(ctx context.Context, ip, endpoint, apiKey, eventType string) {
	if err := s.events.Record(ctx, ip, endpoint, apiKey, eventType); err != nil {
		logger.Log().WithError(err).Warn("event recording failed after decision")
	}
}

// applies reports whether a tier is relevant for this request's attributes.
func applies(policy config.RateLimitPolicy, endpoint, apiKey string) bool {
	switch policy.Scope {
	case config.ScopeEndpoint:
		return endpoint != ""
	case config.ScopeAPIKey:
		return apiKey != ""
	default:
		return true
	}
}
