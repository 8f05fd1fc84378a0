package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/alerting"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/metrics"
	"github.com/opsnotes/warden/internal/models"
)

// ScopeGlobal monitors the aggregate rate across all endpoints. Endpoint
// scopes are "endpoint:<path>".
const ScopeGlobal = "global"

// EndpointScope builds the detector scope name for one endpoint.
func EndpointScope(endpoint string) string {
	return "endpoint:" + endpoint
}

// Offender is an IP and its request count inside the evaluation window.
type Offender struct {
	IP    string
	Count int64
}

// WindowSnapshot is the time-bounded input the transition logic runs on.
// Building it is the only part of an evaluation that touches the store.
type WindowSnapshot struct {
	Scope     string
	Count     int64
	Offenders []Offender
}

// DDoSService runs the aggregate-rate anomaly state machine
// NORMAL -> SUSPECT -> ATTACK -> MITIGATING -> NORMAL per monitored scope.
// State lives in the shared store so evaluators on multiple hosts continue
// one another's episodes instead of starting fresh ones.
type DDoSService struct {
	db      *gorm.DB
	lists   *IPListService
	emitter alerting.Emitter
	cfg     config.DDoSConfig
	clock   Clock
}

func NewDDoSService(db *gorm.DB, lists *IPListService, emitter alerting.Emitter, cfg config.DDoSConfig) *DDoSService {
	return &DDoSService{db: db, lists: lists, emitter: emitter, cfg: cfg, clock: StoreClock(db)}
}

// WithClock overrides the time source, for tests.
func (s *DDoSService) WithClock(clock Clock) *DDoSService {
	s.clock = clock
	return s
}

// Evaluate runs one detection step for a scope. The cadence belongs to the
// caller; the engine only advances the state machine over the current
// window snapshot.
func (s *DDoSService) Evaluate(ctx context.Context, scope string) (models.DetectorState, error) {
	now, err := s.clock()
	if err != nil {
		return models.DetectorState{}, err
	}

	snapshot, err := s.snapshot(ctx, scope, now)
	if err != nil {
		return models.DetectorState{}, err
	}

	state, err := s.loadState(ctx, scope, now)
	if err != nil {
		return models.DetectorState{}, err
	}

	next, entered := advance(state, snapshot.Count, s.cfg, now)
	if entered == models.StateAttack {
		// A retrigger out of MITIGATING still carries its episode: the new
		// offenders are blocked but the episode already paged once.
		newEpisode := next.EpisodeID == ""
		if newEpisode {
			next.EpisodeID = uuid.NewString()
			metrics.IncAttackEpisode()
		}
		s.mitigate(ctx, snapshot, next, newEpisode)
	}

	next.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&next).Error; err != nil {
		return models.DetectorState{}, fmt.Errorf("persist detector state: %w", err)
	}
	return next, nil
}

// PrimeSuspect escalates a scope out of NORMAL on behalf of the abuse
// detector: one more hard-threshold window then moves it to ATTACK.
func (s *DDoSService) PrimeSuspect(ctx context.Context, scope, reason string) error {
	now, err := s.clock()
	if err != nil {
		return err
	}
	state, err := s.loadState(ctx, scope, now)
	if err != nil {
		return err
	}
	if state.State != models.StateNormal {
		return nil
	}

	state.State = models.StateSuspect
	state.BreachStreak = s.cfg.ConsecutiveWindows - 1
	state.EnteredAt = now
	state.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		return fmt.Errorf("persist detector state: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"scope":  scope,
		"reason": reason,
	}).Warn("ddos detector primed to suspect")
	return nil
}

// Status returns the persisted state of every monitored scope.
func (s *DDoSService) Status(ctx context.Context) ([]models.DetectorState, error) {
	var states []models.DetectorState
	if err := s.db.WithContext(ctx).Order("scope asc").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("load detector states: %w", err)
	}
	return states, nil
}

// snapshot counts window traffic and collects per-IP offenders above the
// blocking threshold.
func (s *DDoSService) snapshot(ctx context.Context, scope string, now time.Time) (WindowSnapshot, error) {
	window := time.Duration(s.cfg.WindowSeconds) * time.Second
	query := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("occurred_at >= ? AND occurred_at <= ?", now.Add(-window), now).
		Where("event_type IN ?", []string{models.EventRequest, models.EventConnection})
	if endpoint, ok := strings.CutPrefix(scope, "endpoint:"); ok {
		query = query.Where("endpoint = ?", endpoint)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return WindowSnapshot{}, fmt.Errorf("count window events: %w", err)
	}

	var offenders []Offender
	if err := query.Select("ip, COUNT(*) as count").
		Group("ip").
		Having("COUNT(*) >= ?", s.cfg.OffenderMinRequests).
		Scan(&offenders).Error; err != nil {
		return WindowSnapshot{}, fmt.Errorf("collect offenders: %w", err)
	}

	return WindowSnapshot{Scope: scope, Count: count, Offenders: offenders}, nil
}

func (s *DDoSService) loadState(ctx context.Context, scope string, now time.Time) (models.DetectorState, error) {
	var state models.DetectorState
	err := s.db.WithContext(ctx).Where("scope = ?", scope).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DetectorState{Scope: scope, State: models.StateNormal, EnteredAt: now}, nil
		}
		return models.DetectorState{}, fmt.Errorf("load detector state: %w", err)
	}
	return state, nil
}

// mitigate blocks the window's offenders and, for a fresh episode, raises
// one CRITICAL alert keyed to (scope, episode). Retriggers inside an open
// episode re-block but never re-page, regardless of the dedup cooldown.
func (s *DDoSService) mitigate(ctx context.Context, snapshot WindowSnapshot, state models.DetectorState, alert bool) {
	blocked := make([]string, 0, len(snapshot.Offenders))
	for _, offender := range snapshot.Offenders {
		if _, err := s.lists.Add(ctx, offender.IP, models.ListTemporary, "ddos", s.cfg.BlockTTLSeconds); err != nil {
			logger.Log().WithError(err).WithField("ip", offender.IP).Warn("failed to block ddos offender")
			continue
		}
		blocked = append(blocked, offender.IP)
	}
	if !alert {
		return
	}

	message := fmt.Sprintf("DDoS attack detected on scope %s: %d requests in %ds window, %d IPs temporarily blocked",
		snapshot.Scope, snapshot.Count, s.cfg.WindowSeconds, len(blocked))
	dedupKey := fmt.Sprintf("ddos:%s:%s", snapshot.Scope, state.EpisodeID)
	if err := s.emitter.Emit("ddos-detector", alerting.LevelCritical, dedupKey, message); err != nil {
		logger.Log().WithError(err).Warn("ddos alert emission failed")
	}
}

// advance is the pure transition function. It never touches the store: the
// snapshot count, config and injected now fully determine the next state.
// The second return names the state just entered, or "" when unchanged.
func advance(state models.DetectorState, count int64, cfg config.DDoSConfig, now time.Time) (models.DetectorState, string) {
	soft := int64(cfg.SoftThreshold)
	hard := int64(cfg.HardThreshold)
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second

	enter := func(next string) (models.DetectorState, string) {
		state.State = next
		state.EnteredAt = now
		return state, next
	}

	switch state.State {
	case models.StateNormal:
		if count >= soft {
			if count >= hard {
				state.BreachStreak = 1
				if state.BreachStreak >= cfg.ConsecutiveWindows {
					return enter(models.StateAttack)
				}
			} else {
				state.BreachStreak = 0
			}
			return enter(models.StateSuspect)
		}
		state.BreachStreak = 0
		return state, ""

	case models.StateSuspect:
		if count >= hard {
			state.BreachStreak++
			if state.BreachStreak >= cfg.ConsecutiveWindows {
				return enter(models.StateAttack)
			}
			return state, ""
		}
		if count < soft {
			state.BreachStreak = 0
			return enter(models.StateNormal)
		}
		// Between thresholds: stay suspicious, streak broken.
		state.BreachStreak = 0
		return state, ""

	case models.StateAttack:
		if count < soft {
			return enter(models.StateMitigating)
		}
		return state, ""

	case models.StateMitigating:
		if count >= hard {
			// Retrigger inside the same episode; no new alert.
			return enter(models.StateAttack)
		}
		if count >= soft {
			// A soft breach restarts the cooldown: release requires a full
			// quiet stretch, not just elapsed wall time.
			state.EnteredAt = now
			return state, ""
		}
		if now.Sub(state.EnteredAt) >= cooldown {
			state.BreachStreak = 0
			state.EpisodeID = ""
			return enter(models.StateNormal)
		}
		return state, ""
	}

	// Unknown persisted state: recover to NORMAL rather than wedge.
	state.State = models.StateNormal
	state.BreachStreak = 0
	return state, ""
}
