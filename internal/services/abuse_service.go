package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/alerting"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/models"
)

// Abuse pattern identifiers returned by the analyses.
const (
	PatternEndpointEnumeration = "endpoint-enumeration"
	PatternRepeatedErrors      = "repeated-errors"
	PatternRateAnomaly         = "rate-anomaly"
	PatternUnexpectedTraversal = "unexpected-traversal"
)

// Finding is one suspicious observation about an IP.
type Finding struct {
	IP       string          `json:"ip"`
	Pattern  string          `json:"pattern"`
	Severity config.Severity `json:"severity"`
	Details  string          `json:"details"`
}

// AbuseService scores recent per-IP behavior with three independent
// analyses and maps the combined severity to a configured response. The
// cadence of scans belongs to the caller.
type AbuseService struct {
	db      *gorm.DB
	lists   *IPListService
	ddos    *DDoSService
	emitter alerting.Emitter
	cfg     config.AbuseConfig
	clock   Clock
}

func NewAbuseService(db *gorm.DB, lists *IPListService, ddos *DDoSService, emitter alerting.Emitter, cfg config.AbuseConfig) *AbuseService {
	return &AbuseService{db: db, lists: lists, ddos: ddos, emitter: emitter, cfg: cfg, clock: StoreClock(db)}
}

// WithClock overrides the time source, for tests.
func (s *AbuseService) WithClock(clock Clock) *AbuseService {
	s.clock = clock
	return s
}

// Scan analyzes every IP active enough in the recent window, applies the
// configured automatic response per IP, and returns the findings.
func (s *AbuseService) Scan(ctx context.Context) ([]Finding, error) {
	now, err := s.clock()
	if err != nil {
		return nil, err
	}

	ips, err := s.activeIPs(ctx, now)
	if err != nil {
		return nil, err
	}

	var all []Finding
	for _, ip := range ips {
		findings, err := s.Analyze(ctx, ip, now)
		if err != nil {
			return nil, err
		}
		if len(findings) == 0 {
			continue
		}
		all = append(all, findings...)
		if err := s.AutomaticResponse(ctx, ip, combinedSeverity(findings)); err != nil {
			logger.Log().WithError(err).WithField("ip", ip).Warn("abuse response failed")
		}
	}
	return all, nil
}

// Analyze runs the three analyses for one IP at the given time.
func (s *AbuseService) Analyze(ctx context.Context, ip string, now time.Time) ([]Finding, error) {
	var findings []Finding

	patterns, err := s.PatternAnalysis(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	findings = append(findings, patterns...)

	anomaly, err := s.AnomalyDetection(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	if anomaly != nil {
		findings = append(findings, *anomaly)
	}

	behavior, err := s.BehavioralAnalysis(ctx, ip, now)
	if err != nil {
		return nil, err
	}
	if behavior != nil {
		findings = append(findings, *behavior)
	}

	return findings, nil
}

// PatternAnalysis scans recent events for known abuse signatures: rapid
// endpoint enumeration and repeated error responses.
func (s *AbuseService) PatternAnalysis(ctx context.Context, ip string, now time.Time) ([]Finding, error) {
	start := now.Add(-s.window())

	var endpoints int64
	if err := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("ip = ? AND occurred_at >= ? AND occurred_at <= ? AND endpoint IS NOT NULL", ip, start, now).
		Distinct("endpoint").
		Count(&endpoints).Error; err != nil {
		return nil, fmt.Errorf("count distinct endpoints: %w", err)
	}

	var errCount int64
	if err := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("ip = ? AND occurred_at >= ? AND occurred_at <= ? AND event_type = ?", ip, start, now, models.EventError).
		Count(&errCount).Error; err != nil {
		return nil, fmt.Errorf("count error events: %w", err)
	}

	var findings []Finding
	if endpoints >= int64(s.cfg.EnumThreshold) {
		findings = append(findings, Finding{
			IP:       ip,
			Pattern:  PatternEndpointEnumeration,
			Severity: config.SeverityMedium,
			Details:  fmt.Sprintf("%d distinct endpoints in %ds", endpoints, s.cfg.WindowSeconds),
		})
	}
	if errCount >= int64(s.cfg.ErrorThreshold) {
		findings = append(findings, Finding{
			IP:       ip,
			Pattern:  PatternRepeatedErrors,
			Severity: config.SeverityMedium,
			Details:  fmt.Sprintf("%d error responses in %ds", errCount, s.cfg.WindowSeconds),
		})
	}
	return findings, nil
}

// AnomalyDetection compares the IP's current request rate against its own
// historical baseline and flags a deviation beyond the configured z-score.
func (s *AbuseService) AnomalyDetection(ctx context.Context, ip string, now time.Time) (*Finding, error) {
	current, err := s.countBetween(ctx, ip, now.Add(-s.window()), now)
	if err != nil {
		return nil, err
	}
	if current < int64(s.cfg.MinRequests) {
		return nil, nil
	}

	baseline := make([]float64, 0, s.cfg.BaselineWindows)
	for i := 1; i <= s.cfg.BaselineWindows; i++ {
		end := now.Add(-time.Duration(i) * s.window())
		count, err := s.countBetween(ctx, ip, end.Add(-s.window()), end)
		if err != nil {
			return nil, err
		}
		baseline = append(baseline, float64(count))
	}

	mean, stddev := meanStddev(baseline)
	var deviant bool
	var score float64
	if stddev == 0 {
		// Flat baseline (often all zeros): flag a clear multiple instead.
		deviant = float64(current) >= 2*mean+float64(s.cfg.MinRequests)
		score = math.Inf(1)
	} else {
		score = (float64(current) - mean) / stddev
		deviant = score >= s.cfg.ZScoreThreshold
	}
	if !deviant {
		return nil, nil
	}

	return &Finding{
		IP:       ip,
		Pattern:  PatternRateAnomaly,
		Severity: config.SeverityHigh,
		Details:  fmt.Sprintf("current=%d baseline_mean=%.1f z=%.1f", current, mean, score),
	}, nil
}

// BehavioralAnalysis compares the sequence of endpoints the IP visited
// against the expected access graph and flags unexpected traversal order.
// Disabled when no graph is configured.
func (s *AbuseService) BehavioralAnalysis(ctx context.Context, ip string, now time.Time) (*Finding, error) {
	if len(s.cfg.AccessGraph) == 0 {
		return nil, nil
	}

	var events []models.SecurityEvent
	if err := s.db.WithContext(ctx).
		Where("ip = ? AND occurred_at >= ? AND occurred_at <= ? AND endpoint IS NOT NULL", ip, now.Add(-s.window()), now).
		Order("occurred_at asc, id asc").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load endpoint sequence: %w", err)
	}
	if len(events) < 2 {
		return nil, nil
	}

	var checked, unexpected int
	for i := 1; i < len(events); i++ {
		from := *events[i-1].Endpoint
		to := *events[i].Endpoint
		expected, known := s.cfg.AccessGraph[from]
		if !known {
			// No expectation recorded for this endpoint.
			continue
		}
		checked++
		if !contains(expected, to) && to != from {
			unexpected++
		}
	}
	if checked == 0 || float64(unexpected)/float64(checked) < 0.5 {
		return nil, nil
	}

	return &Finding{
		IP:       ip,
		Pattern:  PatternUnexpectedTraversal,
		Severity: config.SeverityMedium,
		Details:  fmt.Sprintf("%d of %d transitions outside the expected graph", unexpected, checked),
	}, nil
}

// AutomaticResponse applies the configured action for a severity. The
// mapping is configuration, not code, so operators can retune sensitivity
// without a redeploy.
func (s *AbuseService) AutomaticResponse(ctx context.Context, ip string, severity config.Severity) error {
	action := s.cfg.Responses[severity]

	switch action {
	case config.ActionLogOnly:
		logger.WithFields(map[string]interface{}{"ip": ip, "severity": string(severity)}).
			Info("abuse detected, logging only")
		return nil

	case config.ActionAlert:
		return s.emitter.Emit("abuse-detector", alerting.LevelWarning,
			"abuse:"+ip,
			fmt.Sprintf("Abusive behavior from %s (severity %s)", ip, severity))

	case config.ActionTemporaryBlock:
		if _, err := s.lists.Add(ctx, ip, models.ListTemporary, "abuse", s.cfg.BlockTTLSeconds); err != nil {
			return err
		}
		return s.emitter.Emit("abuse-detector", alerting.LevelWarning,
			"abuse-block:"+ip,
			fmt.Sprintf("Temporarily blocked %s for abusive behavior (severity %s)", ip, severity))

	case config.ActionEscalateToDDoS:
		if err := s.ddos.PrimeSuspect(ctx, ScopeGlobal, "abuse escalation for "+ip); err != nil {
			return err
		}
		if _, err := s.lists.Add(ctx, ip, models.ListTemporary, "abuse-escalation", s.cfg.BlockTTLSeconds); err != nil {
			return err
		}
		return s.emitter.Emit("abuse-detector", alerting.LevelCritical,
			"abuse-escalation:"+ip,
			fmt.Sprintf("Escalated %s to DDoS mitigation (severity %s)", ip, severity))
	}

	return fmt.Errorf("%w: no action for severity %q", config.ErrInvalidResponseMap, severity)
}

// activeIPs returns addresses with enough recent traffic to be worth
// analyzing.
func (s *AbuseService) activeIPs(ctx context.Context, now time.Time) ([]string, error) {
	var ips []string
	if err := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("occurred_at >= ? AND occurred_at <= ?", now.Add(-s.window()), now).
		Group("ip").
		Having("COUNT(*) >= ?", s.cfg.MinRequests).
		Pluck("ip", &ips).Error; err != nil {
		return nil, fmt.Errorf("list active IPs: %w", err)
	}
	return ips, nil
}

func (s *AbuseService) countBetween(ctx context.Context, ip string, start, end time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.SecurityEvent{}).
		Where("ip = ? AND occurred_at >= ? AND occurred_at <= ?", ip, start, end).
		Where("event_type <> ?", models.EventBlocked).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (s *AbuseService) window() time.Duration {
	return time.Duration(s.cfg.WindowSeconds) * time.Second
}

// combinedSeverity is the highest finding severity, bumped one level when
// multiple independent analyses agree.
func combinedSeverity(findings []Finding) config.Severity {
	rank := map[config.Severity]int{
		config.SeverityLow:      0,
		config.SeverityMedium:   1,
		config.SeverityHigh:     2,
		config.SeverityCritical: 3,
	}
	order := []config.Severity{config.SeverityLow, config.SeverityMedium, config.SeverityHigh, config.SeverityCritical}

	highest := 0
	for _, f := range findings {
		if rank[f.Severity] > highest {
			highest = rank[f.Severity]
		}
	}
	if len(findings) > 1 && highest < len(order)-1 {
		highest++
	}
	return order[highest]
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
