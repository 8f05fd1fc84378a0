package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/models"
)

func setupLimiter(t *testing.T, db *gorm.DB, now time.Time, failPolicy config.FailPolicy) *RateLimitService {
	t.Helper()
	lists := NewIPListService(db).WithClock(FixedClock(now))
	events := NewEventService(db).WithClock(FixedClock(now))
	return NewRateLimitService(db, lists, events, nil, failPolicy).WithClock(FixedClock(now))
}

func ipTier() []config.RateLimitPolicy {
	return []config.RateLimitPolicy{{
		Name:           "ip-minute",
		Scope:          config.ScopeIP,
		WindowSeconds:  60,
		MaxRequests:    10,
		BurstAllowance: 3,
	}}
}

func TestRateLimitService_WindowExhaustion(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	// Effective limit is max + burst = 13.
	for i := 0; i < 13; i++ {
		decision, err := svc.Check(ctx, "10.1.0.1", "/api", "", ipTier())
		require.NoError(t, err)
		require.True(t, decision.Allow, "request %d should be admitted", i+1)
	}

	decision, err := svc.Check(ctx, "10.1.0.1", "/api", "", ipTier())
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonRateLimit, decision.Reason)
	assert.Equal(t, "ip-minute", decision.MatchedScope)
	assert.EqualValues(t, 13, decision.TriggeringCount)
	assert.Equal(t, 60*time.Second, decision.RetryAfter)

	// A denial leaves no request event behind, so it cannot extend the
	// exhaustion: after the window slides past, the caller is admitted again.
	later := now.Add(61 * time.Second)
	svc = setupLimiter(t, db, later, config.FailOpen)
	decision, err = svc.Check(ctx, "10.1.0.1", "/api", "", ipTier())
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestRateLimitService_DenialRecordsBlockedEventOnly(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	insertEvents(t, db, "10.1.0.2", "/api", 13, now.Add(-10*time.Second))

	decision, err := svc.Check(ctx, "10.1.0.2", "/api", "", ipTier())
	require.NoError(t, err)
	require.False(t, decision.Allow)

	var requests int64
	require.NoError(t, db.Model(&models.SecurityEvent{}).
		Where("ip = ? AND event_type = ?", "10.1.0.2", models.EventRequest).
		Count(&requests).Error)
	assert.EqualValues(t, 13, requests, "a rate-limit denial must not add a request event")
}

func TestRateLimitService_BlacklistShortCircuits(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	_, err := svc.lists.Add(ctx, "10.1.0.3", models.ListBlacklist, "known bad", 0)
	require.NoError(t, err)

	decision, err := svc.Check(ctx, "10.1.0.3", "/api", "", ipTier())
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonBlacklist, decision.Reason)

	var blocked int64
	require.NoError(t, db.Model(&models.SecurityEvent{}).
		Where("ip = ? AND event_type = ?", "10.1.0.3", models.EventBlocked).
		Count(&blocked).Error)
	assert.EqualValues(t, 1, blocked)
}

func TestRateLimitService_TemporaryBlockCarriesRetryAfter(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	_, err := svc.lists.Add(ctx, "10.1.0.4", models.ListTemporary, "ddos", 90)
	require.NoError(t, err)

	decision, err := svc.Check(ctx, "10.1.0.4", "/api", "", ipTier())
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonTempBlock, decision.Reason)
	assert.Equal(t, 90*time.Second, decision.RetryAfter)
}

func TestRateLimitService_WhitelistBypassesLimits(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	_, err := svc.lists.Add(ctx, "10.1.0.5", models.ListWhitelist, "partner", 0)
	require.NoError(t, err)
	insertEvents(t, db, "10.1.0.5", "/api", 50, now.Add(-5*time.Second))

	decision, err := svc.Check(ctx, "10.1.0.5", "/api", "", ipTier())
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	// Whitelisted traffic still lands in the event history.
	var total int64
	require.NoError(t, db.Model(&models.SecurityEvent{}).
		Where("ip = ? AND event_type = ?", "10.1.0.5", models.EventRequest).
		Count(&total).Error)
	assert.EqualValues(t, 51, total)
}

func TestRateLimitService_TiersAreIndependentPerIP(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	insertEvents(t, db, "10.1.0.6", "/api", 13, now.Add(-5*time.Second))

	decision, err := svc.Check(ctx, "10.1.0.6", "/api", "", ipTier())
	require.NoError(t, err)
	require.False(t, decision.Allow)

	// A different address is unaffected by the first one's exhaustion.
	decision, err = svc.Check(ctx, "10.1.0.7", "/api", "", ipTier())
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestRateLimitService_EndpointScopeIsolation(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	policies := []config.RateLimitPolicy{{
		Name:          "endpoint-minute",
		Scope:         config.ScopeEndpoint,
		WindowSeconds: 60,
		MaxRequests:   5,
	}}

	insertEvents(t, db, "10.1.0.8", "/heavy", 5, now.Add(-5*time.Second))

	decision, err := svc.Check(ctx, "10.1.0.8", "/heavy", "", policies)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	// The same IP on a different endpoint has an independent window.
	decision, err = svc.Check(ctx, "10.1.0.8", "/light", "", policies)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestRateLimitService_OnlyApplicableTiersEvaluated(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	policies := []config.RateLimitPolicy{{
		Name:          "key-minute",
		Scope:         config.ScopeAPIKey,
		WindowSeconds: 60,
		MaxRequests:   1,
	}}

	insertEvents(t, db, "10.1.0.9", "/api", 10, now.Add(-5*time.Second))

	// No API key on the request, so the api_key tier does not apply.
	decision, err := svc.Check(ctx, "10.1.0.9", "/api", "", policies)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestRateLimitService_ResetClearsWindowNotHistory(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	insertEvents(t, db, "10.1.1.1", "/api", 13, now.Add(-5*time.Second))

	decision, err := svc.Check(ctx, "10.1.1.1", "/api", "", ipTier())
	require.NoError(t, err)
	require.False(t, decision.Allow)

	require.NoError(t, svc.Reset(ctx, "10.1.1.1", ""))

	decision, err = svc.Check(ctx, "10.1.1.1", "/api", "", ipTier())
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	// The reset is logical: the underlying events survive for the detectors.
	var remaining int64
	require.NoError(t, db.Model(&models.SecurityEvent{}).
		Where("ip = ?", "10.1.1.1").Count(&remaining).Error)
	assert.GreaterOrEqual(t, remaining, int64(13))
}

func TestRateLimitService_StatsHasNoSideEffects(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := setupLimiter(t, db, now, config.FailOpen)
	ctx := context.Background()

	insertEvents(t, db, "10.1.1.2", "/api", 4, now.Add(-5*time.Second))

	stats, err := svc.Stats(ctx, "10.1.1.2", "/api", ipTier())
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats["ip-minute"])

	var total int64
	require.NoError(t, db.Model(&models.SecurityEvent{}).
		Where("ip = ?", "10.1.1.2").Count(&total).Error)
	assert.EqualValues(t, 4, total, "stats must not record events")
}

func TestRateLimitService_FailPolicyOnStorageError(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for _, tt := range []struct {
		policy config.FailPolicy
		allow  bool
	}{
		{config.FailOpen, true},
		{config.FailClosed, false},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			db := setupTestDB(t)
			svc := setupLimiter(t, db, now, tt.policy)

			// Break the list lookup out from under the evaluator.
			require.NoError(t, db.Migrator().DropTable(&models.IPListEntry{}))

			decision, err := svc.Check(ctx, "10.1.1.3", "/api", "", ipTier())
			require.NoError(t, err, "storage failures resolve via policy, not as errors")
			assert.Equal(t, tt.allow, decision.Allow)
			assert.Equal(t, ReasonDegraded, decision.Reason)
		})
	}
}

func TestRateLimitService_InvalidIPRejected(t *testing.T) {
	db := setupTestDB(t)
	svc := setupLimiter(t, db, time.Now().UTC(), config.FailOpen)

	_, err := svc.Check(context.Background(), "999.0.0.1", "/api", "", ipTier())
	assert.ErrorIs(t, err, ErrInvalidIP)
}
