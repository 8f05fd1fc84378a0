package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/alerting"
	"github.com/opsnotes/warden/internal/api/middleware"
	"github.com/opsnotes/warden/internal/api/routes"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/database"
	"github.com/opsnotes/warden/internal/services"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cfg := config.Config{
		Environment:  "test",
		JWTSecret:    "test-secret",
		StoreTimeout: 2 * time.Second,
		FailPolicy:   config.FailOpen,
		DDoS: config.DDoSConfig{
			WindowSeconds: 10, SoftThreshold: 50, HardThreshold: 100,
			ConsecutiveWindows: 2, CooldownSeconds: 60, BlockTTLSeconds: 300,
			OffenderMinRequests: 30,
		},
	}

	events := services.NewEventService(db)
	lists := services.NewIPListService(db)
	return New(cfg, routes.Deps{
		Config:  cfg,
		Limiter: services.NewRateLimitService(db, lists, events, nil, cfg.FailPolicy),
		Events:  events,
		Lists:   lists,
		DDoS:    services.NewDDoSService(db, lists, alerting.LogEmitter{}, cfg.DDoS),
		Admin:   services.NewAdminService(db),
	})
}

func TestNew_ServesHealthAndMetrics(t *testing.T) {
	srv := testServer(t)

	w := httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = httptest.NewRecorder()
	srv.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "warden_checks_total")
}
