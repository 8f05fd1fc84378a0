package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsnotes/warden/internal/api/handlers"
	"github.com/opsnotes/warden/internal/api/middleware"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/services"
)

// Deps carries the wired services into route registration. Construction
// and scheduling stay in cmd/api; this package only maps URLs.
type Deps struct {
	Config   config.Config
	Limiter  *services.RateLimitService
	Events   *services.EventService
	Lists    *services.IPListService
	DDoS     *services.DDoSService
	Admin    *services.AdminService
	Registry *prometheus.Registry
}

// Register wires the versioned API. Decision endpoints are open to the
// gateway; admin mutations sit behind the JWT middleware.
func Register(router *gin.Engine, deps Deps) {
	decisionHandler := handlers.NewDecisionHandler(deps.Limiter, deps.Events, deps.Config)
	iplistHandler := handlers.NewIPListHandler(deps.Lists, deps.Config.StoreTimeout)
	statsHandler := handlers.NewStatsHandler(deps.Limiter, deps.Config)
	statusHandler := handlers.NewStatusHandler(deps.DDoS)
	authHandler := handlers.NewAuthHandler(deps.Admin, deps.Config.JWTSecret)

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}
	router.GET("/healthz", statusHandler.Health)

	api := router.Group("/api/v1")

	// Decision API, consumed by the gateway hook and the security monitor.
	api.POST("/check", decisionHandler.Check)
	api.POST("/events", decisionHandler.Record)
	api.GET("/rate-limits/stats", statsHandler.Stats)
	api.GET("/ip-lists/lookup/:ip", iplistHandler.Lookup)
	api.GET("/security/status", statusHandler.Security)

	api.POST("/auth/session", authHandler.Session)

	// Admin surface: list management, resets, sweeps.
	admin := api.Group("")
	admin.Use(middleware.AdminAuth(deps.Config.JWTSecret))
	{
		admin.POST("/ip-lists", iplistHandler.Add)
		admin.DELETE("/ip-lists/:list_type/:ip", iplistHandler.Remove)
		admin.GET("/ip-lists/:list_type", iplistHandler.List)
		admin.POST("/ip-lists/cleanup", iplistHandler.Cleanup)
		admin.POST("/rate-limits/reset", statsHandler.Reset)
	}
}
