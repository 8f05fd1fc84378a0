package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsnotes/warden/internal/api/middleware"
	"github.com/opsnotes/warden/internal/api/routes"
	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/metrics"
)

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine   *gin.Engine
	Registry *prometheus.Registry
	cfg      config.Config
}

// New wires up the HTTP router, middleware chain and versioned routes.
func New(cfg config.Config, deps routes.Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	deps.Registry = registry

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger(), middleware.Recovery(cfg.Debug))

	routes.Register(router, deps)

	return &Server{Engine: router, Registry: registry, cfg: cfg}
}

// Run starts the HTTP listener on the given address.
func (s *Server) Run(addr string) error {
	return s.Engine.Run(addr)
}
