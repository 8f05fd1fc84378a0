package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/services"
)

// StatsHandler serves observability reads and the administrative reset.
type StatsHandler struct {
	limiter *services.RateLimitService
	cfg     config.Config
}

func NewStatsHandler(limiter *services.RateLimitService, cfg config.Config) *StatsHandler {
	return &StatsHandler{limiter: limiter, cfg: cfg}
}

// Stats returns the current window count per configured tier. Read-only.
func (h *StatsHandler) Stats(c *gin.Context) {
	ip := c.Query("ip")
	endpoint := c.Query("endpoint")
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip query parameter is required"})
		return
	}

	ctx, cancel := h.bound(c)
	defer cancel()
	stats, err := h.limiter.Stats(ctx, ip, endpoint, h.cfg.RateLimits)
	if err != nil {
		if errors.Is(err, services.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "tiers": stats})
}

type resetRequest struct {
	IP       string `json:"ip" binding:"required"`
	Endpoint string `json:"endpoint"`
}

// Reset makes a scope's history invisible to future counts.
func (h *StatsHandler) Reset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := h.bound(c)
	defer cancel()
	if err := h.limiter.Reset(ctx, req.IP, req.Endpoint); err != nil {
		if errors.Is(err, services.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (h *StatsHandler) bound(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.cfg.StoreTimeout)
}
