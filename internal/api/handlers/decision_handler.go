package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/models"
	"github.com/opsnotes/warden/internal/services"
)

// DecisionHandler serves the gateway-facing decision API: admission checks
// and event recording.
type DecisionHandler struct {
	limiter *services.RateLimitService
	events  *services.EventService
	cfg     config.Config
}

func NewDecisionHandler(limiter *services.RateLimitService, events *services.EventService, cfg config.Config) *DecisionHandler {
	return &DecisionHandler{limiter: limiter, events: events, cfg: cfg}
}

type checkRequest struct {
	IP         string `json:"ip" binding:"required"`
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"api_key"`
	Connection bool   `json:"connection"`
}

type checkResponse struct {
	Allow             bool   `json:"allow"`
	Reason            string `json:"reason,omitempty"`
	MatchedScope      string `json:"matched_scope,omitempty"`
	TriggeringCount   int64  `json:"triggering_count,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Check evaluates admission for one request. Connection checks use the
// tighter connection tier instead of the request tiers.
func (h *DecisionHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	policies := h.cfg.RateLimits
	if req.Connection {
		policies = []config.RateLimitPolicy{h.cfg.ConnectionTier}
	}

	ctx, cancel := h.bound(c)
	defer cancel()
	decision, err := h.limiter.Check(ctx, req.IP, req.Endpoint, req.APIKey, policies)
	if err != nil {
		if errors.Is(err, services.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check failed"})
		return
	}

	status := http.StatusOK
	if !decision.Allow {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, checkResponse{
		Allow:             decision.Allow,
		Reason:            decision.Reason,
		MatchedScope:      decision.MatchedScope,
		TriggeringCount:   decision.TriggeringCount,
		RetryAfterSeconds: int(decision.RetryAfter / time.Second),
	})
}

type recordRequest struct {
	IP        string `json:"ip" binding:"required"`
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	EventType string `json:"event_type"`
}

// Record appends a security event on behalf of the gateway, e.g. an error
// response it served after an admitted request.
func (h *DecisionHandler) Record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.EventType == "" {
		req.EventType = models.EventRequest
	}

	ctx, cancel := h.bound(c)
	defer cancel()
	if err := h.events.Record(ctx, req.IP, req.Endpoint, req.APIKey, req.EventType); err != nil {
		if errors.Is(err, services.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

func (h *DecisionHandler) bound(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.cfg.StoreTimeout)
}
