package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsnotes/warden/internal/services"
	"github.com/opsnotes/warden/internal/version"
)

// StatusHandler exposes detector states and liveness.
type StatusHandler struct {
	ddos *services.DDoSService
}

func NewStatusHandler(ddos *services.DDoSService) *StatusHandler {
	return &StatusHandler{ddos: ddos}
}

// Health reports liveness and version.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

// Security returns the persisted DDoS detector states per scope.
func (h *StatusHandler) Security(c *gin.Context) {
	states, err := h.ddos.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detectors": states})
}
