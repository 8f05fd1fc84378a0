package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsnotes/warden/internal/services"
)

// IPListHandler serves admin management of the whitelist, blacklist and
// temporary blocks. Every mutation is audited by the service layer.
type IPListHandler struct {
	lists   *services.IPListService
	timeout time.Duration
}

func NewIPListHandler(lists *services.IPListService, timeout time.Duration) *IPListHandler {
	return &IPListHandler{lists: lists, timeout: timeout}
}

type addEntryRequest struct {
	IP         string `json:"ip" binding:"required"`
	ListType   string `json:"list_type" binding:"required"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Add inserts a new list entry.
func (h *IPListHandler) Add(c *gin.Context) {
	var req addEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := h.bound(c)
	defer cancel()
	entry, err := h.lists.Add(ctx, req.IP, req.ListType, req.Reason, req.TTLSeconds)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrInvalidIP) ||
			errors.Is(err, services.ErrInvalidListType) ||
			errors.Is(err, services.ErrTTLRequired) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// Remove deletes every entry of one type for an IP.
func (h *IPListHandler) Remove(c *gin.Context) {
	listType := c.Param("list_type")
	ip := c.Param("ip")

	ctx, cancel := h.bound(c)
	defer cancel()
	if err := h.lists.Remove(ctx, ip, listType); err != nil {
		switch {
		case errors.Is(err, services.ErrEntryNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrInvalidIP), errors.Is(err, services.ErrInvalidListType):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// List returns the entries of one list type.
func (h *IPListHandler) List(c *gin.Context) {
	ctx, cancel := h.bound(c)
	defer cancel()
	entries, err := h.lists.List(ctx, c.Param("list_type"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidListType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Lookup resolves an IP's effective status under list precedence.
func (h *IPListHandler) Lookup(c *gin.Context) {
	ctx, cancel := h.bound(c)
	defer cancel()
	result, err := h.lists.Lookup(ctx, c.Param("ip"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                result.Status,
		"reason":                result.Reason,
		"remaining_ttl_seconds": int(result.RemainingTTL / time.Second),
	})
}

// Cleanup physically removes expired entries.
func (h *IPListHandler) Cleanup(c *gin.Context) {
	ctx, cancel := h.bound(c)
	defer cancel()
	removed, err := h.lists.SweepExpired(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *IPListHandler) bound(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}
