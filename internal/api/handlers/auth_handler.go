package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsnotes/warden/internal/services"
)

// AuthHandler exchanges a break-glass token for a short-lived admin JWT.
type AuthHandler struct {
	admin  *services.AdminService
	secret string
}

func NewAuthHandler(admin *services.AdminService, secret string) *AuthHandler {
	return &AuthHandler{admin: admin, secret: secret}
}

type sessionRequest struct {
	Name  string `json:"name" binding:"required"`
	Token string `json:"token" binding:"required"`
}

// Session verifies the break-glass token and mints a one-hour session JWT.
func (h *AuthHandler) Session(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ok, err := h.admin.VerifyToken(req.Name, req.Token)
	if err != nil || !ok {
		if errors.Is(err, services.ErrCredentialNotFound) || errors.Is(err, services.ErrTokenInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}

	jwt, err := h.admin.IssueSessionJWT(h.secret, req.Name, time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": jwt, "expires_in": int(time.Hour / time.Second)})
}
