package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the caller's view of its own API key.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes mounts GET /auth/me. Middleware and RequireAuth
// must run first.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.GetCurrentMerchant)
}

// GetCurrentMerchant tells a back office which merchant its key acts for.
// The hash never leaves the service.
func (h *Handler) GetCurrentMerchant(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"merchantId": key.MerchantID,
		"keyId":      key.ID,
		"keyName":    key.Name,
		"createdAt":  key.CreatedAt,
		"lastUsed":   key.LastUsed,
	})
}
