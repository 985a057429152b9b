package enforcement

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for the enforcement API.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new enforcement handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up the enforcement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/enforcement/merchants/:merchantId", h.ListActive)
	r.GET("/enforcement/merchants/:merchantId/history", h.ListAll)
}

// ListActive handles GET /v1/enforcement/merchants/:merchantId
func (h *Handler) ListActive(c *gin.Context) {
	merchantID := c.Param("merchantId")

	actions, err := h.manager.ListActive(c.Request.Context(), merchantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list enforcement actions",
		})
		return
	}

	if actions == nil {
		actions = []*Enforcement{}
	}
	c.JSON(http.StatusOK, gin.H{
		"merchantId": merchantID,
		"actions":    actions,
		"count":      len(actions),
	})
}

// ListAll handles GET /v1/enforcement/merchants/:merchantId/history
func (h *Handler) ListAll(c *gin.Context) {
	merchantID := c.Param("merchantId")
	limit := parseIntQuery(c, "limit", 50)

	actions, err := h.manager.ListAll(c.Request.Context(), merchantID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list enforcement history",
		})
		return
	}

	if actions == nil {
		actions = []*Enforcement{}
	}
	c.JSON(http.StatusOK, gin.H{
		"merchantId": merchantID,
		"actions":    actions,
		"count":      len(actions),
	})
}

func parseIntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			if i > 1000 {
				i = 1000
			}
			return i
		}
	}
	return defaultVal
}
