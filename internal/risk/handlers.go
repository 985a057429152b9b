package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storelink/riskd/internal/pagination"
	"github.com/storelink/riskd/internal/validation"
)

// Handler provides HTTP handlers for the risk API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the public risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/risk/signals", h.IngestSignal)
	r.GET("/risk/merchants/:merchantId", h.MerchantStatus)
	r.GET("/risk/merchants/:merchantId/signals", h.ListSignals)
	r.GET("/risk/merchants/:merchantId/customers/:customerId", h.CustomerStatus)
}

// RegisterAdminRoutes sets up operator-only routes. The caller is expected to
// guard the group with admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/merchants/:merchantId/suspend", h.Suspend)
}

// IngestSignal handles POST /v1/risk/signals
func (h *Handler) IngestSignal(c *gin.Context) {
	var input SignalInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}

	result, err := h.engine.IngestSignal(c.Request.Context(), &input)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "One or more fields are invalid",
				"details": verrs,
			})
			return
		}
		if errors.Is(err, ErrInvalidSeverity) || errors.Is(err, ErrInvalidScope) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}

		var partial *PartialError
		if errors.As(err, &partial) {
			// The signal is durably recorded; the caller must not re-submit.
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    "partial_completion",
				"message":  "Signal was recorded but downstream processing did not complete",
				"signalId": partial.SignalID,
			})
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process signal",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"signalId":        result.Signal.ID,
		"signal":          result.Signal,
		"profile":         result.Profile,
		"customerProfile": result.CustomerProfile,
		"enforcement":     result.Enforcement,
	})
}

// MerchantStatus handles GET /v1/risk/merchants/:merchantId
func (h *Handler) MerchantStatus(c *gin.Context) {
	merchantID := c.Param("merchantId")

	report, err := h.engine.Status(c.Request.Context(), merchantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load merchant status",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// ListSignals handles GET /v1/risk/merchants/:merchantId/signals
func (h *Handler) ListSignals(c *gin.Context) {
	merchantID := c.Param("merchantId")
	limit := parseIntQuery(c, "limit", 50)
	cursor := c.Query("cursor")

	signals, next, hasMore, err := h.engine.Signals(c.Request.Context(), merchantID, cursor, limit)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is not valid",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list signals",
		})
		return
	}

	if signals == nil {
		signals = []*Signal{}
	}
	resp := gin.H{
		"merchantId": merchantID,
		"signals":    signals,
		"count":      len(signals),
		"hasMore":    hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CustomerStatus handles GET /v1/risk/merchants/:merchantId/customers/:customerId
func (h *Handler) CustomerStatus(c *gin.Context) {
	merchantID := c.Param("merchantId")
	customerID := c.Param("customerId")

	if !validation.IsValidIdentifier(customerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_customer_id",
			"message": "customerId must be 1-64 chars of [A-Za-z0-9_-]",
		})
		return
	}

	profile, err := h.engine.CustomerStatus(c.Request.Context(), merchantID, customerID)
	if err == ErrProfileNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No risk profile for this customer",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load customer profile",
		})
		return
	}

	c.JSON(http.StatusOK, profile)
}

type suspendRequest struct {
	Reason string `json:"reason"`
}

// Suspend handles POST /v1/admin/merchants/:merchantId/suspend
func (h *Handler) Suspend(c *gin.Context) {
	merchantID := c.Param("merchantId")

	var req suspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}
	if req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "reason is required",
		})
		return
	}

	profile, enf, err := h.engine.Suspend(c.Request.Context(), merchantID, req.Reason)
	if err == ErrProfileNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No risk profile for this merchant",
		})
		return
	}
	if err == ErrAlreadySuspended {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_suspended",
			"message": "Merchant is already suspended",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to suspend merchant",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":     profile,
		"enforcement": enf,
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
