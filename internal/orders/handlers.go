package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meridianworks/meridian/internal/validation"
)

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/approve", h.ApproveDelivery)
	r.POST("/orders/:id/revision", h.RequestRevision)
	r.POST("/orders/:id/cancellation", h.RequestCancellation)
	r.POST("/orders/:id/cancellation/respond", h.RespondCancellation)
	r.POST("/orders/:id/extension", h.RequestExtension)
	r.POST("/orders/:id/extension/respond", h.RespondExtension)
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	callerID := c.GetString("authUserID")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), callerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	var req struct {
		Files   []string `json:"files"`
		Message string   `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.Deliver(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Files, req.Message)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ApproveDelivery handles POST /v1/orders/:id/approve
func (h *Handler) ApproveDelivery(c *gin.Context) {
	o, err := h.service.ApproveDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RequestRevision handles POST /v1/orders/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RequestCancellation handles POST /v1/orders/:id/cancellation
func (h *Handler) RequestCancellation(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.RequestCancellation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RespondCancellation handles POST /v1/orders/:id/cancellation/respond
func (h *Handler) RespondCancellation(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.RespondCancellation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Approve)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RequestExtension handles POST /v1/orders/:id/extension
func (h *Handler) RequestExtension(c *gin.Context) {
	var req struct {
		Days   int    `json:"days"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.RequestExtension(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Days, req.Reason)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// RespondExtension handles POST /v1/orders/:id/extension/respond
func (h *Handler) RespondExtension(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	o, err := h.service.RespondExtension(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Approve)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func respondOrderError(c *gin.Context, err error) {
	var vErr *validation.Error
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrAlreadyResponded),
		errors.Is(err, ErrCancellationPending),
		errors.Is(err, ErrExtensionPending),
		errors.Is(err, ErrDisputeAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, ErrNoCancellation), errors.Is(err, ErrNoExtension):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
