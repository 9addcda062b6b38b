package disputes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meridianworks/meridian/internal/orders"
	"github.com/meridianworks/meridian/internal/validation"
)

// Handler provides HTTP endpoints for the dispute lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/dispute", h.RaiseDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/respond", h.RespondToDispute)
	r.POST("/disputes/:id/messages", h.PostMessage)
	r.POST("/disputes/:id/settlement", h.ProposeSettlement)
	r.POST("/disputes/:id/settlement/accept", h.AcceptSettlement)
	r.POST("/disputes/:id/arbitration", h.RequestArbitration)
	r.POST("/disputes/:id/arbitration/pay", h.PayArbitrationFee)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/disputes/:id/decide", h.AdminDecide)
}

// RaiseDispute handles POST /v1/orders/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req struct {
		Requirements string `json:"requirements"`
		FlaggedItems []int  `json:"flaggedItems"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.Raise(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Requirements, req.FlaggedItems)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RespondToDispute handles POST /v1/disputes/:id/respond
func (h *Handler) RespondToDispute(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Message)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PostMessage handles POST /v1/disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		Body      string  `json:"body"`
		InFavorOf *string `json:"inFavorOf"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Body, req.InFavorOf)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ProposeSettlement handles POST /v1/disputes/:id/settlement
func (h *Handler) ProposeSettlement(c *gin.Context) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.ProposeSettlement(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Amount)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AcceptSettlement handles POST /v1/disputes/:id/settlement/accept
func (h *Handler) AcceptSettlement(c *gin.Context) {
	d, err := h.service.AcceptSettlement(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RequestArbitration handles POST /v1/disputes/:id/arbitration
func (h *Handler) RequestArbitration(c *gin.Context) {
	d, err := h.service.RequestArbitration(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// PayArbitrationFee handles POST /v1/disputes/:id/arbitration/pay
func (h *Handler) PayArbitrationFee(c *gin.Context) {
	var req struct {
		Method string `json:"method"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.Method == "" {
		req.Method = "balance"
	}

	d, err := h.service.PayArbitrationFee(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Method)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AdminDecide handles POST /v1/admin/disputes/:id/decide
func (h *Handler) AdminDecide(c *gin.Context) {
	var req struct {
		Winner string `json:"winner"`
		Notes  string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.AdminDecide(c.Request.Context(), c.Param("id"), req.Winner, req.Notes)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func respondDisputeError(c *gin.Context, err error) {
	var vErr *validation.Error
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrAlreadyClosed),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrFeeAlreadyPaid),
		errors.Is(err, orders.ErrAlreadyResolved),
		errors.Is(err, orders.ErrDisputeAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, ErrNoCounterProposal), errors.Is(err, ErrArbitrationPending):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
