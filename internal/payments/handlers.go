package payments

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for the consistency warning queue.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up warning queue routes on an admin-guarded group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/warnings", h.listWarnings)
	r.POST("/admin/warnings/:id/resolve", h.resolveWarning)
}

// listWarnings returns all open consistency warnings, oldest first.
func (h *Handler) listWarnings(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	warnings, err := h.service.OpenWarnings(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list warnings", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"warnings": warnings, "count": len(warnings)})
}

// resolveWarning marks a warning resolved after an operator has reconciled it
// against the gateway's records.
func (h *Handler) resolveWarning(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.ResolveWarning(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrWarningNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "warning not found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve warning", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": true, "warningId": id})
}
