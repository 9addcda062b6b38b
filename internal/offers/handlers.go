package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meridianworks/meridian/internal/chat"
	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/payments"
	"github.com/meridianworks/meridian/internal/validation"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/respond", h.RespondOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)
	r.GET("/conversations/:id/offers", h.ListConversationOffers)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	offer, err := h.service.Create(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	list, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "count": len(list)})
}

// ListConversationOffers handles GET /v1/conversations/:id/offers
func (h *Handler) ListConversationOffers(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	list, err := h.service.ListByConversation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), limit)
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": list, "count": len(list)})
}

// RespondOffer handles POST /v1/offers/:id/respond
func (h *Handler) RespondOffer(c *gin.Context) {
	var req struct {
		Accept          bool        `json:"accept"`
		Rail            ledger.Rail `json:"rail"`
		CardToken       string      `json:"cardToken"`
		ExternalOrderID string      `json:"externalOrderId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	offer, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Accept, PaymentContext{
		Rail:            req.Rail,
		CardToken:       req.CardToken,
		ExternalOrderID: req.ExternalOrderID,
	})
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

// WithdrawOffer handles POST /v1/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	offer, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondOfferError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func respondOfferError(c *gin.Context, err error) {
	var vErr *validation.Error
	var gwErr *payments.GatewayError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": vErr.Error(), "field": vErr.Field})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "message": gwErr.Error(), "retrySafe": gwErr.RetrySafe})
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, chat.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "expired_offer", "message": err.Error()})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
