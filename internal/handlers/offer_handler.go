package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/models"
)

// OfferService is the offer state machine used by OfferHandler
type OfferService interface {
	CreateOffer(ctx context.Context, guideID uuid.UUID, req *models.CreateOfferRequest) (*models.CreateOfferResponse, error)
	GetOffer(ctx context.Context, token string) (*models.TourOffer, error)
	Accept(ctx context.Context, token string) (*models.AcceptOfferResponse, error)
	Decline(ctx context.Context, token, reason string) (*models.TourOffer, error)
}

// OfferHandler handles custom offer requests. Token routes are public: the
// token itself is the credential.
type OfferHandler struct {
	offers OfferService
	logger *logrus.Logger
}

// NewOfferHandler creates a new offer handler
func NewOfferHandler(offers OfferService, logger *logrus.Logger) *OfferHandler {
	return &OfferHandler{
		offers: offers,
		logger: logger,
	}
}

// CreateOffer handles POST /api/v1/guide/offers
func (h *OfferHandler) CreateOffer(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	var req models.CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.offers.CreateOffer(c.Request.Context(), userCtx.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create offer")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetOffer handles GET /api/v1/offers/:token
func (h *OfferHandler) GetOffer(c *gin.Context) {
	offer, err := h.offers.GetOffer(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to load offer")
		return
	}
	c.JSON(http.StatusOK, offer)
}

// AcceptOffer handles POST /api/v1/offers/:token/accept
func (h *OfferHandler) AcceptOffer(c *gin.Context) {
	resp, err := h.offers.Accept(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to accept offer")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DeclineOffer handles POST /api/v1/offers/:token/decline. The body is optional.
func (h *OfferHandler) DeclineOffer(c *gin.Context) {
	var req models.DeclineOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	offer, err := h.offers.Decline(c.Request.Context(), c.Param("token"), req.Reason)
	if err != nil {
		respondError(c, h.logger, err, "Failed to decline offer")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Offer declined",
		"offer":   offer,
	})
}
