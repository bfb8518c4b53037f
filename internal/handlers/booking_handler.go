package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/internal/services"
)

// BookingService is the checkout and booking lifecycle used by BookingHandler
type BookingService interface {
	StartCheckout(ctx context.Context, req *models.CheckoutRequest) (*models.CheckoutResponse, error)
	GetBooking(ctx context.Context, reference string) (*models.Booking, error)
	CancelBooking(ctx context.Context, reference string, p services.CancelBookingParams) (*models.Booking, error)
}

// BookingHandler handles slot checkout and booking requests
type BookingHandler struct {
	bookings BookingService
	logger   *logrus.Logger
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(bookings BookingService, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		logger:   logger,
	}
}

// Checkout handles POST /api/v1/checkout
func (h *BookingHandler) Checkout(c *gin.Context) {
	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.bookings.StartCheckout(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to start checkout")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetBooking handles GET /api/v1/bookings/:reference
func (h *BookingHandler) GetBooking(c *gin.Context) {
	booking, err := h.bookings.GetBooking(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to load booking")
		return
	}
	c.JSON(http.StatusOK, booking)
}

// ============================================================================
// CANCELLATION
// ============================================================================

// CancelBooking handles POST /api/v1/bookings/:reference/cancel (guest)
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	var req models.CancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}
	if req.GuestEmail == "" {
		badRequest(c, "validation_error", "guest_email is required")
		return
	}

	h.cancel(c, services.CancelBookingParams{
		Actor:      models.ActorGuest,
		GuestEmail: req.GuestEmail,
		Reason:     req.Reason,
	})
}

// GuideCancelBooking handles POST /api/v1/guide/bookings/:reference/cancel
func (h *BookingHandler) GuideCancelBooking(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	var req models.CancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	h.cancel(c, services.CancelBookingParams{
		Actor:   models.ActorGuide,
		GuideID: userCtx.UserID,
		Reason:  req.Reason,
	})
}

// AdminCancelBooking handles POST /api/v1/admin/bookings/:reference/cancel
func (h *BookingHandler) AdminCancelBooking(c *gin.Context) {
	var req models.CancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	h.cancel(c, services.CancelBookingParams{
		Actor:  models.ActorAdmin,
		Reason: req.Reason,
	})
}

func (h *BookingHandler) cancel(c *gin.Context, p services.CancelBookingParams) {
	booking, err := h.bookings.CancelBooking(c.Request.Context(), c.Param("reference"), p)
	if err != nil {
		respondError(c, h.logger, err, "Failed to cancel booking")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Booking cancelled",
		"booking": booking,
	})
}
