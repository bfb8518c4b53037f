package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/internal/services"
)

// maxWebhookBody bounds the payload read before signature verification
const maxWebhookBody = 64 * 1024

// WebhookVerifier verifies and decodes processor callbacks
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*services.WebhookEvent, error)
}

// PaymentMaterializer turns processor callbacks into bookings
type PaymentMaterializer interface {
	ConfirmPayment(ctx context.Context, c models.PaymentConfirmation) (*database.MaterializeResult, error)
	ExpireCheckout(ctx context.Context, sessionID string) (bool, error)
}

// OfferPaymentAbandoner closes offers whose checkout expired unpaid
type OfferPaymentAbandoner interface {
	AbandonPayment(ctx context.Context, sessionID string) (bool, error)
}

// PaymentWebhookHandler handles processor webhooks
type PaymentWebhookHandler struct {
	verifier WebhookVerifier
	bookings PaymentMaterializer
	offers   OfferPaymentAbandoner
	logger   *logrus.Logger
}

// NewPaymentWebhookHandler creates a new webhook handler
func NewPaymentWebhookHandler(
	verifier WebhookVerifier,
	bookings PaymentMaterializer,
	offers OfferPaymentAbandoner,
	logger *logrus.Logger,
) *PaymentWebhookHandler {
	return &PaymentWebhookHandler{
		verifier: verifier,
		bookings: bookings,
		offers:   offers,
		logger:   logger,
	}
}

// ============================================================================
// PAYMENT WEBHOOK - POST /api/v1/payments/webhook
// ============================================================================

// PaymentWebhook acknowledges every verified event with 200, including
// business rejections, so the processor does not retry them. Store failures
// return 500 so the event is redelivered; confirmation is idempotent.
func (h *PaymentWebhookHandler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	event, err := h.verifier.ParseWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.WithError(err).Warn("Rejected webhook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"event_type": event.RawType,
		"session_id": event.SessionID,
	})

	switch event.Type {
	case services.WebhookCheckoutCompleted:
		h.completed(c, log, event)
	case services.WebhookCheckoutExpired:
		h.expired(c, log, event)
	default:
		log.Debug("Webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"message": "webhook acknowledged"})
	}
}

func (h *PaymentWebhookHandler) completed(c *gin.Context, log *logrus.Entry, event *services.WebhookEvent) {
	if event.Confirmation == nil {
		log.Info("Checkout completed without payment, acknowledging")
		c.JSON(http.StatusOK, gin.H{"message": "webhook acknowledged", "note": "payment not settled"})
		return
	}

	result, err := h.bookings.ConfirmPayment(c.Request.Context(), *event.Confirmation)
	if err != nil && models.KindOf(err) == "" {
		log.WithError(err).Error("Failed to materialize payment, asking for redelivery")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure"})
		return
	}
	if err != nil {
		// Already logged by the booking service when money needs refunding
		log.WithError(err).Warn("Payment could not be honoured")
	}

	response := gin.H{"message": "webhook acknowledged"}
	if result != nil {
		response["duplicate"] = result.Duplicate
		if result.Outcome != "" {
			response["outcome"] = result.Outcome
		}
		if result.Booking != nil {
			response["booking_reference"] = result.Booking.Reference
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *PaymentWebhookHandler) expired(c *gin.Context, log *logrus.Entry, event *services.WebhookEvent) {
	var (
		closed bool
		err    error
	)
	if event.Metadata[models.MetadataKind] == models.MetadataKindOffer {
		closed, err = h.offers.AbandonPayment(c.Request.Context(), event.SessionID)
	} else {
		closed, err = h.bookings.ExpireCheckout(c.Request.Context(), event.SessionID)
	}
	if err != nil {
		log.WithError(err).Error("Failed to process expired checkout, asking for redelivery")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure"})
		return
	}

	log.WithField("closed", closed).Info("Checkout session expired")
	c.JSON(http.StatusOK, gin.H{
		"message": "webhook acknowledged",
		"closed":  closed,
	})
}
