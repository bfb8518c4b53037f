package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/internal/utils"
	"github.com/trailmarket/tour-engine/pkg/notify"
	"github.com/trailmarket/tour-engine/pkg/pricing"
	"github.com/trailmarket/tour-engine/pkg/validator"
)

const defaultOfferCurrency = "usd"

// OfferService drives the custom offer state machine. Every transition is a
// compare-and-swap in the store; the checks here only produce good errors.
type OfferService struct {
	offers        OfferStore
	tours         TourStore
	conversations ConversationStore
	payments      PaymentGateway
	notifications *NotificationService
	contacts      *validator.ContactValidator
	offerConfig   *config.OfferConfig
	paymentConfig *config.PaymentConfig
	limits        pricing.Limits
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	now           func() time.Time
}

// NewOfferService creates a new OfferService
func NewOfferService(
	offers OfferStore,
	tours TourStore,
	conversations ConversationStore,
	payments PaymentGateway,
	notifications *NotificationService,
	offerConfig *config.OfferConfig,
	paymentConfig *config.PaymentConfig,
	pricingConfig *config.PricingConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *OfferService {
	return &OfferService{
		offers:        offers,
		tours:         tours,
		conversations: conversations,
		payments:      payments,
		notifications: notifications,
		contacts:      validator.NewContactValidator(),
		offerConfig:   offerConfig,
		paymentConfig: paymentConfig,
		limits: pricing.Limits{
			MaxDiscountPercent: pricingConfig.MaxDiscountPercent,
			FloorPrice:         pricingConfig.FloorPrice,
		},
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateOffer prices and stores a new pending offer. The raw token is only
// returned here; the store keeps its hash.
func (s *OfferService) CreateOffer(ctx context.Context, guideID uuid.UUID, req *models.CreateOfferRequest) (*models.CreateOfferResponse, error) {
	guide, err := s.tours.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if guide == nil {
		return nil, models.NewNotFound("guide_not_found", "guide not found")
	}

	email, err := s.contacts.ValidateEmail(req.GuestEmail)
	if err != nil {
		return nil, models.NewValidationError("invalid_guest_email", err.Error())
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, models.NewValidationError("missing_title", "title is required")
	}
	if req.Participants < 1 {
		return nil, models.NewValidationError("invalid_participants", "participants must be at least 1")
	}
	if req.PricePerPerson <= 0 {
		return nil, models.NewValidationError("invalid_price", "price_per_person must be positive")
	}
	currency := defaultOfferCurrency
	if req.Currency != "" {
		if currency, err = s.contacts.ValidateCurrency(req.Currency); err != nil {
			return nil, models.NewValidationError("invalid_currency", err.Error())
		}
	}

	now := s.now()
	rules, err := guide.PricingSettings.Rules()
	if err != nil {
		return nil, models.NewValidationError("invalid_pricing_settings", err.Error())
	}
	var leadTime time.Duration
	if req.TourDate != nil {
		if !req.TourDate.After(now) {
			return nil, models.NewValidationError("date_in_past", "tour_date must be in the future")
		}
		leadTime = req.TourDate.Sub(now)
	} else {
		// Lead-time discounts need a date
		rules.EarlyBird = nil
		rules.LastMinute = nil
	}

	breakdown, err := pricing.ComputePrice(rules.Input(req.PricePerPerson, req.Participants, leadTime, s.limits))
	if err != nil {
		return nil, models.NewValidationError("invalid_pricing_input", err.Error())
	}

	token, tokenHash, err := utils.GenerateToken(s.offerConfig.TokenBytes)
	if err != nil {
		return nil, err
	}

	offer := &models.TourOffer{
		ConversationID:  req.ConversationID,
		GuideID:         guideID,
		GuestEmail:      email,
		GuestUserID:     req.GuestUserID,
		Title:           strings.TrimSpace(req.Title),
		Itinerary:       req.Itinerary,
		MeetingPoint:    req.MeetingPoint,
		TourDate:        req.TourDate,
		Participants:    req.Participants,
		PricePerPerson:  breakdown.PricePerPerson,
		TotalPrice:      breakdown.FinalPrice,
		Currency:        currency,
		PricingSnapshot: models.PriceSnapshot(breakdown),
		TokenHash:       tokenHash,
		ExpiresAt:       now.Add(s.offerConfig.TTL).UTC(),
		DraftTourID:     req.DraftTourID,
	}
	if err := s.offers.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	s.metrics.OfferTransition(string(models.OfferStatusPending), true)

	s.logger.WithFields(logrus.Fields{
		"offer_id":    offer.ID,
		"guide_id":    guideID,
		"total_price": offer.TotalPrice,
		"expires_at":  offer.ExpiresAt,
	}).Info("Offer created")

	s.postNote(ctx, offer, fmt.Sprintf("%s sent a custom offer: %s for %.2f %s.",
		guide.DisplayName, offer.Title, offer.TotalPrice, strings.ToUpper(offer.Currency)))
	s.notifications.Send(ctx, notify.Message{
		Kind:           notify.KindOfferCreated,
		RecipientEmail: offer.GuestEmail,
		Subject:        fmt.Sprintf("%s sent you a tour offer", guide.DisplayName),
		Data: map[string]string{
			"offer_id":    offer.ID.String(),
			"token":       token,
			"title":       offer.Title,
			"total_price": fmt.Sprintf("%.2f", offer.TotalPrice),
			"currency":    offer.Currency,
			"expires_at":  offer.ExpiresAt.Format(time.RFC3339),
		},
	})

	return &models.CreateOfferResponse{
		OfferID:   offer.ID,
		Token:     token,
		ExpiresAt: offer.ExpiresAt,
		Pricing:   offer.PricingSnapshot,
	}, nil
}

// ============================================================================
// TOKEN LOOKUPS
// ============================================================================

func (s *OfferService) byToken(ctx context.Context, token string) (*models.TourOffer, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, models.NewNotFound("offer_not_found", "offer not found")
	}
	offer, err := s.offers.GetOfferByTokenHash(ctx, utils.HashToken(token))
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, models.NewNotFound("offer_not_found", "offer not found")
	}
	return offer, nil
}

// expireOnRead moves an overdue open offer to expired. Expiry is a property of
// the clock; the sweeper only catches up on offers nobody looked at.
func (s *OfferService) expireOnRead(ctx context.Context, offer *models.TourOffer, now time.Time) {
	ok, err := s.offers.MarkExpired(ctx, offer.ID, now)
	if err != nil {
		s.logger.WithError(err).WithField("offer_id", offer.ID).Warn("Failed to expire overdue offer")
		return
	}
	s.metrics.OfferTransition(string(models.OfferStatusExpired), ok)
	if !ok {
		return
	}
	offer.Status = models.OfferStatusExpired
	// A guest still on the checkout page must not be able to pay
	if offer.CheckoutSessionID != nil {
		if err := s.payments.ExpireCheckoutSession(ctx, *offer.CheckoutSessionID); err != nil {
			s.logger.WithError(err).WithField("offer_id", offer.ID).Warn("Failed to expire checkout session of expired offer")
		}
	}
	s.postNote(ctx, offer, "This offer has expired.")
}

// open returns the offer if it can still move, or the error explaining why not
func (s *OfferService) open(ctx context.Context, offer *models.TourOffer, now time.Time) error {
	if offer.Status == models.OfferStatusExpired {
		return models.NewStateConflict("offer_expired", "offer has expired")
	}
	if offer.Status.IsTerminal() {
		return models.NewStateConflict("offer_closed", fmt.Sprintf("offer is already %s", offer.Status))
	}
	if offer.IsExpired(now) {
		s.expireOnRead(ctx, offer, now)
		return models.NewStateConflict("offer_expired", "offer has expired")
	}
	return nil
}

// GetOffer returns the offer behind a token, expiring it first if overdue
func (s *OfferService) GetOffer(ctx context.Context, token string) (*models.TourOffer, error) {
	offer, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !offer.Status.IsTerminal() && offer.IsExpired(now) {
		s.expireOnRead(ctx, offer, now)
	}
	return offer, nil
}

// conflictAfterLostRace explains a failed CAS by re-reading the offer
func (s *OfferService) conflictAfterLostRace(ctx context.Context, offerID uuid.UUID, now time.Time) error {
	current, err := s.offers.GetOfferByID(ctx, offerID)
	if err != nil {
		return err
	}
	if current == nil {
		return models.NewNotFound("offer_not_found", "offer not found")
	}
	if err := s.open(ctx, current, now); err != nil {
		return err
	}
	return models.NewStateConflict("offer_already_processed", fmt.Sprintf("offer is %s", current.Status))
}

// ============================================================================
// ACCEPT
// ============================================================================

// Accept moves a pending offer to payment_pending and returns a checkout
// session for the full offer price. No booking is created here; that happens
// when the payment is confirmed.
func (s *OfferService) Accept(ctx context.Context, token string) (*models.AcceptOfferResponse, error) {
	offer, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.open(ctx, offer, now); err != nil {
		return nil, err
	}
	if offer.Status == models.OfferStatusPaymentPending {
		return nil, models.NewStateConflict("payment_in_progress", "payment for this offer is already in progress")
	}

	guide, err := s.tours.GetGuide(ctx, offer.GuideID)
	if err != nil {
		return nil, err
	}
	if guide == nil {
		return nil, models.NewNotFound("guide_not_found", "guide not found")
	}
	destination, ok := guide.PayoutDestination()
	if !ok {
		return nil, models.NewValidationError("guide_payout_unavailable", "the guide cannot receive payments right now")
	}
	fee, net := pricing.SplitPlatformFee(offer.TotalPrice, s.paymentConfig.PlatformFeePercent)

	moved, err := s.offers.MarkPaymentPending(ctx, offer.ID, now)
	if err != nil {
		return nil, err
	}
	s.metrics.OfferTransition(string(models.OfferStatusPaymentPending), moved)
	if !moved {
		return nil, s.conflictAfterLostRace(ctx, offer.ID, now)
	}

	log := s.logger.WithFields(logrus.Fields{
		"offer_id":    offer.ID,
		"total_price": offer.TotalPrice,
		"fee":         fee,
		"guide_net":   net,
	})

	session, err := s.payments.CreateCheckoutSession(ctx, CheckoutParams{
		Amount:             offer.TotalPrice,
		Currency:           offer.Currency,
		FeeAmount:          fee,
		DestinationAccount: destination,
		SuccessURL:         s.paymentConfig.SuccessURL,
		CancelURL:          s.paymentConfig.CancelURL,
		Description:        offer.Title,
		CustomerEmail:      offer.GuestEmail,
		ExpiresAt:          now.Add(s.paymentConfig.SessionTTL),
		Metadata: map[string]string{
			models.MetadataKind:    models.MetadataKindOffer,
			models.MetadataOfferID: offer.ID.String(),
		},
	})
	if err != nil {
		log.WithError(err).Error("Failed to create checkout session, reverting offer to pending")
		if _, revertErr := s.offers.RevertToPending(ctx, offer.ID); revertErr != nil {
			log.WithError(revertErr).Error("Failed to revert offer to pending")
		}
		return nil, models.NewExternalServiceError("payment_session_failed", "could not start payment, please try again", err)
	}

	attached, err := s.offers.AttachCheckoutSession(ctx, offer.ID, session.ID)
	if err != nil || !attached {
		// Declined while the session was being created: close the session
		if expireErr := s.payments.ExpireCheckoutSession(ctx, session.ID); expireErr != nil {
			log.WithError(expireErr).Warn("Failed to expire orphaned checkout session")
		}
		if err != nil {
			return nil, err
		}
		return nil, s.conflictAfterLostRace(ctx, offer.ID, now)
	}

	log.WithField("session_id", session.ID).Info("Offer accepted, awaiting payment")

	return &models.AcceptOfferResponse{
		OfferID:     offer.ID,
		Status:      models.OfferStatusPaymentPending,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		TotalPrice:  offer.TotalPrice,
		PlatformFee: fee,
		Currency:    offer.Currency,
	}, nil
}

// ============================================================================
// DECLINE
// ============================================================================

// Decline closes a pending or payment_pending offer. The reason is optional.
func (s *OfferService) Decline(ctx context.Context, token, reason string) (*models.TourOffer, error) {
	offer, err := s.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.open(ctx, offer, now); err != nil {
		return nil, err
	}

	var reasonPtr *string
	if r := strings.TrimSpace(reason); r != "" {
		reasonPtr = &r
	}
	declined, err := s.offers.MarkDeclined(ctx, offer.ID, reasonPtr, now)
	if err != nil {
		return nil, err
	}
	s.metrics.OfferTransition(string(models.OfferStatusDeclined), declined)
	if !declined {
		return nil, s.conflictAfterLostRace(ctx, offer.ID, now)
	}

	current, err := s.offers.GetOfferByID(ctx, offer.ID)
	if err != nil || current == nil {
		current = offer
		current.Status = models.OfferStatusDeclined
		current.DeclineReason = reasonPtr
	}

	log := s.logger.WithField("offer_id", offer.ID)
	log.Info("Offer declined")

	if current.CheckoutSessionID != nil {
		if err := s.payments.ExpireCheckoutSession(ctx, *current.CheckoutSessionID); err != nil {
			log.WithError(err).Warn("Failed to expire checkout session of declined offer")
		}
	}

	note := "The guest declined this offer."
	if reasonPtr != nil {
		note = fmt.Sprintf("The guest declined this offer: %s", *reasonPtr)
	}
	s.postNote(ctx, current, note)
	s.notifyGuide(ctx, current, notify.KindOfferDeclined, "Your offer was declined")
	return current, nil
}

// AbandonPayment declines a payment_pending offer whose checkout session
// expired unpaid. Returns false when the offer had already moved on.
func (s *OfferService) AbandonPayment(ctx context.Context, sessionID string) (bool, error) {
	offer, err := s.offers.GetOfferByCheckoutSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if offer == nil {
		return false, nil
	}
	declined, err := s.offers.MarkPaymentAbandoned(ctx, offer.ID, sessionID)
	if err != nil {
		return false, err
	}
	s.metrics.OfferTransition(string(models.OfferStatusDeclined), declined)
	if !declined {
		return false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"offer_id":   offer.ID,
		"session_id": sessionID,
	}).Info("Offer payment abandoned")
	s.postNote(ctx, offer, "The payment for this offer was not completed. The offer is closed.")
	s.notifyGuide(ctx, offer, notify.KindOfferDeclined, "Payment for your offer was abandoned")
	return true, nil
}

// ============================================================================
// EXPIRY (sweeper)
// ============================================================================

// ExpireOverdue expires one pending offer past its deadline and archives its
// draft tour. Returns false when the offer no longer matched.
func (s *OfferService) ExpireOverdue(ctx context.Context, offer *models.TourOffer, now time.Time) (bool, error) {
	expired, err := s.offers.ExpireOfferAndArchiveDraft(ctx, offer.ID, now)
	if err != nil {
		return false, err
	}
	s.metrics.OfferTransition(string(models.OfferStatusExpired), expired)
	if !expired {
		return false, nil
	}

	s.postNote(ctx, offer, "This offer has expired.")
	s.notifications.Send(ctx, notify.Message{
		Kind:           notify.KindOfferExpired,
		RecipientEmail: offer.GuestEmail,
		Subject:        "Your tour offer has expired",
		Data: map[string]string{
			"offer_id": offer.ID.String(),
			"title":    offer.Title,
		},
	})
	return true, nil
}

// ============================================================================
// SIDE EFFECTS (best effort)
// ============================================================================

func (s *OfferService) postNote(ctx context.Context, offer *models.TourOffer, body string) {
	if err := s.conversations.PostSystemMessage(ctx, offer.ConversationID, body); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"offer_id":        offer.ID,
			"conversation_id": offer.ConversationID,
		}).Warn("Failed to post system message")
	}
}

func (s *OfferService) notifyGuide(ctx context.Context, offer *models.TourOffer, kind notify.Kind, subject string) {
	guide, err := s.tours.GetGuide(ctx, offer.GuideID)
	if err != nil || guide == nil {
		s.logger.WithError(err).WithField("offer_id", offer.ID).Warn("Cannot notify guide: guide not loaded")
		return
	}
	data := map[string]string{
		"offer_id": offer.ID.String(),
		"title":    offer.Title,
	}
	if offer.DeclineReason != nil {
		data["reason"] = *offer.DeclineReason
	}
	s.notifications.Send(ctx, notify.Message{
		Kind:           kind,
		RecipientEmail: guide.Email,
		RecipientName:  guide.DisplayName,
		Subject:        subject,
		Data:           data,
	})
}
