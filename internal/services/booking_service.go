package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/internal/utils"
	"github.com/trailmarket/tour-engine/pkg/notify"
	"github.com/trailmarket/tour-engine/pkg/pricing"
	"github.com/trailmarket/tour-engine/pkg/validator"
)

const (
	referenceCodeLength = 6
	referenceAttempts   = 5
)

// CancelBookingParams identifies who is cancelling
type CancelBookingParams struct {
	Actor      models.BookingActor
	GuideID    uuid.UUID // required for ActorGuide
	GuestEmail string    // required for ActorGuest
	Reason     string
}

// BookingService starts slot checkouts and turns payment confirmations into
// bookings, exactly once per confirmation id.
type BookingService struct {
	bookings      BookingStore
	slots         SlotStore
	tours         TourStore
	events        PaymentEventStore
	conversations ConversationStore
	payments      PaymentGateway
	notifications *NotificationService
	contacts      *validator.ContactValidator
	bookingConfig *config.BookingConfig
	paymentConfig *config.PaymentConfig
	limits        pricing.Limits
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	now           func() time.Time
}

// NewBookingService creates a new BookingService
func NewBookingService(
	bookings BookingStore,
	slots SlotStore,
	tours TourStore,
	events PaymentEventStore,
	conversations ConversationStore,
	payments PaymentGateway,
	notifications *NotificationService,
	bookingConfig *config.BookingConfig,
	paymentConfig *config.PaymentConfig,
	pricingConfig *config.PricingConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		bookings:      bookings,
		slots:         slots,
		tours:         tours,
		events:        events,
		conversations: conversations,
		payments:      payments,
		notifications: notifications,
		contacts:      validator.NewContactValidator(),
		bookingConfig: bookingConfig,
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
// REFERENCES
// ============================================================================

// generateReference returns an unused PREFIX-YEAR-XXXXXX reference
func (s *BookingService) generateReference(ctx context.Context) (string, error) {
	year := s.now().UTC().Year()
	for i := 0; i < referenceAttempts; i++ {
		code, err := utils.RandomBase36(referenceCodeLength)
		if err != nil {
			return "", err
		}
		reference := fmt.Sprintf("%s-%d-%s", s.bookingConfig.ReferencePrefix, year, code)
		exists, err := s.bookings.ReferenceExists(ctx, reference)
		if err != nil {
			return "", err
		}
		if !exists {
			return reference, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique booking reference after %d attempts", referenceAttempts)
}

// ============================================================================
// CHECKOUT
// ============================================================================

// priceSlot computes the breakdown for participants on slot
func (s *BookingService) priceSlot(slot *models.TourDateSlot, tour *models.Tour, guide *models.Guide, participants int) (pricing.Breakdown, error) {
	rules, err := guide.PricingSettings.Rules()
	if err != nil {
		return pricing.Breakdown{}, models.NewValidationError("invalid_pricing_settings", err.Error())
	}

	base := tour.BasePrice
	if slot.PriceOverride != nil {
		base = *slot.PriceOverride
	}
	// A dated promotion lowers the base rate before the guide's discount rules
	if slot.DiscountPercent != nil {
		base = math.Round(base*(100-*slot.DiscountPercent)) / 100
	}

	breakdown, err := pricing.ComputePrice(rules.Input(base, participants, slot.Date.Sub(s.now()), s.limits))
	if err != nil {
		return pricing.Breakdown{}, models.NewValidationError("invalid_pricing_input", err.Error())
	}
	return breakdown, nil
}

// StartCheckout reserves spots, records a pending booking and opens a
// checkout session for the amount due now. The booking is only written once
// the reservation has succeeded.
func (s *BookingService) StartCheckout(ctx context.Context, req *models.CheckoutRequest) (*models.CheckoutResponse, error) {
	email, err := s.contacts.ValidateEmail(req.GuestEmail)
	if err != nil {
		return nil, models.NewValidationError("invalid_guest_email", err.Error())
	}
	if req.Participants < 1 {
		return nil, models.NewValidationError("invalid_participants", "participants must be at least 1")
	}

	slot, err := s.slots.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, models.NewNotFound("slot_not_found", "slot not found")
	}
	if !slot.Date.After(s.now()) {
		return nil, models.NewValidationError("slot_in_past", "this date is no longer bookable")
	}
	if slot.SpotsRemaining() < req.Participants {
		return nil, models.NewCapacityExceeded("no spots left on this date")
	}

	tour, err := s.tours.GetTour(ctx, slot.TourID)
	if err != nil {
		return nil, err
	}
	if tour == nil {
		return nil, models.NewNotFound("tour_not_found", "tour not found")
	}
	if tour.Status != models.TourStatusPublished {
		return nil, models.NewValidationError("tour_not_bookable", "tour is not open for booking")
	}
	guide, err := s.tours.GetGuide(ctx, tour.GuideID)
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

	breakdown, err := s.priceSlot(slot, tour, guide, req.Participants)
	if err != nil {
		return nil, err
	}

	booking := &models.Booking{
		ID:            uuid.New(),
		SlotID:        &slot.ID,
		GuestUserID:   req.GuestUserID,
		GuestEmail:    email,
		Participants:  req.Participants,
		TotalPrice:    breakdown.FinalPrice,
		DepositAmount: breakdown.Deposit,
		Currency:      slot.Currency,
	}
	if name := strings.TrimSpace(req.GuestName); name != "" {
		booking.GuestName = &name
	}

	if err := s.createPending(ctx, booking); err != nil {
		s.metrics.Reservation("reserve", false)
		return nil, err
	}
	s.metrics.Reservation("reserve", true)

	log := s.logger.WithFields(logrus.Fields{
		"booking_id":   booking.ID,
		"reference":    booking.Reference,
		"slot_id":      slot.ID,
		"participants": booking.Participants,
	})
	log.Info("Pending booking created, spots held")

	amountDue := breakdown.AmountDueNow()
	fee, _ := pricing.SplitPlatformFee(amountDue, s.paymentConfig.PlatformFeePercent)
	expiresAt := s.now().Add(s.paymentConfig.SessionTTL)

	session, err := s.payments.CreateCheckoutSession(ctx, CheckoutParams{
		Amount:             amountDue,
		Currency:           booking.Currency,
		FeeAmount:          fee,
		DestinationAccount: destination,
		SuccessURL:         s.paymentConfig.SuccessURL,
		CancelURL:          s.paymentConfig.CancelURL,
		Description:        fmt.Sprintf("%s (%s)", tour.Title, slot.Date.Format("2006-01-02")),
		CustomerEmail:      email,
		ExpiresAt:          expiresAt,
		Metadata: map[string]string{
			models.MetadataKind:      models.MetadataKindSlotBooking,
			models.MetadataBookingID: booking.ID.String(),
			models.MetadataSlotID:    slot.ID.String(),
		},
	})
	if err != nil {
		log.WithError(err).Error("Failed to create checkout session, releasing spots")
		if _, cancelErr := s.bookings.CancelBooking(ctx, booking.ID, database.CancelParams{
			Actor:  models.ActorSystem,
			Reason: "payment session could not be created",
		}); cancelErr != nil {
			// The abandoned-booking sweep picks this one up
			log.WithError(cancelErr).Error("Failed to cancel booking after payment session failure")
		}
		return nil, models.NewExternalServiceError("payment_session_failed", "could not start payment, please try again", err)
	}

	if err := s.bookings.AttachCheckoutSession(ctx, booking.ID, session.ID); err != nil {
		if expireErr := s.payments.ExpireCheckoutSession(ctx, session.ID); expireErr != nil {
			log.WithError(expireErr).Warn("Failed to expire orphaned checkout session")
		}
		if errors.Is(err, database.ErrBookingNotCancellable) {
			return nil, models.NewStateConflict("booking_cancelled", "booking was cancelled before payment started")
		}
		return nil, err
	}

	return &models.CheckoutResponse{
		BookingID:   booking.ID,
		Reference:   booking.Reference,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		AmountDue:   amountDue,
		TotalPrice:  booking.TotalPrice,
		Currency:    booking.Currency,
		ExpiresAt:   expiresAt,
	}, nil
}

// createPending assigns a reference and writes the booking with its hold,
// retrying on a reference collision
func (s *BookingService) createPending(ctx context.Context, booking *models.Booking) error {
	for i := 0; i < referenceAttempts; i++ {
		reference, err := s.generateReference(ctx)
		if err != nil {
			return err
		}
		booking.Reference = reference

		err = s.bookings.CreatePendingSlotBooking(ctx, booking)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, database.ErrInsufficientCapacity):
			return models.NewCapacityExceeded("no spots left on this date")
		case errors.Is(err, database.ErrDuplicateReference):
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("failed to store booking: reference collisions")
}

// ============================================================================
// PAYMENT CONFIRMATION
// ============================================================================

// ConfirmPayment materializes a paid checkout session. Re-delivery of the same
// confirmation returns the existing result with Duplicate set and has no side
// effects. A non-nil result may come with a StateConflict error when the money
// was taken but the booking could not be honoured.
func (s *BookingService) ConfirmPayment(ctx context.Context, c models.PaymentConfirmation) (*database.MaterializeResult, error) {
	if strings.TrimSpace(c.ConfirmationID) == "" {
		return nil, models.NewValidationError("missing_confirmation_id", "confirmation id is required")
	}

	var (
		result *database.MaterializeResult
		err    error
	)
	switch c.Kind() {
	case models.MetadataKindSlotBooking:
		bookingID, parseErr := uuid.Parse(c.Metadata[models.MetadataBookingID])
		if parseErr != nil {
			return nil, models.NewValidationError("invalid_metadata", "confirmation carries no valid booking id")
		}
		result, err = s.events.ConfirmSlotBooking(ctx, c, bookingID)
	case models.MetadataKindOffer:
		offerID, parseErr := uuid.Parse(c.Metadata[models.MetadataOfferID])
		if parseErr != nil {
			return nil, models.NewValidationError("invalid_metadata", "confirmation carries no valid offer id")
		}
		result, err = s.confirmOffer(ctx, c, offerID)
	default:
		return nil, models.NewValidationError("unknown_payment_kind", fmt.Sprintf("unknown checkout kind %q", c.Kind()))
	}
	if err != nil {
		return nil, err
	}

	log := s.logger.WithField("confirmation_id", c.ConfirmationID)
	if result.Duplicate {
		log.Info("Payment confirmation already processed")
		s.metrics.PaymentOutcome("duplicate")
		return result, nil
	}
	s.metrics.PaymentOutcome(string(result.Outcome))

	booking := result.Booking
	switch result.Outcome {
	case models.PaymentOutcomeBookingConfirmed, models.PaymentOutcomeOfferAccepted:
		if result.Offer != nil {
			s.postNote(ctx, result.Offer.ConversationID,
				fmt.Sprintf("Offer accepted and paid. Booking %s is confirmed.", booking.Reference))
		}
		s.notifyBooking(ctx, booking, notify.KindBookingConfirmed, "Your booking is confirmed")
		return result, nil

	case models.PaymentOutcomeCapacityLost:
		log.WithField("booking_id", booking.ID).Error("Payment received but the slot is full, refund required")
		s.notifyBooking(ctx, booking, notify.KindRefundRequired, "We could not confirm your booking")
		return result, models.NewStateConflict("capacity_lost_after_payment", "payment received but the date is fully booked")

	default:
		log.WithField("booking_id", booking.ID).Error("Payment received for a booking that can no longer be honoured, refund required")
		s.notifyBooking(ctx, booking, notify.KindRefundRequired, "We could not confirm your booking")
		return result, models.NewStateConflict("booking_not_payable", "payment received for a closed booking or offer")
	}
}

func (s *BookingService) confirmOffer(ctx context.Context, c models.PaymentConfirmation, offerID uuid.UUID) (*database.MaterializeResult, error) {
	for i := 0; i < referenceAttempts; i++ {
		reference, err := s.generateReference(ctx)
		if err != nil {
			return nil, err
		}
		result, err := s.events.ConfirmOfferBooking(ctx, c, offerID, reference)
		if errors.Is(err, database.ErrDuplicateReference) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("failed to store offer booking: reference collisions")
}

// ExpireCheckout cancels the pending slot booking behind an expired checkout
// session and releases its spots. Returns false when nothing matched.
func (s *BookingService) ExpireCheckout(ctx context.Context, sessionID string) (bool, error) {
	booking, err := s.bookings.CancelExpiredCheckout(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if booking == nil {
		return false, nil
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"session_id": sessionID,
	}).Info("Checkout expired, booking cancelled and spots released")
	return true, nil
}

// ============================================================================
// READ / CANCEL
// ============================================================================

// GetBooking returns the booking with reference
func (s *BookingService) GetBooking(ctx context.Context, reference string) (*models.Booking, error) {
	booking, err := s.bookings.GetBookingByReference(ctx, strings.ToUpper(strings.TrimSpace(reference)))
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, models.NewNotFound("booking_not_found", "booking not found")
	}
	return booking, nil
}

// CancelBooking cancels a pending or confirmed booking and releases its spots
// exactly once
func (s *BookingService) CancelBooking(ctx context.Context, reference string, p CancelBookingParams) (*models.Booking, error) {
	if !p.Actor.IsValid() {
		return nil, models.NewValidationError("invalid_actor", "unknown cancelling party")
	}
	booking, err := s.GetBooking(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch p.Actor {
	case models.ActorGuest:
		if !strings.EqualFold(strings.TrimSpace(p.GuestEmail), booking.GuestEmail) {
			return nil, models.NewNotFound("booking_not_found", "booking not found")
		}
	case models.ActorGuide:
		guideID, err := s.bookings.GetBookingGuideID(ctx, booking.ID)
		if err != nil {
			return nil, err
		}
		if guideID == uuid.Nil || guideID != p.GuideID {
			return nil, models.NewNotFound("booking_not_found", "booking not found")
		}
	}

	if booking.Status.IsTerminal() {
		return nil, models.NewStateConflict("booking_already_cancelled", "booking is already cancelled")
	}

	cancelled, err := s.bookings.CancelBooking(ctx, booking.ID, database.CancelParams{Actor: p.Actor, Reason: p.Reason})
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, models.NewStateConflict("booking_already_cancelled", "booking is already cancelled")
	}
	s.metrics.Reservation("release", booking.IsSlotBooking())

	log := s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"reference":  booking.Reference,
		"actor":      p.Actor,
	})
	log.Info("Booking cancelled")

	if booking.Status == models.BookingStatusPending && booking.CheckoutSessionID != nil {
		if err := s.payments.ExpireCheckoutSession(ctx, *booking.CheckoutSessionID); err != nil {
			log.WithError(err).Warn("Failed to expire checkout session of cancelled booking")
		}
	}

	current, err := s.bookings.GetBookingByID(ctx, booking.ID)
	if err != nil || current == nil {
		current = booking
		current.Status = models.BookingStatusCancelled
	}
	s.notifyBooking(ctx, current, notify.KindBookingCancelled, "Your booking was cancelled")
	return current, nil
}

// ============================================================================
// SIDE EFFECTS (best effort)
// ============================================================================

func (s *BookingService) postNote(ctx context.Context, conversationID uuid.UUID, body string) {
	if err := s.conversations.PostSystemMessage(ctx, conversationID, body); err != nil {
		s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to post system message")
	}
}

func (s *BookingService) notifyBooking(ctx context.Context, booking *models.Booking, kind notify.Kind, subject string) {
	msg := notify.Message{
		Kind:           kind,
		RecipientEmail: booking.GuestEmail,
		Subject:        subject,
		Data: map[string]string{
			"booking_reference": booking.Reference,
			"participants":      fmt.Sprintf("%d", booking.Participants),
			"total_price":       fmt.Sprintf("%.2f", booking.TotalPrice),
			"currency":          booking.Currency,
			"status":            string(booking.Status),
		},
	}
	if booking.GuestName != nil {
		msg.RecipientName = *booking.GuestName
	}
	s.notifications.Send(ctx, msg)
}
