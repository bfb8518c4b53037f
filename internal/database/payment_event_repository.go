package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/models"
)

// PaymentEventRepository turns payment confirmations into bookings. Each
// confirmation id is written to payment_events first, inside the same
// transaction as the booking changes, so a re-delivered confirmation is a no-op.
type PaymentEventRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentEventRepository creates a new payment event repository
func NewPaymentEventRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentEventRepository {
	return &PaymentEventRepository{
		db:     db,
		logger: logger,
	}
}

// MaterializeResult reports what a confirmation did
type MaterializeResult struct {
	Booking   *models.Booking
	Offer     *models.TourOffer
	Outcome   models.PaymentOutcome
	Duplicate bool
}

// GetPaymentEvent returns nil, nil when the confirmation was never seen
func (r *PaymentEventRepository) GetPaymentEvent(ctx context.Context, confirmationID string) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	err := r.db.GetContext(ctx, &event, `
		SELECT confirmation_id, event_id, event_type, booking_id, outcome, amount_total, currency, received_at
		FROM payment_events WHERE confirmation_id = $1`, confirmationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment event: %w", err)
	}
	return &event, nil
}

// recordEventInTx claims the confirmation id. false means it was already processed.
func recordEventInTx(ctx context.Context, tx sqlx.ExtContext, c models.PaymentConfirmation) (bool, error) {
	var claimed string
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO payment_events (confirmation_id, event_id, event_type, amount_total, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (confirmation_id) DO NOTHING
		RETURNING confirmation_id`,
		c.ConfirmationID, c.EventID, models.PaymentEventCheckoutCompleted, c.AmountTotal, c.Currency,
	).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record payment event: %w", err)
	}
	return true, nil
}

func finishEventInTx(ctx context.Context, tx sqlx.ExtContext, confirmationID string, bookingID uuid.UUID, outcome models.PaymentOutcome) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE payment_events SET booking_id = $2, outcome = $3 WHERE confirmation_id = $1`,
		confirmationID, bookingID, outcome); err != nil {
		return fmt.Errorf("failed to finish payment event: %w", err)
	}
	return nil
}

func (r *PaymentEventRepository) duplicate(ctx context.Context, confirmationID string) (*MaterializeResult, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE checkout_session_id = $1`, confirmationID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load materialized booking: %w", err)
	}
	result := &MaterializeResult{Duplicate: true}
	if err == nil {
		result.Booking = &booking
	}
	return result, nil
}

// ============================================================================
// SLOT BOOKINGS
// ============================================================================

// ConfirmSlotBooking promotes the pending booking behind the confirmation. The
// existing hold is confirmed; a released or missing hold is reserved again. If
// the slot no longer has room the booking is cancelled with the payment kept
// as succeeded and Outcome is PaymentOutcomeCapacityLost.
func (r *PaymentEventRepository) ConfirmSlotBooking(ctx context.Context, c models.PaymentConfirmation, bookingID uuid.UUID) (*MaterializeResult, error) {
	result := &MaterializeResult{}
	claimed := true

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		claimed, err = recordEventInTx(ctx, tx, c)
		if err != nil || !claimed {
			return err
		}

		var booking models.Booking
		if err := sqlx.GetContext(ctx, tx, &booking,
			`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID); err != nil {
			return fmt.Errorf("failed to lock booking: %w", err)
		}
		if booking.SlotID == nil {
			return fmt.Errorf("booking %s is not a slot booking", bookingID)
		}

		guestID, err := upsertGuestInTx(ctx, tx, firstNonEmpty(c.CustomerEmail, booking.GuestEmail), c.CustomerName)
		if err != nil {
			return err
		}

		if booking.Status == models.BookingStatusCancelled {
			// Paid after cancellation: keep the money trail, the booking stays cancelled
			if err := markPaidInTx(ctx, tx, booking.ID, guestID, c.PaymentIntentID, c.ConfirmationID); err != nil {
				return err
			}
			result.Outcome = models.PaymentOutcomeRefundRequired
			return r.reload(ctx, tx, &booking, result, c.ConfirmationID)
		}

		capacityLost, err := ensureHoldInTx(ctx, tx, &booking)
		if err != nil {
			return err
		}

		if capacityLost {
			p := CancelParams{Actor: models.ActorSystem, Reason: "capacity lost after payment"}
			if _, err := tx.ExecContext(ctx, `
				UPDATE bookings
				SET status = 'cancelled', payment_status = 'succeeded',
				    cancelled_at = NOW(), cancellation_reason = $2, cancelled_by = $3,
				    guest_user_id = COALESCE(guest_user_id, $4), payment_intent_id = $5,
				    checkout_session_id = $6, updated_at = NOW()
				WHERE id = $1`,
				booking.ID, p.Reason, p.Actor, guestID, nullIfEmpty(c.PaymentIntentID), c.ConfirmationID); err != nil {
				return fmt.Errorf("failed to cancel booking after capacity loss: %w", err)
			}
			result.Outcome = models.PaymentOutcomeCapacityLost
			return r.reload(ctx, tx, &booking, result, c.ConfirmationID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bookings
			SET status = 'confirmed', payment_status = 'succeeded',
			    guest_user_id = COALESCE(guest_user_id, $2), payment_intent_id = $3,
			    checkout_session_id = $4, updated_at = NOW()
			WHERE id = $1 AND status = ANY($5)`,
			booking.ID, guestID, nullIfEmpty(c.PaymentIntentID), c.ConfirmationID,
			pq.Array(models.BookingSourceStates(models.BookingStatusConfirmed))); err != nil {
			return fmt.Errorf("failed to confirm booking: %w", err)
		}
		result.Outcome = models.PaymentOutcomeBookingConfirmed
		return r.reload(ctx, tx, &booking, result, c.ConfirmationID)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r.duplicate(ctx, c.ConfirmationID)
	}

	r.logger.WithFields(logrus.Fields{
		"confirmation_id": c.ConfirmationID,
		"booking_id":      bookingID,
		"outcome":         result.Outcome,
	}).Info("Slot booking payment materialized")
	return result, nil
}

// ensureHoldInTx makes sure the booking's spots are held and confirmed.
// Returns true when the spots could not be taken again.
func ensureHoldInTx(ctx context.Context, tx *sqlx.Tx, booking *models.Booking) (bool, error) {
	var status models.HoldStatus
	err := tx.QueryRowxContext(ctx, `SELECT status FROM slot_holds WHERE hold_key = $1 FOR UPDATE`, booking.HoldKey()).Scan(&status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to lock hold: %w", err)
	}

	switch {
	case err == nil && status == models.HoldStatusHeld:
		_, err := confirmHoldInTx(ctx, tx, booking.HoldKey())
		return false, err
	case err == nil && status == models.HoldStatusConfirmed:
		return false, nil
	}

	// No active hold: reserve again, undoing only this step if the slot is full
	if _, err := tx.ExecContext(ctx, `SAVEPOINT reserve_again`); err != nil {
		return false, fmt.Errorf("failed to create savepoint: %w", err)
	}
	if _, err := reserveInTx(ctx, tx, *booking.SlotID, booking.Participants, booking.HoldKey()); err != nil {
		if !errors.Is(err, ErrInsufficientCapacity) {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT reserve_again`); err != nil {
			return false, fmt.Errorf("failed to roll back to savepoint: %w", err)
		}
		return true, nil
	}
	if _, err := confirmHoldInTx(ctx, tx, booking.HoldKey()); err != nil {
		return false, err
	}
	return false, nil
}

func markPaidInTx(ctx context.Context, tx sqlx.ExtContext, bookingID, guestID uuid.UUID, paymentIntentID, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET payment_status = 'succeeded', guest_user_id = COALESCE(guest_user_id, $2),
		    payment_intent_id = $3, checkout_session_id = $4, updated_at = NOW()
		WHERE id = $1`, bookingID, guestID, nullIfEmpty(paymentIntentID), sessionID); err != nil {
		return fmt.Errorf("failed to mark booking paid: %w", err)
	}
	return nil
}

func (r *PaymentEventRepository) reload(ctx context.Context, tx sqlx.ExtContext, booking *models.Booking, result *MaterializeResult, confirmationID string) error {
	if err := sqlx.GetContext(ctx, tx, booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, booking.ID); err != nil {
		return fmt.Errorf("failed to reload booking: %w", err)
	}
	result.Booking = booking
	return finishEventInTx(ctx, tx, confirmationID, booking.ID, result.Outcome)
}

// ============================================================================
// OFFER BOOKINGS
// ============================================================================

// ConfirmOfferBooking creates the booking for a paid offer and marks the offer
// accepted. An offer that left payment_pending in the meantime is not accepted;
// the booking is still recorded as cancelled and paid so it can be refunded.
func (r *PaymentEventRepository) ConfirmOfferBooking(ctx context.Context, c models.PaymentConfirmation, offerID uuid.UUID, reference string) (*MaterializeResult, error) {
	result := &MaterializeResult{}
	claimed := true

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		claimed, err = recordEventInTx(ctx, tx, c)
		if err != nil || !claimed {
			return err
		}

		var offer models.TourOffer
		if err := sqlx.GetContext(ctx, tx, &offer,
			`SELECT `+offerColumns+` FROM tour_offers WHERE id = $1 FOR UPDATE`, offerID); err != nil {
			return fmt.Errorf("failed to lock offer: %w", err)
		}

		email := firstNonEmpty(c.CustomerEmail, offer.GuestEmail)
		guestID, err := upsertGuestInTx(ctx, tx, email, c.CustomerName)
		if err != nil {
			return err
		}

		sessionID := c.ConfirmationID
		booking := &models.Booking{
			ID:                uuid.New(),
			Reference:         reference,
			OfferID:           &offer.ID,
			GuestUserID:       &guestID,
			GuestEmail:        email,
			Participants:      offer.Participants,
			TotalPrice:        offer.TotalPrice,
			Currency:          offer.Currency,
			Status:            models.BookingStatusConfirmed,
			PaymentStatus:     models.PaymentStatusSucceeded,
			PaymentIntentID:   nullIfEmpty(c.PaymentIntentID),
			CheckoutSessionID: &sessionID,
		}
		if c.CustomerName != "" {
			booking.GuestName = &c.CustomerName
		}

		payable := offer.Status == models.OfferStatusPaymentPending
		if !payable {
			reason := "offer no longer payable: " + string(offer.Status)
			actor := models.ActorSystem
			booking.Status = models.BookingStatusCancelled
			booking.CancellationReason = &reason
			booking.CancelledBy = &actor
		}
		if err := insertBookingInTx(ctx, tx, booking); err != nil {
			return err
		}

		if !payable {
			result.Outcome = models.PaymentOutcomeRefundRequired
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE tour_offers
				SET status = 'accepted', accepted_at = NOW(), booking_reference = $2,
				    guest_user_id = COALESCE(guest_user_id, $3), updated_at = NOW()
				WHERE id = $1 AND status = ANY($4)`,
				offer.ID, reference, guestID, sources(models.OfferStatusAccepted))
			if err != nil {
				return fmt.Errorf("failed to accept offer: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return fmt.Errorf("offer %s changed state during confirmation", offer.ID)
			}
			result.Outcome = models.PaymentOutcomeOfferAccepted
		}

		if err := sqlx.GetContext(ctx, tx, &offer, `SELECT `+offerColumns+` FROM tour_offers WHERE id = $1`, offer.ID); err != nil {
			return fmt.Errorf("failed to reload offer: %w", err)
		}
		result.Offer = &offer
		result.Booking = booking
		return finishEventInTx(ctx, tx, c.ConfirmationID, booking.ID, result.Outcome)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r.duplicate(ctx, c.ConfirmationID)
	}

	r.logger.WithFields(logrus.Fields{
		"confirmation_id": c.ConfirmationID,
		"offer_id":        offerID,
		"reference":       reference,
		"outcome":         result.Outcome,
	}).Info("Offer payment materialized")
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
