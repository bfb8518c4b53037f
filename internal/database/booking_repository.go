package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/trailmarket/tour-engine/internal/models"
)

// BookingRepository handles booking database operations.
// bookings.status is only changed by the guarded statements in this file
// and in the payment materialization transactions.
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, reference, slot_id, offer_id, guest_user_id, guest_email, guest_name,
	participants, total_price, deposit_amount, currency, status, payment_status,
	payment_intent_id, checkout_session_id, cancelled_at, cancellation_reason, cancelled_by,
	created_at, updated_at`

// CancelParams describes who cancels a booking and why
type CancelParams struct {
	Actor  models.BookingActor
	Reason string
}

// ============================================================================
// READS
// ============================================================================

func (r *BookingRepository) getBooking(ctx context.Context, where string, arg interface{}) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// GetBookingByID returns nil, nil when not found
func (r *BookingRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.getBooking(ctx, "id = $1", id)
}

// GetBookingByReference returns nil, nil when not found
func (r *BookingRepository) GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error) {
	return r.getBooking(ctx, "reference = $1", reference)
}

// GetBookingByCheckoutSession returns nil, nil when not found
func (r *BookingRepository) GetBookingByCheckoutSession(ctx context.Context, sessionID string) (*models.Booking, error) {
	return r.getBooking(ctx, "checkout_session_id = $1", sessionID)
}

// ReferenceExists is the collision check for generated references
func (r *BookingRepository) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM bookings WHERE reference = $1)`, reference)
	if err != nil {
		return false, fmt.Errorf("failed to check booking reference: %w", err)
	}
	return exists, nil
}

// GetBookingGuideID returns the guide selling the booking's slot or offer,
// or uuid.Nil when neither can be resolved
func (r *BookingRepository) GetBookingGuideID(ctx context.Context, bookingID uuid.UUID) (uuid.UUID, error) {
	var guideID *uuid.UUID
	err := r.db.GetContext(ctx, &guideID, `
		SELECT COALESCE(t.guide_id, o.guide_id)
		FROM bookings b
		LEFT JOIN tour_date_slots s ON s.id = b.slot_id
		LEFT JOIN tours t ON t.id = s.tour_id
		LEFT JOIN tour_offers o ON o.id = b.offer_id
		WHERE b.id = $1`, bookingID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && guideID == nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve booking guide: %w", err)
	}
	return *guideID, nil
}

// ListAbandonedBookings selects pending bookings that never got a checkout session
// and were created before cutoff
func (r *BookingRepository) ListAbandonedBookings(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	bookings := []models.Booking{}
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payment_status = 'pending'
		  AND checkout_session_id IS NULL
		  AND status <> 'cancelled'
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned bookings: %w", err)
	}
	return bookings, nil
}

// ============================================================================
// WRITES
// ============================================================================

// CreatePendingSlotBooking reserves the booking's spots and inserts the booking
// in one transaction. Nothing is written when the slot lacks capacity.
func (r *BookingRepository) CreatePendingSlotBooking(ctx context.Context, booking *models.Booking) error {
	if booking.SlotID == nil {
		return fmt.Errorf("slot booking requires a slot id")
	}
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	booking.Status = models.BookingStatusPending
	booking.PaymentStatus = models.PaymentStatusPending

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := reserveInTx(ctx, tx, *booking.SlotID, booking.Participants, booking.HoldKey()); err != nil {
			return err
		}
		return insertBookingInTx(ctx, tx, booking)
	})
}

func insertBookingInTx(ctx context.Context, tx sqlx.ExtContext, b *models.Booking) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO bookings (
			id, reference, slot_id, offer_id, guest_user_id, guest_email, guest_name,
			participants, total_price, deposit_amount, currency, status, payment_status,
			payment_intent_id, checkout_session_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		b.ID, b.Reference, b.SlotID, b.OfferID, b.GuestUserID, b.GuestEmail, b.GuestName,
		b.Participants, b.TotalPrice, b.DepositAmount, b.Currency, b.Status, b.PaymentStatus,
		b.PaymentIntentID, b.CheckoutSessionID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if isUniqueViolation(err) {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Constraint == "bookings_reference_key" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// AttachCheckoutSession records the processor session on a pending booking
func (r *BookingRepository) AttachCheckoutSession(ctx context.Context, bookingID uuid.UUID, sessionID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET checkout_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, bookingID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to attach checkout session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrBookingNotCancellable
	}
	return nil
}

// CancelBooking cancels a pending or confirmed booking and releases its hold
// in the same transaction. Returns false when the booking was not cancellable.
func (r *BookingRepository) CancelBooking(ctx context.Context, bookingID uuid.UUID, p CancelParams) (bool, error) {
	return r.cancelWhere(ctx, p, `id = $4 AND status = ANY($5)`,
		bookingID, pq.Array(models.BookingSourceStates(models.BookingStatusCancelled)))
}

// CancelAbandonedBooking cancels the booking only if it still matches the
// abandoned-checkout predicate
func (r *BookingRepository) CancelAbandonedBooking(ctx context.Context, bookingID uuid.UUID, cutoff time.Time) (bool, error) {
	p := CancelParams{Actor: models.ActorSystem, Reason: "checkout abandoned"}
	return r.cancelWhere(ctx, p, `id = $4
		  AND payment_status = 'pending'
		  AND checkout_session_id IS NULL
		  AND status <> 'cancelled'
		  AND created_at < $5`, bookingID, cutoff)
}

// CancelExpiredCheckout cancels the pending booking behind an expired checkout session
func (r *BookingRepository) CancelExpiredCheckout(ctx context.Context, sessionID string) (*models.Booking, error) {
	p := CancelParams{Actor: models.ActorSystem, Reason: "checkout session expired"}
	cancelled, err := r.cancelWhere(ctx, p, `checkout_session_id = $4
		  AND status = 'pending'
		  AND payment_status = 'pending'`, sessionID)
	if err != nil || !cancelled {
		return nil, err
	}
	return r.GetBookingByCheckoutSession(ctx, sessionID)
}

// cancelWhere flips matching bookings to cancelled and releases the hold.
// $1..$3 are reserved for reason, actor and payment status handling.
func (r *BookingRepository) cancelWhere(ctx context.Context, p CancelParams, predicate string, args ...interface{}) (bool, error) {
	cancelled := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var (
			id     uuid.UUID
			slotID *uuid.UUID
		)
		var reason *string
		if p.Reason != "" {
			reason = &p.Reason
		}
		queryArgs := append([]interface{}{reason, p.Actor, models.PaymentStatusFailed}, args...)
		err := tx.QueryRowxContext(ctx, `
			UPDATE bookings
			SET status = 'cancelled',
			    cancelled_at = NOW(),
			    cancellation_reason = $1,
			    cancelled_by = $2,
			    payment_status = CASE WHEN payment_status = 'pending' THEN $3 ELSE payment_status END,
			    updated_at = NOW()
			WHERE `+predicate+`
			RETURNING id, slot_id`, queryArgs...).Scan(&id, &slotID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cancel booking: %w", err)
		}

		if slotID != nil {
			if _, err := releaseInTx(ctx, tx, *slotID, models.BookingHoldKey(id)); err != nil {
				return err
			}
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}
