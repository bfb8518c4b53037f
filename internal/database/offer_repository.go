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

// OfferRepository handles tour offer persistence. Every status change is a
// compare-and-swap on the current status, so racing callers see exactly one winner.
type OfferRepository struct {
	db *sqlx.DB
}

// NewOfferRepository creates a new OfferRepository
func NewOfferRepository(db *sqlx.DB) *OfferRepository {
	return &OfferRepository{db: db}
}

const offerColumns = `id, conversation_id, guide_id, guest_email, guest_user_id, title, itinerary,
	meeting_point, tour_date, participants, price_per_person, total_price, currency,
	pricing_snapshot, token_hash, status, expires_at, checkout_session_id, accepted_at,
	declined_at, decline_reason, expired_at, booking_reference, draft_tour_id,
	created_at, updated_at`

func sources(target models.OfferStatus) interface{} {
	return pq.Array(models.OfferSourceStates(target))
}

// CreateOffer inserts a new pending offer
func (r *OfferRepository) CreateOffer(ctx context.Context, offer *models.TourOffer) error {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	offer.Status = models.OfferStatusPending

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tour_offers (
			id, conversation_id, guide_id, guest_email, guest_user_id, title, itinerary,
			meeting_point, tour_date, participants, price_per_person, total_price, currency,
			pricing_snapshot, token_hash, status, expires_at, draft_tour_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING created_at, updated_at`,
		offer.ID, offer.ConversationID, offer.GuideID, offer.GuestEmail, offer.GuestUserID,
		offer.Title, offer.Itinerary, offer.MeetingPoint, offer.TourDate, offer.Participants,
		offer.PricePerPerson, offer.TotalPrice, offer.Currency, offer.PricingSnapshot,
		offer.TokenHash, offer.Status, offer.ExpiresAt, offer.DraftTourID,
	).Scan(&offer.CreatedAt, &offer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

func (r *OfferRepository) getOffer(ctx context.Context, where string, arg interface{}) (*models.TourOffer, error) {
	var offer models.TourOffer
	err := r.db.GetContext(ctx, &offer, `SELECT `+offerColumns+` FROM tour_offers WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return &offer, nil
}

// GetOfferByTokenHash returns nil, nil when no offer carries the token
func (r *OfferRepository) GetOfferByTokenHash(ctx context.Context, tokenHash string) (*models.TourOffer, error) {
	return r.getOffer(ctx, "token_hash = $1", tokenHash)
}

// GetOfferByID returns nil, nil when not found
func (r *OfferRepository) GetOfferByID(ctx context.Context, id uuid.UUID) (*models.TourOffer, error) {
	return r.getOffer(ctx, "id = $1", id)
}

// GetOfferByCheckoutSession returns nil, nil when not found
func (r *OfferRepository) GetOfferByCheckoutSession(ctx context.Context, sessionID string) (*models.TourOffer, error) {
	return r.getOffer(ctx, "checkout_session_id = $1", sessionID)
}

// ListExpiredPendingOffers selects pending offers whose deadline is before now
func (r *OfferRepository) ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]models.TourOffer, error) {
	offers := []models.TourOffer{}
	err := r.db.SelectContext(ctx, &offers, `
		SELECT `+offerColumns+`
		FROM tour_offers
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired offers: %w", err)
	}
	return offers, nil
}

// ============================================================================
// STATE TRANSITIONS (compare-and-swap)
// ============================================================================

func (r *OfferRepository) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update offer status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkPaymentPending moves an unexpired pending offer to payment_pending
func (r *OfferRepository) MarkPaymentPending(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET status = 'payment_pending', updated_at = NOW()
		WHERE id = $1 AND status = ANY($2) AND expires_at > $3`,
		offerID, sources(models.OfferStatusPaymentPending), now)
}

// AttachCheckoutSession stores the processor session on a payment_pending offer
func (r *OfferRepository) AttachCheckoutSession(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET checkout_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'payment_pending'`, offerID, sessionID)
}

// RevertToPending undoes MarkPaymentPending when no session could be created
func (r *OfferRepository) RevertToPending(ctx context.Context, offerID uuid.UUID) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET status = 'pending', checkout_session_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)`,
		offerID, sources(models.OfferStatusPending))
}

// MarkDeclined declines an unexpired pending or payment_pending offer
func (r *OfferRepository) MarkDeclined(ctx context.Context, offerID uuid.UUID, reason *string, now time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET status = 'declined', declined_at = NOW(), decline_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3) AND expires_at > $4`,
		offerID, reason, sources(models.OfferStatusDeclined), now)
}

// MarkPaymentAbandoned declines a payment_pending offer whose checkout session expired
func (r *OfferRepository) MarkPaymentAbandoned(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET status = 'declined', declined_at = NOW(), decline_reason = 'payment abandoned', updated_at = NOW()
		WHERE id = $1 AND checkout_session_id = $2 AND status = 'payment_pending'`,
		offerID, sessionID)
}

// MarkExpired expires a pending or payment_pending offer whose deadline has passed
func (r *OfferRepository) MarkExpired(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	return r.transition(ctx, `
		UPDATE tour_offers
		SET status = 'expired', expired_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($2) AND expires_at <= $3`,
		offerID, sources(models.OfferStatusExpired), now)
}

// ExpireOfferAndArchiveDraft is the sweeper step for one offer: it expires the
// offer only if it is still pending and overdue, and archives its draft tour in
// the same transaction.
func (r *OfferRepository) ExpireOfferAndArchiveDraft(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	expired := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var draftTourID *uuid.UUID
		err := tx.QueryRowxContext(ctx, `
			UPDATE tour_offers
			SET status = 'expired', expired_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'pending' AND expires_at < $2
			RETURNING draft_tour_id`, offerID, now).Scan(&draftTourID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to expire offer: %w", err)
		}

		if draftTourID != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tours SET status = 'archived', updated_at = NOW()
				WHERE id = $1 AND status = 'draft'`, *draftTourID); err != nil {
				return fmt.Errorf("failed to archive draft tour: %w", err)
			}
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}
