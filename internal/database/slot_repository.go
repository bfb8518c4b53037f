package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/trailmarket/tour-engine/internal/models"
)

// SlotRepository owns tour_date_slots and slot_holds.
// spots_booked is only ever changed by the conditional statements in this file.
type SlotRepository struct {
	db *sqlx.DB
}

// NewSlotRepository creates a new SlotRepository
func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

const slotColumns = `id, tour_id, date, spots_total, spots_booked, price_override, currency,
	discount_label, discount_percent, created_at, updated_at`

const holdColumns = `hold_key, slot_id, spots, status, created_at, confirmed_at, released_at`

// ============================================================================
// SLOT READS
// ============================================================================

// GetSlot returns nil, nil when the slot does not exist
func (r *SlotRepository) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.TourDateSlot, error) {
	var slot models.TourDateSlot
	err := r.db.GetContext(ctx, &slot, `SELECT `+slotColumns+` FROM tour_date_slots WHERE id = $1`, slotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

// ListSlotsForTour returns the tour's slots dated within [from, to], earliest first
func (r *SlotRepository) ListSlotsForTour(ctx context.Context, tourID uuid.UUID, from, to time.Time) ([]models.TourDateSlot, error) {
	slots := []models.TourDateSlot{}
	err := r.db.SelectContext(ctx, &slots, `
		SELECT `+slotColumns+`
		FROM tour_date_slots
		WHERE tour_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC`, tourID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// GetHold returns nil, nil when no hold exists for the key
func (r *SlotRepository) GetHold(ctx context.Context, holdKey string) (*models.SlotHold, error) {
	var hold models.SlotHold
	err := r.db.GetContext(ctx, &hold, `SELECT `+holdColumns+` FROM slot_holds WHERE hold_key = $1`, holdKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return &hold, nil
}

// ListActiveBookingHolders returns every non-cancelled booking on the slot
func (r *SlotRepository) ListActiveBookingHolders(ctx context.Context, slotID uuid.UUID) ([]models.BookingHolder, error) {
	holders := []models.BookingHolder{}
	err := r.db.SelectContext(ctx, &holders, `
		SELECT id, reference, guest_email, guest_name
		FROM bookings
		WHERE slot_id = $1 AND status <> 'cancelled'
		ORDER BY created_at ASC`, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list booking holders: %w", err)
	}
	return holders, nil
}

// ============================================================================
// GUIDE EDITS
// ============================================================================

// CreateSlot inserts a new slot with zero booked spots
func (r *SlotRepository) CreateSlot(ctx context.Context, slot *models.TourDateSlot) error {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.SpotsBooked = 0

	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO tour_date_slots (
			id, tour_id, date, spots_total, spots_booked, price_override, currency,
			discount_label, discount_percent
		) VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		slot.ID, slot.TourID, slot.Date, slot.SpotsTotal, slot.PriceOverride, slot.Currency,
		slot.DiscountLabel, slot.DiscountPercent,
	).Scan(&slot.CreatedAt, &slot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

// UpdateSlotDate moves a slot to a new date. Returns sql.ErrNoRows for an unknown slot.
func (r *SlotRepository) UpdateSlotDate(ctx context.Context, slotID uuid.UUID, newDate time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tour_date_slots SET date = $2, updated_at = NOW() WHERE id = $1`, slotID, newDate)
	if err != nil {
		return fmt.Errorf("failed to update slot date: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateSlotCapacity changes spots_total, refusing to drop below spots_booked
func (r *SlotRepository) UpdateSlotCapacity(ctx context.Context, slotID uuid.UUID, spotsTotal int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tour_date_slots
		SET spots_total = $2, updated_at = NOW()
		WHERE id = $1 AND spots_booked <= $2`, slotID, spotsTotal)
	if err != nil {
		return fmt.Errorf("failed to update slot capacity: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}
	return r.missingOr(ctx, slotID, ErrCapacityBelowBooked)
}

// DeleteSlot removes a slot that has no active reservations
func (r *SlotRepository) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM tour_date_slots
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM slot_holds WHERE slot_id = $1 AND status <> 'released'
		  )`, slotID)
	if err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}
	return r.missingOr(ctx, slotID, ErrSlotHasActiveHolds)
}

// missingOr returns sql.ErrNoRows if the slot is gone, otherwise cause
func (r *SlotRepository) missingOr(ctx context.Context, slotID uuid.UUID, cause error) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM tour_date_slots WHERE id = $1)`, slotID); err != nil {
		return fmt.Errorf("failed to check slot: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return cause
}

// ============================================================================
// CAPACITY OPERATIONS (atomic)
// ============================================================================

// Reserve takes count spots for holdKey. Replaying an active hold key is a no-op
// that returns the existing hold; ErrInsufficientCapacity leaves nothing changed.
func (r *SlotRepository) Reserve(ctx context.Context, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error) {
	var hold *models.SlotHold
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		hold, err = reserveInTx(ctx, tx, slotID, count, holdKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// Release gives back the spots held by holdKey. Releasing twice is a no-op
// and returns 0.
func (r *SlotRepository) Release(ctx context.Context, slotID uuid.UUID, holdKey string) (int, error) {
	var released int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		released, err = releaseInTx(ctx, tx, slotID, holdKey)
		return err
	})
	return released, err
}

func reserveInTx(ctx context.Context, tx sqlx.ExtContext, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error) {
	hold := &models.SlotHold{
		HoldKey: holdKey,
		SlotID:  slotID,
		Spots:   count,
		Status:  models.HoldStatusHeld,
	}

	err := tx.QueryRowxContext(ctx, `
		INSERT INTO slot_holds (hold_key, slot_id, spots, status)
		VALUES ($1, $2, $3, 'held')
		ON CONFLICT (hold_key) DO NOTHING
		RETURNING created_at`, holdKey, slotID, count).Scan(&hold.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Key already used: idempotent replay, or a released hold being taken again
		var existing models.SlotHold
		if err := sqlx.GetContext(ctx, tx, &existing,
			`SELECT `+holdColumns+` FROM slot_holds WHERE hold_key = $1 FOR UPDATE`, holdKey); err != nil {
			return nil, fmt.Errorf("failed to load existing hold: %w", err)
		}
		if existing.SlotID != slotID {
			return nil, ErrHoldKeyConflict
		}
		if existing.IsActive() {
			return &existing, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE slot_holds
			SET status = 'held', spots = $2, released_at = NULL, confirmed_at = NULL
			WHERE hold_key = $1 AND status = 'released'`, holdKey, count); err != nil {
			return nil, fmt.Errorf("failed to reactivate hold: %w", err)
		}
		hold.CreatedAt = existing.CreatedAt
	} else if err != nil {
		return nil, fmt.Errorf("failed to create hold: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tour_date_slots
		SET spots_booked = spots_booked + $2, updated_at = NOW()
		WHERE id = $1 AND spots_booked + $2 <= spots_total`, slotID, count)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve spots: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrInsufficientCapacity
	}

	return hold, nil
}

func releaseInTx(ctx context.Context, tx sqlx.ExtContext, slotID uuid.UUID, holdKey string) (int, error) {
	var spots int
	err := tx.QueryRowxContext(ctx, `
		UPDATE slot_holds
		SET status = 'released', released_at = NOW()
		WHERE hold_key = $1 AND slot_id = $2 AND status <> 'released'
		RETURNING spots`, holdKey, slotID).Scan(&spots)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to release hold: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tour_date_slots
		SET spots_booked = GREATEST(spots_booked - $2, 0), updated_at = NOW()
		WHERE id = $1`, slotID, spots); err != nil {
		return 0, fmt.Errorf("failed to return spots: %w", err)
	}

	return spots, nil
}

// confirmHoldInTx marks a held reservation as paid
func confirmHoldInTx(ctx context.Context, tx sqlx.ExtContext, holdKey string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE slot_holds
		SET status = 'confirmed', confirmed_at = NOW()
		WHERE hold_key = $1 AND status = 'held'`, holdKey)
	if err != nil {
		return false, fmt.Errorf("failed to confirm hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}
