package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// TOUR DATE SLOTS
// ============================================================================

// TourDateSlot is one bookable date of a tour.
// Invariant (DB CHECK): 0 <= spots_booked <= spots_total
type TourDateSlot struct {
	ID              uuid.UUID `json:"id" db:"id"`
	TourID          uuid.UUID `json:"tour_id" db:"tour_id"`
	Date            time.Time `json:"date" db:"date"`
	SpotsTotal      int       `json:"spots_total" db:"spots_total"`
	SpotsBooked     int       `json:"spots_booked" db:"spots_booked"`
	PriceOverride   *float64  `json:"price_override,omitempty" db:"price_override"`
	Currency        string    `json:"currency" db:"currency"`
	DiscountLabel   *string   `json:"discount_label,omitempty" db:"discount_label"`
	DiscountPercent *float64  `json:"discount_percent,omitempty" db:"discount_percent"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SpotsRemaining never goes negative
func (s *TourDateSlot) SpotsRemaining() int {
	remaining := s.SpotsTotal - s.SpotsBooked
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AvailabilityStatus is the guest-facing availability of a slot
type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "available" // remaining > threshold
	AvailabilityLimited   AvailabilityStatus = "limited"   // 0 < remaining <= threshold
	AvailabilityBooked    AvailabilityStatus = "booked"    // remaining = 0
)

// Availability classifies the slot against the "limited" threshold
func (s *TourDateSlot) Availability(limitedThreshold int) AvailabilityStatus {
	remaining := s.SpotsRemaining()
	switch {
	case remaining == 0:
		return AvailabilityBooked
	case remaining <= limitedThreshold:
		return AvailabilityLimited
	default:
		return AvailabilityAvailable
	}
}

// SlotAvailability is one row of an availability query
type SlotAvailability struct {
	Slot           TourDateSlot       `json:"slot"`
	SpotsRemaining int                `json:"spots_remaining"`
	Status         AvailabilityStatus `json:"availability_status"`
}

// ============================================================================
// CAPACITY HOLDS
// ============================================================================

// HoldStatus tracks a single reservation against a slot
type HoldStatus string

const (
	HoldStatusHeld      HoldStatus = "held"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusReleased  HoldStatus = "released"
)

// SlotHold records one reservation so that it can be released exactly once
type SlotHold struct {
	HoldKey     string     `json:"hold_key" db:"hold_key"`
	SlotID      uuid.UUID  `json:"slot_id" db:"slot_id"`
	Spots       int        `json:"spots" db:"spots"`
	Status      HoldStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty" db:"released_at"`
}

// IsActive reports whether the hold still counts against capacity
func (h *SlotHold) IsActive() bool {
	return h.Status == HoldStatusHeld || h.Status == HoldStatusConfirmed
}

// BookingHoldKey is the hold key used for a slot booking
func BookingHoldKey(bookingID uuid.UUID) string {
	return "booking:" + bookingID.String()
}

// BookingHolder is a non-cancelled booking on a slot, used for date-change fan-out
type BookingHolder struct {
	BookingID  uuid.UUID `db:"id"`
	Reference  string    `db:"reference"`
	GuestEmail string    `db:"guest_email"`
	GuestName  *string   `db:"guest_name"`
}

// CreateSlotRequest is the guide input for publishing a date
type CreateSlotRequest struct {
	Date            time.Time `json:"date" binding:"required"`
	SpotsTotal      int       `json:"spots_total" binding:"required,min=1"`
	PriceOverride   *float64  `json:"price_override,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	DiscountLabel   *string   `json:"discount_label,omitempty"`
	DiscountPercent *float64  `json:"discount_percent,omitempty"`
}
