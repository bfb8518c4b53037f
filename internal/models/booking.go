package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING STATUSES
// ============================================================================

// BookingStatus is the lifecycle status of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCancelled},
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s BookingStatus) IsTerminal() bool {
	return len(bookingTransitions[s]) == 0
}

// BookingSourceStates lists the statuses from which target can be entered
func BookingSourceStates(target BookingStatus) []string {
	var sources []string
	for from, targets := range bookingTransitions {
		for _, t := range targets {
			if t == target {
				sources = append(sources, string(from))
			}
		}
	}
	sort.Strings(sources)
	return sources
}

// PaymentStatus tracks the charge behind a booking
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// BookingActor identifies who cancelled a booking
type BookingActor string

const (
	ActorGuest  BookingActor = "guest"
	ActorGuide  BookingActor = "guide"
	ActorAdmin  BookingActor = "admin"
	ActorSystem BookingActor = "system"
)

// IsValid reports whether a is a known actor
func (a BookingActor) IsValid() bool {
	switch a {
	case ActorGuest, ActorGuide, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// ============================================================================
// BOOKING
// ============================================================================

// Booking is a guest purchase of either a date slot or an accepted offer
type Booking struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	Reference          string        `json:"reference" db:"reference"`
	SlotID             *uuid.UUID    `json:"slot_id,omitempty" db:"slot_id"`
	OfferID            *uuid.UUID    `json:"offer_id,omitempty" db:"offer_id"`
	GuestUserID        *uuid.UUID    `json:"guest_user_id,omitempty" db:"guest_user_id"`
	GuestEmail         string        `json:"guest_email" db:"guest_email"`
	GuestName          *string       `json:"guest_name,omitempty" db:"guest_name"`
	Participants       int           `json:"participants" db:"participants"`
	TotalPrice         float64       `json:"total_price" db:"total_price"`
	DepositAmount      float64       `json:"deposit_amount" db:"deposit_amount"`
	Currency           string        `json:"currency" db:"currency"`
	Status             BookingStatus `json:"status" db:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentIntentID    *string       `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	CheckoutSessionID  *string       `json:"checkout_session_id,omitempty" db:"checkout_session_id"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string       `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancelledBy        *BookingActor `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// HoldKey is the capacity hold owned by this booking
func (b *Booking) HoldKey() string {
	return BookingHoldKey(b.ID)
}

// IsSlotBooking reports whether the booking consumes slot capacity
func (b *Booking) IsSlotBooking() bool {
	return b.SlotID != nil
}

// CheckoutRequest starts a paid booking on a slot
type CheckoutRequest struct {
	SlotID       uuid.UUID  `json:"slot_id" binding:"required"`
	Participants int        `json:"participants" binding:"required,min=1"`
	GuestEmail   string     `json:"guest_email" binding:"required"`
	GuestName    string     `json:"guest_name,omitempty"`
	GuestUserID  *uuid.UUID `json:"guest_user_id,omitempty"`
}

// CheckoutResponse is returned once a checkout session exists
type CheckoutResponse struct {
	BookingID   uuid.UUID `json:"booking_id"`
	Reference   string    `json:"reference"`
	SessionID   string    `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
	AmountDue   float64   `json:"amount_due"`
	TotalPrice  float64   `json:"total_price"`
	Currency    string    `json:"currency"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CancelBookingRequest is the body of a cancel call. Guests prove ownership
// with the booking email; guides and admins are identified by their token.
type CancelBookingRequest struct {
	GuestEmail string `json:"guest_email,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
