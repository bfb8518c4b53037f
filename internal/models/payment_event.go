package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType is the processor event that produced a ledger entry
type PaymentEventType string

const (
	PaymentEventCheckoutCompleted PaymentEventType = "checkout.session.completed"
	PaymentEventCheckoutExpired   PaymentEventType = "checkout.session.expired"
)

// PaymentOutcome is what the materializer did with a confirmation
type PaymentOutcome string

const (
	PaymentOutcomeBookingConfirmed PaymentOutcome = "booking_confirmed"
	PaymentOutcomeOfferAccepted    PaymentOutcome = "offer_accepted"
	PaymentOutcomeCapacityLost     PaymentOutcome = "capacity_lost"
	PaymentOutcomeRefundRequired   PaymentOutcome = "refund_required"
)

// PaymentEvent is the dedup ledger keyed by confirmation id (the checkout session id).
// Rows are immutable.
type PaymentEvent struct {
	ConfirmationID string           `json:"confirmation_id" db:"confirmation_id"`
	EventID        string           `json:"event_id" db:"event_id"`
	EventType      PaymentEventType `json:"event_type" db:"event_type"`
	BookingID      *uuid.UUID       `json:"booking_id,omitempty" db:"booking_id"`
	Outcome        *PaymentOutcome  `json:"outcome,omitempty" db:"outcome"`
	AmountTotal    int64            `json:"amount_total" db:"amount_total"`
	Currency       string           `json:"currency" db:"currency"`
	ReceivedAt     time.Time        `json:"received_at" db:"received_at"`
}

// Checkout session metadata keys shared by the payment adapter and the materializer
const (
	MetadataKind      = "kind"
	MetadataBookingID = "booking_id"
	MetadataOfferID   = "offer_id"
	MetadataSlotID    = "slot_id"

	MetadataKindSlotBooking = "slot_booking"
	MetadataKindOffer       = "offer"
)

// PaymentConfirmation is a verified "payment succeeded" callback from the processor
type PaymentConfirmation struct {
	ConfirmationID  string // checkout session id
	EventID         string
	PaymentIntentID string
	CustomerEmail   string
	CustomerName    string
	AmountTotal     int64 // minor units
	Currency        string
	Metadata        map[string]string
}

// Kind returns the booking flow this confirmation belongs to
func (p PaymentConfirmation) Kind() string {
	return p.Metadata[MetadataKind]
}
