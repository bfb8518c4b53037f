package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/trailmarket/tour-engine/pkg/pricing"
)

// ============================================================================
// OFFER STATE MACHINE
// ============================================================================

// OfferStatus is the status of a custom tour offer
//
//	pending -> payment_pending -> accepted
//	pending | payment_pending -> declined
//	pending | payment_pending -> expired
//	payment_pending -> pending (payment session could not be created)
type OfferStatus string

const (
	OfferStatusPending        OfferStatus = "pending"
	OfferStatusPaymentPending OfferStatus = "payment_pending"
	OfferStatusAccepted       OfferStatus = "accepted"
	OfferStatusDeclined       OfferStatus = "declined"
	OfferStatusExpired        OfferStatus = "expired"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferStatusPending: {
		OfferStatusPaymentPending,
		OfferStatusDeclined,
		OfferStatusExpired,
	},
	OfferStatusPaymentPending: {
		OfferStatusAccepted,
		OfferStatusDeclined,
		OfferStatusExpired,
		OfferStatusPending,
	},
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	for _, allowed := range offerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is accepted, declined or expired
func (s OfferStatus) IsTerminal() bool {
	return len(offerTransitions[s]) == 0
}

// IsValid reports whether s is a known status
func (s OfferStatus) IsValid() bool {
	switch s {
	case OfferStatusPending, OfferStatusPaymentPending, OfferStatusAccepted, OfferStatusDeclined, OfferStatusExpired:
		return true
	}
	return false
}

// OfferSourceStates lists the statuses from which target can be entered
func OfferSourceStates(target OfferStatus) []string {
	var sources []string
	for from, targets := range offerTransitions {
		for _, t := range targets {
			if t == target {
				sources = append(sources, string(from))
			}
		}
	}
	sort.Strings(sources)
	return sources
}

// ============================================================================
// JSONB PAYLOAD TYPES
// ============================================================================

// PriceSnapshot is the breakdown captured when the offer was created
type PriceSnapshot pricing.Breakdown

func (p PriceSnapshot) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *PriceSnapshot) Scan(value interface{}) error {
	if value == nil {
		*p = PriceSnapshot{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for PriceSnapshot")
	}
	return json.Unmarshal(bytes, p)
}

// ============================================================================
// TOUR OFFER
// ============================================================================

// TourOffer is a guide-authored custom proposal accepted or declined through a bearer token
type TourOffer struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	ConversationID    uuid.UUID     `json:"conversation_id" db:"conversation_id"`
	GuideID           uuid.UUID     `json:"guide_id" db:"guide_id"`
	GuestEmail        string        `json:"guest_email" db:"guest_email"`
	GuestUserID       *uuid.UUID    `json:"guest_user_id,omitempty" db:"guest_user_id"`
	Title             string        `json:"title" db:"title"`
	Itinerary         *string       `json:"itinerary,omitempty" db:"itinerary"`
	MeetingPoint      *string       `json:"meeting_point,omitempty" db:"meeting_point"`
	TourDate          *time.Time    `json:"tour_date,omitempty" db:"tour_date"`
	Participants      int           `json:"participants" db:"participants"`
	PricePerPerson    float64       `json:"price_per_person" db:"price_per_person"`
	TotalPrice        float64       `json:"total_price" db:"total_price"`
	Currency          string        `json:"currency" db:"currency"`
	PricingSnapshot   PriceSnapshot `json:"pricing_snapshot" db:"pricing_snapshot"`
	TokenHash         string        `json:"-" db:"token_hash"`
	Status            OfferStatus   `json:"status" db:"status"`
	ExpiresAt         time.Time     `json:"expires_at" db:"expires_at"`
	CheckoutSessionID *string       `json:"-" db:"checkout_session_id"`
	AcceptedAt        *time.Time    `json:"accepted_at,omitempty" db:"accepted_at"`
	DeclinedAt        *time.Time    `json:"declined_at,omitempty" db:"declined_at"`
	DeclineReason     *string       `json:"decline_reason,omitempty" db:"decline_reason"`
	ExpiredAt         *time.Time    `json:"expired_at,omitempty" db:"expired_at"`
	BookingReference  *string       `json:"booking_reference,omitempty" db:"booking_reference"`
	DraftTourID       *uuid.UUID    `json:"draft_tour_id,omitempty" db:"draft_tour_id"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the offer's deadline has passed at now
func (o *TourOffer) IsExpired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// CreateOfferRequest is the guide input for a new offer
type CreateOfferRequest struct {
	ConversationID uuid.UUID  `json:"conversation_id" binding:"required"`
	GuestEmail     string     `json:"guest_email" binding:"required"`
	GuestUserID    *uuid.UUID `json:"guest_user_id,omitempty"`
	Title          string     `json:"title" binding:"required"`
	Itinerary      *string    `json:"itinerary,omitempty"`
	MeetingPoint   *string    `json:"meeting_point,omitempty"`
	TourDate       *time.Time `json:"tour_date,omitempty"`
	Participants   int        `json:"participants" binding:"required,min=1"`
	PricePerPerson float64    `json:"price_per_person" binding:"required,gt=0"`
	Currency       string     `json:"currency,omitempty"`
	DraftTourID    *uuid.UUID `json:"draft_tour_id,omitempty"`
}

// CreateOfferResponse carries the raw token. It is never stored and only returned here.
type CreateOfferResponse struct {
	OfferID   uuid.UUID     `json:"offer_id"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Pricing   PriceSnapshot `json:"pricing"`
}

// AcceptOfferResponse hands the guest over to the payment processor
type AcceptOfferResponse struct {
	OfferID     uuid.UUID   `json:"offer_id"`
	Status      OfferStatus `json:"status"`
	SessionID   string      `json:"session_id"`
	CheckoutURL string      `json:"checkout_url"`
	TotalPrice  float64     `json:"total_price"`
	PlatformFee float64     `json:"platform_fee"`
	Currency    string      `json:"currency"`
}

// DeclineOfferRequest is the optional body of a decline call
type DeclineOfferRequest struct {
	Reason string `json:"reason,omitempty"`
}
