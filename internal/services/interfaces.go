package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/models"
)

// Store contracts consumed by the services. The database package provides the
// PostgreSQL implementations; tests use in-memory fakes.

type SlotStore interface {
	GetSlot(ctx context.Context, slotID uuid.UUID) (*models.TourDateSlot, error)
	ListSlotsForTour(ctx context.Context, tourID uuid.UUID, from, to time.Time) ([]models.TourDateSlot, error)
	ListActiveBookingHolders(ctx context.Context, slotID uuid.UUID) ([]models.BookingHolder, error)
	CreateSlot(ctx context.Context, slot *models.TourDateSlot) error
	UpdateSlotDate(ctx context.Context, slotID uuid.UUID, newDate time.Time) error
	UpdateSlotCapacity(ctx context.Context, slotID uuid.UUID, spotsTotal int) error
	DeleteSlot(ctx context.Context, slotID uuid.UUID) error
	Reserve(ctx context.Context, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error)
	Release(ctx context.Context, slotID uuid.UUID, holdKey string) (int, error)
}

type TourStore interface {
	GetGuide(ctx context.Context, guideID uuid.UUID) (*models.Guide, error)
	GetTour(ctx context.Context, tourID uuid.UUID) (*models.Tour, error)
}

type BookingStore interface {
	GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	GetBookingGuideID(ctx context.Context, bookingID uuid.UUID) (uuid.UUID, error)
	ListAbandonedBookings(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error)
	CreatePendingSlotBooking(ctx context.Context, booking *models.Booking) error
	AttachCheckoutSession(ctx context.Context, bookingID uuid.UUID, sessionID string) error
	CancelBooking(ctx context.Context, bookingID uuid.UUID, p database.CancelParams) (bool, error)
	CancelAbandonedBooking(ctx context.Context, bookingID uuid.UUID, cutoff time.Time) (bool, error)
	CancelExpiredCheckout(ctx context.Context, sessionID string) (*models.Booking, error)
}

type OfferStore interface {
	CreateOffer(ctx context.Context, offer *models.TourOffer) error
	GetOfferByTokenHash(ctx context.Context, tokenHash string) (*models.TourOffer, error)
	GetOfferByID(ctx context.Context, id uuid.UUID) (*models.TourOffer, error)
	GetOfferByCheckoutSession(ctx context.Context, sessionID string) (*models.TourOffer, error)
	ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]models.TourOffer, error)
	MarkPaymentPending(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error)
	AttachCheckoutSession(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error)
	RevertToPending(ctx context.Context, offerID uuid.UUID) (bool, error)
	MarkDeclined(ctx context.Context, offerID uuid.UUID, reason *string, now time.Time) (bool, error)
	MarkPaymentAbandoned(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error)
	MarkExpired(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error)
	ExpireOfferAndArchiveDraft(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error)
}

type PaymentEventStore interface {
	ConfirmSlotBooking(ctx context.Context, c models.PaymentConfirmation, bookingID uuid.UUID) (*database.MaterializeResult, error)
	ConfirmOfferBooking(ctx context.Context, c models.PaymentConfirmation, offerID uuid.UUID, reference string) (*database.MaterializeResult, error)
}

type ConversationStore interface {
	PostSystemMessage(ctx context.Context, conversationID uuid.UUID, body string) error
}

// ============================================================================
// PAYMENT PROCESSOR
// ============================================================================

// CheckoutParams describes one hosted checkout session. Amounts are in major units.
type CheckoutParams struct {
	Amount             float64
	Currency           string
	FeeAmount          float64
	DestinationAccount string
	SuccessURL         string
	CancelURL          string
	Description        string
	CustomerEmail      string
	ExpiresAt          time.Time
	Metadata           map[string]string
}

// CheckoutSession is the processor's handle for a created session
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// WebhookEventType is the subset of processor events the engine consumes
type WebhookEventType string

const (
	WebhookCheckoutCompleted WebhookEventType = "checkout.session.completed"
	WebhookCheckoutExpired   WebhookEventType = "checkout.session.expired"
	WebhookIgnored           WebhookEventType = "ignored"
)

// WebhookEvent is a verified processor callback
type WebhookEvent struct {
	Type         WebhookEventType
	RawType      string
	SessionID    string
	Metadata     map[string]string
	Confirmation *models.PaymentConfirmation // set for completed, paid sessions
}

// PaymentGateway is the payment processor contract
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
