package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/pkg/notify"
)

// In-memory stores with the same conditional-update semantics as the
// PostgreSQL repositories: every mutation checks its predicate under one lock.

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ============================================================================
// SLOTS
// ============================================================================

type fakeSlotStore struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*models.TourDateSlot
	holds   map[string]*models.SlotHold
	holders map[uuid.UUID][]models.BookingHolder
}

func newFakeSlotStore() *fakeSlotStore {
	return &fakeSlotStore{
		slots:   make(map[uuid.UUID]*models.TourDateSlot),
		holds:   make(map[string]*models.SlotHold),
		holders: make(map[uuid.UUID][]models.BookingHolder),
	}
}

func (f *fakeSlotStore) addSlot(tourID uuid.UUID, date time.Time, total int) *models.TourDateSlot {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := &models.TourDateSlot{ID: uuid.New(), TourID: tourID, Date: date, SpotsTotal: total, Currency: "usd"}
	f.slots[slot.ID] = slot
	return slot
}

func (f *fakeSlotStore) booked(slotID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[slotID].SpotsBooked
}

func (f *fakeSlotStore) hold(key string) *models.SlotHold {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[key]; ok {
		c := *h
		return &c
	}
	return nil
}

func (f *fakeSlotStore) GetSlot(ctx context.Context, slotID uuid.UUID) (*models.TourDateSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[slotID]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (f *fakeSlotStore) ListSlotsForTour(ctx context.Context, tourID uuid.UUID, from, to time.Time) ([]models.TourDateSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.TourDateSlot{}
	for _, s := range f.slots {
		if s.TourID == tourID && !s.Date.Before(from) && !s.Date.After(to) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSlotStore) ListActiveBookingHolders(ctx context.Context, slotID uuid.UUID) ([]models.BookingHolder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BookingHolder(nil), f.holders[slotID]...), nil
}

func (f *fakeSlotStore) CreateSlot(ctx context.Context, slot *models.TourDateSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	c := *slot
	f.slots[slot.ID] = &c
	return nil
}

func (f *fakeSlotStore) UpdateSlotDate(ctx context.Context, slotID uuid.UUID, newDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[slotID]
	if !ok {
		return sql.ErrNoRows
	}
	s.Date = newDate
	return nil
}

func (f *fakeSlotStore) UpdateSlotCapacity(ctx context.Context, slotID uuid.UUID, spotsTotal int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.slots[slotID]
	if !ok {
		return sql.ErrNoRows
	}
	if s.SpotsBooked > spotsTotal {
		return database.ErrCapacityBelowBooked
	}
	s.SpotsTotal = spotsTotal
	return nil
}

func (f *fakeSlotStore) DeleteSlot(ctx context.Context, slotID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.slots[slotID]; !ok {
		return sql.ErrNoRows
	}
	for _, h := range f.holds {
		if h.SlotID == slotID && h.IsActive() {
			return database.ErrSlotHasActiveHolds
		}
	}
	delete(f.slots, slotID)
	return nil
}

func (f *fakeSlotStore) Reserve(ctx context.Context, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveLocked(slotID, count, holdKey)
}

func (f *fakeSlotStore) reserveLocked(slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error) {
	if h, ok := f.holds[holdKey]; ok {
		if h.SlotID != slotID {
			return nil, database.ErrHoldKeyConflict
		}
		if h.IsActive() {
			c := *h
			return &c, nil
		}
	}
	s, ok := f.slots[slotID]
	if !ok || s.SpotsBooked+count > s.SpotsTotal {
		return nil, database.ErrInsufficientCapacity
	}
	s.SpotsBooked += count
	h := &models.SlotHold{HoldKey: holdKey, SlotID: slotID, Spots: count, Status: models.HoldStatusHeld, CreatedAt: time.Now()}
	f.holds[holdKey] = h
	c := *h
	return &c, nil
}

func (f *fakeSlotStore) Release(ctx context.Context, slotID uuid.UUID, holdKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(slotID, holdKey), nil
}

func (f *fakeSlotStore) releaseLocked(slotID uuid.UUID, holdKey string) int {
	h, ok := f.holds[holdKey]
	if !ok || h.SlotID != slotID || h.Status == models.HoldStatusReleased {
		return 0
	}
	h.Status = models.HoldStatusReleased
	if s, ok := f.slots[slotID]; ok {
		s.SpotsBooked -= h.Spots
		if s.SpotsBooked < 0 {
			s.SpotsBooked = 0
		}
	}
	return h.Spots
}

// ============================================================================
// GUIDES & TOURS
// ============================================================================

type fakeTourStore struct {
	guides map[uuid.UUID]*models.Guide
	tours  map[uuid.UUID]*models.Tour
}

func newFakeTourStore() *fakeTourStore {
	return &fakeTourStore{
		guides: make(map[uuid.UUID]*models.Guide),
		tours:  make(map[uuid.UUID]*models.Tour),
	}
}

func (f *fakeTourStore) addGuide(payouts bool, settings models.PricingSettings) *models.Guide {
	account := "acct_test"
	g := &models.Guide{
		ID:              uuid.New(),
		DisplayName:     "Ana Trails",
		Email:           "guide@example.com",
		StripeAccountID: &account,
		PayoutsEnabled:  payouts,
		PricingSettings: settings,
	}
	f.guides[g.ID] = g
	return g
}

func (f *fakeTourStore) addTour(guideID uuid.UUID, basePrice float64) *models.Tour {
	t := &models.Tour{
		ID:        uuid.New(),
		GuideID:   guideID,
		Title:     "Ridge Walk",
		BasePrice: basePrice,
		Currency:  "usd",
		Status:    models.TourStatusPublished,
	}
	f.tours[t.ID] = t
	return t
}

func (f *fakeTourStore) GetGuide(ctx context.Context, guideID uuid.UUID) (*models.Guide, error) {
	if g, ok := f.guides[guideID]; ok {
		c := *g
		return &c, nil
	}
	return nil, nil
}

func (f *fakeTourStore) GetTour(ctx context.Context, tourID uuid.UUID) (*models.Tour, error) {
	if t, ok := f.tours[tourID]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

// ============================================================================
// BOOKINGS
// ============================================================================

type fakeBookingStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*models.Booking
	slots    *fakeSlotStore
	tours    *fakeTourStore
	now      func() time.Time
}

func newFakeBookingStore(slots *fakeSlotStore, tours *fakeTourStore) *fakeBookingStore {
	return &fakeBookingStore{
		bookings: make(map[uuid.UUID]*models.Booking),
		slots:    slots,
		tours:    tours,
		now:      time.Now,
	}
}

func (f *fakeBookingStore) get(id uuid.UUID) *models.Booking {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bookings[id]; ok {
		c := *b
		return &c
	}
	return nil
}

func (f *fakeBookingStore) put(b *models.Booking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *b
	f.bookings[b.ID] = &c
}

func (f *fakeBookingStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bookings)
}

func (f *fakeBookingStore) GetBookingByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return f.get(id), nil
}

func (f *fakeBookingStore) GetBookingByReference(ctx context.Context, reference string) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.Reference == reference {
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeBookingStore) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	b, _ := f.GetBookingByReference(ctx, reference)
	return b != nil, nil
}

func (f *fakeBookingStore) GetBookingGuideID(ctx context.Context, bookingID uuid.UUID) (uuid.UUID, error) {
	b := f.get(bookingID)
	if b == nil || b.SlotID == nil {
		return uuid.Nil, nil
	}
	slot, _ := f.slots.GetSlot(ctx, *b.SlotID)
	if slot == nil {
		return uuid.Nil, nil
	}
	tour, _ := f.tours.GetTour(ctx, slot.TourID)
	if tour == nil {
		return uuid.Nil, nil
	}
	return tour.GuideID, nil
}

func abandoned(b *models.Booking, cutoff time.Time) bool {
	return b.PaymentStatus == models.PaymentStatusPending &&
		b.CheckoutSessionID == nil &&
		b.Status != models.BookingStatusCancelled &&
		b.CreatedAt.Before(cutoff)
}

func (f *fakeBookingStore) ListAbandonedBookings(ctx context.Context, cutoff time.Time, limit int) ([]models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Booking{}
	for _, b := range f.bookings {
		if abandoned(b, cutoff) && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBookingStore) CreatePendingSlotBooking(ctx context.Context, booking *models.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.Reference == booking.Reference {
			return database.ErrDuplicateReference
		}
	}
	f.slots.mu.Lock()
	_, err := f.slots.reserveLocked(*booking.SlotID, booking.Participants, booking.HoldKey())
	f.slots.mu.Unlock()
	if err != nil {
		return err
	}
	booking.Status = models.BookingStatusPending
	booking.PaymentStatus = models.PaymentStatusPending
	booking.CreatedAt = f.now()
	c := *booking
	f.bookings[booking.ID] = &c
	return nil
}

func (f *fakeBookingStore) AttachCheckoutSession(ctx context.Context, bookingID uuid.UUID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[bookingID]
	if !ok || b.Status != models.BookingStatusPending {
		return database.ErrBookingNotCancellable
	}
	b.CheckoutSessionID = &sessionID
	return nil
}

// cancelLocked mirrors cancelWhere: flip to cancelled, release the hold once
func (f *fakeBookingStore) cancelLocked(b *models.Booking, p database.CancelParams) {
	now := time.Now()
	b.Status = models.BookingStatusCancelled
	b.CancelledAt = &now
	actor := p.Actor
	b.CancelledBy = &actor
	if p.Reason != "" {
		reason := p.Reason
		b.CancellationReason = &reason
	}
	if b.PaymentStatus == models.PaymentStatusPending {
		b.PaymentStatus = models.PaymentStatusFailed
	}
	if b.SlotID != nil {
		f.slots.mu.Lock()
		f.slots.releaseLocked(*b.SlotID, b.HoldKey())
		f.slots.mu.Unlock()
	}
}

func (f *fakeBookingStore) CancelBooking(ctx context.Context, bookingID uuid.UUID, p database.CancelParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[bookingID]
	if !ok || !b.Status.CanTransitionTo(models.BookingStatusCancelled) {
		return false, nil
	}
	f.cancelLocked(b, p)
	return true, nil
}

func (f *fakeBookingStore) CancelAbandonedBooking(ctx context.Context, bookingID uuid.UUID, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[bookingID]
	if !ok || !abandoned(b, cutoff) {
		return false, nil
	}
	f.cancelLocked(b, database.CancelParams{Actor: models.ActorSystem, Reason: "checkout abandoned"})
	return true, nil
}

func (f *fakeBookingStore) CancelExpiredCheckout(ctx context.Context, sessionID string) (*models.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bookings {
		if b.CheckoutSessionID != nil && *b.CheckoutSessionID == sessionID &&
			b.Status == models.BookingStatusPending && b.PaymentStatus == models.PaymentStatusPending {
			f.cancelLocked(b, database.CancelParams{Actor: models.ActorSystem, Reason: "checkout session expired"})
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

// ============================================================================
// OFFERS
// ============================================================================

type fakeOfferStore struct {
	mu       sync.Mutex
	offers   map[uuid.UUID]*models.TourOffer
	archived map[uuid.UUID]bool
	failIDs  map[uuid.UUID]bool // ExpireOfferAndArchiveDraft fails for these
	listErr  error              // returned by ListExpiredPendingOffers when set
}

func newFakeOfferStore() *fakeOfferStore {
	return &fakeOfferStore{
		offers:   make(map[uuid.UUID]*models.TourOffer),
		archived: make(map[uuid.UUID]bool),
		failIDs:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeOfferStore) get(id uuid.UUID) *models.TourOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.offers[id]; ok {
		c := *o
		return &c
	}
	return nil
}

func (f *fakeOfferStore) find(pred func(*models.TourOffer) bool) *models.TourOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.offers {
		if pred(o) {
			c := *o
			return &c
		}
	}
	return nil
}

// cas applies fn when the offer's status can move to target and extra holds
func (f *fakeOfferStore) cas(id uuid.UUID, target models.OfferStatus, extra func(*models.TourOffer) bool, fn func(*models.TourOffer)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok || !o.Status.CanTransitionTo(target) || (extra != nil && !extra(o)) {
		return false
	}
	o.Status = target
	if fn != nil {
		fn(o)
	}
	return true
}

func (f *fakeOfferStore) CreateOffer(ctx context.Context, offer *models.TourOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	offer.Status = models.OfferStatusPending
	offer.CreatedAt = time.Now()
	c := *offer
	f.offers[offer.ID] = &c
	return nil
}

func (f *fakeOfferStore) GetOfferByTokenHash(ctx context.Context, tokenHash string) (*models.TourOffer, error) {
	return f.find(func(o *models.TourOffer) bool { return o.TokenHash == tokenHash }), nil
}

func (f *fakeOfferStore) GetOfferByID(ctx context.Context, id uuid.UUID) (*models.TourOffer, error) {
	return f.get(id), nil
}

func (f *fakeOfferStore) GetOfferByCheckoutSession(ctx context.Context, sessionID string) (*models.TourOffer, error) {
	return f.find(func(o *models.TourOffer) bool {
		return o.CheckoutSessionID != nil && *o.CheckoutSessionID == sessionID
	}), nil
}

func (f *fakeOfferStore) ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]models.TourOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []models.TourOffer{}
	for _, o := range f.offers {
		if o.Status == models.OfferStatusPending && o.ExpiresAt.Before(now) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOfferStore) MarkPaymentPending(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	return f.cas(offerID, models.OfferStatusPaymentPending,
		func(o *models.TourOffer) bool { return o.ExpiresAt.After(now) }, nil), nil
}

func (f *fakeOfferStore) AttachCheckoutSession(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[offerID]
	if !ok || o.Status != models.OfferStatusPaymentPending {
		return false, nil
	}
	o.CheckoutSessionID = &sessionID
	return true, nil
}

func (f *fakeOfferStore) RevertToPending(ctx context.Context, offerID uuid.UUID) (bool, error) {
	return f.cas(offerID, models.OfferStatusPending, nil, func(o *models.TourOffer) {
		o.CheckoutSessionID = nil
	}), nil
}

func (f *fakeOfferStore) MarkDeclined(ctx context.Context, offerID uuid.UUID, reason *string, now time.Time) (bool, error) {
	return f.cas(offerID, models.OfferStatusDeclined,
		func(o *models.TourOffer) bool { return o.ExpiresAt.After(now) },
		func(o *models.TourOffer) {
			o.DeclinedAt = &now
			o.DeclineReason = reason
		}), nil
}

func (f *fakeOfferStore) MarkPaymentAbandoned(ctx context.Context, offerID uuid.UUID, sessionID string) (bool, error) {
	return f.cas(offerID, models.OfferStatusDeclined,
		func(o *models.TourOffer) bool {
			return o.Status == models.OfferStatusPaymentPending &&
				o.CheckoutSessionID != nil && *o.CheckoutSessionID == sessionID
		}, nil), nil
}

func (f *fakeOfferStore) MarkExpired(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	return f.cas(offerID, models.OfferStatusExpired,
		func(o *models.TourOffer) bool { return !o.ExpiresAt.After(now) },
		func(o *models.TourOffer) { o.ExpiredAt = &now }), nil
}

func (f *fakeOfferStore) ExpireOfferAndArchiveDraft(ctx context.Context, offerID uuid.UUID, now time.Time) (bool, error) {
	if f.failIDs[offerID] {
		return false, errors.New("connection reset")
	}
	ok := f.cas(offerID, models.OfferStatusExpired,
		func(o *models.TourOffer) bool {
			return o.Status == models.OfferStatusPending && o.ExpiresAt.Before(now)
		},
		func(o *models.TourOffer) { o.ExpiredAt = &now })
	if ok {
		f.mu.Lock()
		if draft := f.offers[offerID].DraftTourID; draft != nil {
			f.archived[*draft] = true
		}
		f.mu.Unlock()
	}
	return ok, nil
}

// ============================================================================
// PAYMENT EVENTS
// ============================================================================

type fakePaymentEventStore struct {
	mu       sync.Mutex
	seen     map[string]uuid.UUID
	bookings *fakeBookingStore
	offers   *fakeOfferStore
}

func newFakePaymentEventStore(bookings *fakeBookingStore, offers *fakeOfferStore) *fakePaymentEventStore {
	return &fakePaymentEventStore{
		seen:     make(map[string]uuid.UUID),
		bookings: bookings,
		offers:   offers,
	}
}

func (f *fakePaymentEventStore) ConfirmSlotBooking(ctx context.Context, c models.PaymentConfirmation, bookingID uuid.UUID) (*database.MaterializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.seen[c.ConfirmationID]; ok {
		return &database.MaterializeResult{Duplicate: true, Booking: f.bookings.get(id)}, nil
	}

	f.bookings.mu.Lock()
	defer f.bookings.mu.Unlock()
	b, ok := f.bookings.bookings[bookingID]
	if !ok {
		return nil, fmt.Errorf("failed to lock booking: %w", sql.ErrNoRows)
	}
	f.seen[c.ConfirmationID] = bookingID
	session := c.ConfirmationID
	b.CheckoutSessionID = &session
	b.PaymentStatus = models.PaymentStatusSucceeded

	result := &database.MaterializeResult{}
	if b.Status == models.BookingStatusCancelled {
		result.Outcome = models.PaymentOutcomeRefundRequired
	} else {
		slots := f.bookings.slots
		slots.mu.Lock()
		h, held := slots.holds[b.HoldKey()]
		switch {
		case held && h.Status == models.HoldStatusHeld:
			h.Status = models.HoldStatusConfirmed
			b.Status = models.BookingStatusConfirmed
			result.Outcome = models.PaymentOutcomeBookingConfirmed
		case held && h.Status == models.HoldStatusConfirmed:
			b.Status = models.BookingStatusConfirmed
			result.Outcome = models.PaymentOutcomeBookingConfirmed
		default:
			if _, err := slots.reserveLocked(*b.SlotID, b.Participants, b.HoldKey()); err != nil {
				b.Status = models.BookingStatusCancelled
				result.Outcome = models.PaymentOutcomeCapacityLost
			} else {
				slots.holds[b.HoldKey()].Status = models.HoldStatusConfirmed
				b.Status = models.BookingStatusConfirmed
				result.Outcome = models.PaymentOutcomeBookingConfirmed
			}
		}
		slots.mu.Unlock()
	}
	c2 := *b
	result.Booking = &c2
	return result, nil
}

func (f *fakePaymentEventStore) ConfirmOfferBooking(ctx context.Context, c models.PaymentConfirmation, offerID uuid.UUID, reference string) (*database.MaterializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.seen[c.ConfirmationID]; ok {
		return &database.MaterializeResult{Duplicate: true, Booking: f.bookings.get(id)}, nil
	}
	offer := f.offers.get(offerID)
	if offer == nil {
		return nil, fmt.Errorf("failed to lock offer: %w", sql.ErrNoRows)
	}

	session := c.ConfirmationID
	booking := &models.Booking{
		ID:                uuid.New(),
		Reference:         reference,
		OfferID:           &offer.ID,
		GuestEmail:        offer.GuestEmail,
		Participants:      offer.Participants,
		TotalPrice:        offer.TotalPrice,
		Currency:          offer.Currency,
		Status:            models.BookingStatusConfirmed,
		PaymentStatus:     models.PaymentStatusSucceeded,
		CheckoutSessionID: &session,
		CreatedAt:         time.Now(),
	}
	result := &database.MaterializeResult{Outcome: models.PaymentOutcomeOfferAccepted}
	accepted := f.offers.cas(offerID, models.OfferStatusAccepted,
		func(o *models.TourOffer) bool { return o.Status == models.OfferStatusPaymentPending },
		func(o *models.TourOffer) {
			now := time.Now()
			o.AcceptedAt = &now
			o.BookingReference = &reference
		})
	if !accepted {
		booking.Status = models.BookingStatusCancelled
		result.Outcome = models.PaymentOutcomeRefundRequired
	}
	f.bookings.put(booking)
	f.seen[c.ConfirmationID] = booking.ID

	result.Booking = booking
	result.Offer = f.offers.get(offerID)
	return result, nil
}

// ============================================================================
// COLLABORATORS
// ============================================================================

type fakeConversations struct {
	mu       sync.Mutex
	messages map[uuid.UUID][]string
	fail     bool
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{messages: make(map[uuid.UUID][]string)}
}

func (f *fakeConversations) PostSystemMessage(ctx context.Context, conversationID uuid.UUID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("conversation store unavailable")
	}
	f.messages[conversationID] = append(f.messages[conversationID], body)
	return nil
}

func (f *fakeConversations) count(conversationID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[conversationID])
}

type fakeGateway struct {
	mu       sync.Mutex
	fail     bool
	created  []CheckoutParams
	expired  []string
	sequence int
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("processor unavailable")
	}
	f.sequence++
	f.created = append(f.created, p)
	id := fmt.Sprintf("cs_test_%d", f.sequence)
	return &CheckoutSession{ID: id, URL: "https://checkout.test/" + id, ExpiresAt: p.ExpiresAt}, nil
}

func (f *fakeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, sessionID)
	return nil
}

func (f *fakeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeGateway) sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (d *recordingDispatcher) Send(ctx context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("broker down")
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDispatcher) GetName() string { return "recording" }

func (d *recordingDispatcher) Close() error { return nil }

func (d *recordingDispatcher) kinds() []notify.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Kind, 0, len(d.sent))
	for _, m := range d.sent {
		out = append(out, m.Kind)
	}
	return out
}

// ============================================================================
// HARNESS
// ============================================================================

type testEnv struct {
	now           time.Time
	slots         *fakeSlotStore
	tours         *fakeTourStore
	bookings      *fakeBookingStore
	offers        *fakeOfferStore
	events        *fakePaymentEventStore
	conversations *fakeConversations
	gateway       *fakeGateway
	dispatcher    *recordingDispatcher

	inventory  *InventoryService
	offerSvc   *OfferService
	bookingSvc *BookingService
	sweeper    *SweeperService
}

func newTestEnv() *testEnv {
	env := &testEnv{
		now:           time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		slots:         newFakeSlotStore(),
		tours:         newFakeTourStore(),
		offers:        newFakeOfferStore(),
		conversations: newFakeConversations(),
		gateway:       &fakeGateway{},
		dispatcher:    &recordingDispatcher{},
	}
	env.bookings = newFakeBookingStore(env.slots, env.tours)
	env.events = newFakePaymentEventStore(env.bookings, env.offers)

	logger := testLogger()
	clock := func() time.Time { return env.now }
	env.bookings.now = clock
	notifications := NewNotificationService(env.dispatcher, nil, logger)

	paymentCfg := &config.PaymentConfig{
		PlatformFeePercent: 10,
		SuccessURL:         "https://app.test/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "https://app.test/cancel",
		SessionTTL:         30 * time.Minute,
	}
	pricingCfg := &config.PricingConfig{MaxDiscountPercent: 40, FloorPrice: 20}

	env.inventory = NewInventoryService(env.slots, env.tours, notifications,
		&config.InventoryConfig{LimitedThreshold: 3, MaxRangeDays: 366}, nil, logger)
	env.inventory.now = clock

	env.offerSvc = NewOfferService(env.offers, env.tours, env.conversations, env.gateway, notifications,
		&config.OfferConfig{TTL: 7 * 24 * time.Hour, TokenBytes: 32}, paymentCfg, pricingCfg, nil, logger)
	env.offerSvc.now = clock

	env.bookingSvc = NewBookingService(env.bookings, env.slots, env.tours, env.events, env.conversations,
		env.gateway, notifications, &config.BookingConfig{ReferencePrefix: "HIKE"}, paymentCfg, pricingCfg, nil, logger)
	env.bookingSvc.now = clock

	env.sweeper = NewSweeperService(env.bookings, env.offers, env.offerSvc,
		&config.SweeperConfig{AbandonedGrace: 30 * time.Minute, BatchSize: 100}, nil, logger)
	env.sweeper.now = clock
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}
