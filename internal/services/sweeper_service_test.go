package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/pkg/notify"
)

// pendingWithoutSession stores a pending booking whose checkout session never
// got attached, the shape a crashed checkout leaves behind
func pendingWithoutSession(t *testing.T, env *testEnv, slot *models.TourDateSlot, participants int) *models.Booking {
	t.Helper()
	booking := &models.Booking{
		ID:           uuid.New(),
		Reference:    "HIKE-2026-" + uuid.NewString()[:6],
		SlotID:       &slot.ID,
		GuestEmail:   "guest@example.com",
		Participants: participants,
		TotalPrice:   100,
		Currency:     "usd",
	}
	require.NoError(t, env.bookings.CreatePendingSlotBooking(context.Background(), booking))
	return booking
}

func TestSweeperService_SweepAbandonedBookings(t *testing.T) {
	ctx := context.Background()

	t.Run("Reclaims Past The Grace Window", func(t *testing.T) {
		env := newTestEnv()
		slot := env.slots.addSlot(uuid.New(), env.now.Add(5*24*time.Hour), 6)
		stale := pendingWithoutSession(t, env, slot, 2)
		env.advance(31 * time.Minute)
		fresh := pendingWithoutSession(t, env, slot, 1)
		require.Equal(t, 3, env.slots.booked(slot.ID))

		result := env.sweeper.SweepAbandonedBookings(ctx)

		require.NoError(t, result.Err)
		assert.Equal(t, JobAbandonedBookings, result.Job)
		assert.Equal(t, 1, result.Scanned)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, env.slots.booked(slot.ID))

		reclaimed := env.bookings.get(stale.ID)
		assert.Equal(t, models.BookingStatusCancelled, reclaimed.Status)
		assert.Equal(t, models.PaymentStatusFailed, reclaimed.PaymentStatus)
		require.NotNil(t, reclaimed.CancelledBy)
		assert.Equal(t, models.ActorSystem, *reclaimed.CancelledBy)
		assert.Equal(t, models.BookingStatusPending, env.bookings.get(fresh.ID).Status)

		again := env.sweeper.SweepAbandonedBookings(ctx)
		assert.Zero(t, again.Scanned)
		assert.Equal(t, 1, env.slots.booked(slot.ID))
	})

	t.Run("Bookings With A Session Are Left To The Processor", func(t *testing.T) {
		env := newTestEnv()
		guide := env.tours.addGuide(true, models.PricingSettings{})
		tour := env.tours.addTour(guide.ID, 50)
		slot := env.slots.addSlot(tour.ID, env.now.Add(5*24*time.Hour), 6)
		_, err := env.bookingSvc.StartCheckout(ctx, &models.CheckoutRequest{
			SlotID: slot.ID, Participants: 2, GuestEmail: "guest@example.com",
		})
		require.NoError(t, err)
		env.advance(2 * time.Hour)

		result := env.sweeper.SweepAbandonedBookings(ctx)
		assert.Zero(t, result.Scanned)
		assert.Equal(t, 2, env.slots.booked(slot.ID))
	})

	t.Run("Overlapping Runs Release Once", func(t *testing.T) {
		env := newTestEnv()
		slot := env.slots.addSlot(uuid.New(), env.now.Add(5*24*time.Hour), 6)
		for i := 0; i < 3; i++ {
			pendingWithoutSession(t, env, slot, 2)
		}
		env.advance(time.Hour)

		done := make(chan SweepResult, 2)
		for i := 0; i < 2; i++ {
			go func() { done <- env.sweeper.SweepAbandonedBookings(ctx) }()
		}
		first, second := <-done, <-done

		assert.Equal(t, 3, first.Processed+second.Processed)
		assert.Equal(t, 0, env.slots.booked(slot.ID))
	})
}

func TestSweeperService_SweepExpiredOffers(t *testing.T) {
	ctx := context.Background()

	t.Run("Offer Lapses After Its Window", func(t *testing.T) {
		env := newTestEnv()
		guide := env.tours.addGuide(true, models.PricingSettings{})
		draft := uuid.New()
		req := newOfferRequest(uuid.New())
		req.DraftTourID = &draft
		offer, err := env.offerSvc.CreateOffer(ctx, guide.ID, req)
		require.NoError(t, err)

		result := env.sweeper.SweepExpiredOffers(ctx)
		assert.Zero(t, result.Scanned)
		assert.Equal(t, models.OfferStatusPending, env.offers.get(offer.OfferID).Status)

		env.advance(7*24*time.Hour + time.Minute)
		result = env.sweeper.SweepExpiredOffers(ctx)

		require.NoError(t, result.Err)
		assert.Equal(t, 1, result.Processed)
		stored := env.offers.get(offer.OfferID)
		assert.Equal(t, models.OfferStatusExpired, stored.Status)
		assert.NotNil(t, stored.ExpiredAt)
		assert.True(t, env.offers.archived[draft])
		assert.Equal(t, 2, env.conversations.count(req.ConversationID))
		assert.Contains(t, env.dispatcher.kinds(), notify.KindOfferExpired)

		_, err = env.offerSvc.Accept(ctx, offer.Token)
		assertEngineError(t, err, models.KindStateConflict, "offer_expired")

		again := env.sweeper.SweepExpiredOffers(ctx)
		assert.Zero(t, again.Scanned)
	})

	t.Run("One Failure Does Not Stop The Batch", func(t *testing.T) {
		env := newTestEnv()
		guide := env.tours.addGuide(true, models.PricingSettings{})
		broken, _ := createTestOffer(t, env, guide)
		healthy, _ := createTestOffer(t, env, guide)
		env.offers.failIDs[broken.OfferID] = true
		env.advance(8 * 24 * time.Hour)

		result := env.sweeper.SweepExpiredOffers(ctx)

		assert.Equal(t, 2, result.Scanned)
		assert.Equal(t, 1, result.Processed)
		assert.Equal(t, 1, result.Failed)
		require.Error(t, result.Err)
		require.Len(t, result.Errors(), 1)
		assert.Contains(t, result.Errors()[0], broken.OfferID.String())
		assert.Equal(t, models.OfferStatusExpired, env.offers.get(healthy.OfferID).Status)
		assert.Equal(t, models.OfferStatusPending, env.offers.get(broken.OfferID).Status)

		delete(env.offers.failIDs, broken.OfferID)
		retry := env.sweeper.SweepExpiredOffers(ctx)
		assert.Equal(t, 1, retry.Processed)
		assert.Equal(t, models.OfferStatusExpired, env.offers.get(broken.OfferID).Status)
	})

	t.Run("Payment In Progress Is Not Swept", func(t *testing.T) {
		env := newTestEnv()
		guide := env.tours.addGuide(true, models.PricingSettings{})
		offer, _ := createTestOffer(t, env, guide)
		_, err := env.offerSvc.Accept(ctx, offer.Token)
		require.NoError(t, err)
		env.advance(8 * 24 * time.Hour)

		result := env.sweeper.SweepExpiredOffers(ctx)
		assert.Zero(t, result.Scanned)
		assert.Equal(t, models.OfferStatusPaymentPending, env.offers.get(offer.OfferID).Status)
	})
}

func TestSweeperService_SelectionFailureIsReported(t *testing.T) {
	env := newTestEnv()
	env.offers.listErr = errors.New("db down")

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := metrics.New()
	sweeper := NewSweeperService(env.bookings, env.offers, env.offerSvc,
		&config.SweeperConfig{AbandonedGrace: 30 * time.Minute, BatchSize: 100}, m, logger)

	result := sweeper.SweepExpiredOffers(context.Background())

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "db down")
	assert.Zero(t, result.Scanned)
	assert.Zero(t, result.Failed)

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "Sweep failed", entry.Message)
	assert.Equal(t, JobExpiredOffers, entry.Data["job"])
	require.Contains(t, entry.Data, logrus.ErrorKey)
	assert.Contains(t, entry.Data[logrus.ErrorKey].(error).Error(), "db down")

	expected := `
# HELP tour_engine_sweep_failures_total Sweep runs that ended with an error.
# TYPE tour_engine_sweep_failures_total counter
tour_engine_sweep_failures_total{job="expired_offers"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "tour_engine_sweep_failures_total"))

	env.offers.listErr = nil
	hook.Reset()
	ok := sweeper.SweepExpiredOffers(context.Background())
	require.NoError(t, ok.Err)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}
