package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/pkg/notify"
)

// InventoryService is the only way slot capacity changes. Reserve and release
// are single conditional updates in the store, so concurrent callers can never
// push spots_booked past spots_total.
type InventoryService struct {
	slots         SlotStore
	tours         TourStore
	notifications *NotificationService
	config        *config.InventoryConfig
	metrics       *metrics.Metrics
	logger        *logrus.Logger
	now           func() time.Time
}

// NewInventoryService creates a new InventoryService
func NewInventoryService(
	slots SlotStore,
	tours TourStore,
	notifications *NotificationService,
	cfg *config.InventoryConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *InventoryService {
	return &InventoryService{
		slots:         slots,
		tours:         tours,
		notifications: notifications,
		config:        cfg,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// ============================================================================
// AVAILABILITY
// ============================================================================

// GetAvailability lists the tour's slots in [from, to] with remaining spots
func (s *InventoryService) GetAvailability(ctx context.Context, tourID uuid.UUID, from, to time.Time) ([]models.SlotAvailability, error) {
	if to.Before(from) {
		return nil, models.NewValidationError("invalid_range", "'to' must not be before 'from'")
	}
	if s.config.MaxRangeDays > 0 && to.Sub(from) > time.Duration(s.config.MaxRangeDays)*24*time.Hour {
		return nil, models.NewValidationError("range_too_large",
			fmt.Sprintf("date range may span at most %d days", s.config.MaxRangeDays))
	}

	slots, err := s.slots.ListSlotsForTour(ctx, tourID, from, to)
	if err != nil {
		return nil, err
	}

	result := make([]models.SlotAvailability, 0, len(slots))
	for _, slot := range slots {
		result = append(result, models.SlotAvailability{
			Slot:           slot,
			SpotsRemaining: slot.SpotsRemaining(),
			Status:         slot.Availability(s.config.LimitedThreshold),
		})
	}
	return result, nil
}

// ============================================================================
// RESERVE / RELEASE
// ============================================================================

// Reserve takes count spots on the slot under holdKey. On CapacityExceeded
// nothing has changed. Reserving an active hold key again returns that hold.
func (s *InventoryService) Reserve(ctx context.Context, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error) {
	if count < 1 {
		return nil, models.NewValidationError("invalid_count", "count must be at least 1")
	}
	if strings.TrimSpace(holdKey) == "" {
		return nil, models.NewValidationError("missing_hold_key", "hold key is required")
	}

	hold, err := s.slots.Reserve(ctx, slotID, count, holdKey)
	if err != nil {
		s.metrics.Reservation("reserve", false)
		return nil, s.translate(ctx, slotID, err)
	}
	s.metrics.Reservation("reserve", true)

	s.logger.WithFields(logrus.Fields{
		"slot_id":  slotID,
		"hold_key": holdKey,
		"spots":    hold.Spots,
	}).Debug("Spots reserved")
	return hold, nil
}

// Release gives back the spots held under holdKey and returns how many were
// released. A second release of the same key returns 0 and changes nothing.
func (s *InventoryService) Release(ctx context.Context, slotID uuid.UUID, holdKey string) (int, error) {
	if strings.TrimSpace(holdKey) == "" {
		return 0, models.NewValidationError("missing_hold_key", "hold key is required")
	}

	released, err := s.slots.Release(ctx, slotID, holdKey)
	if err != nil {
		s.metrics.Reservation("release", false)
		return 0, err
	}
	s.metrics.Reservation("release", released > 0)

	s.logger.WithFields(logrus.Fields{
		"slot_id":  slotID,
		"hold_key": holdKey,
		"released": released,
	}).Debug("Spots released")
	return released, nil
}

// translate maps store errors to engine errors
func (s *InventoryService) translate(ctx context.Context, slotID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, database.ErrInsufficientCapacity):
		// The conditional update cannot tell a full slot from a missing one
		slot, getErr := s.slots.GetSlot(ctx, slotID)
		if getErr == nil && slot == nil {
			return models.NewNotFound("slot_not_found", "slot not found")
		}
		return models.NewCapacityExceeded("no spots left on this date")
	case errors.Is(err, database.ErrHoldKeyConflict):
		return models.NewStateConflict("hold_key_conflict", "hold key is already used for another slot")
	case errors.Is(err, database.ErrCapacityBelowBooked):
		return models.NewStateConflict("capacity_below_booked", "capacity cannot be lower than the spots already booked")
	case errors.Is(err, database.ErrSlotHasActiveHolds):
		return models.NewStateConflict("slot_has_bookings", "slot still has active bookings")
	case errors.Is(err, sql.ErrNoRows):
		return models.NewNotFound("slot_not_found", "slot not found")
	}
	return err
}

// ============================================================================
// GUIDE EDITS
// ============================================================================

// ownedSlot loads the slot and checks that its tour belongs to guideID
func (s *InventoryService) ownedSlot(ctx context.Context, guideID, slotID uuid.UUID) (*models.TourDateSlot, *models.Tour, error) {
	slot, err := s.slots.GetSlot(ctx, slotID)
	if err != nil {
		return nil, nil, err
	}
	if slot == nil {
		return nil, nil, models.NewNotFound("slot_not_found", "slot not found")
	}
	tour, err := s.ownedTour(ctx, guideID, slot.TourID)
	if err != nil {
		return nil, nil, err
	}
	return slot, tour, nil
}

func (s *InventoryService) ownedTour(ctx context.Context, guideID, tourID uuid.UUID) (*models.Tour, error) {
	tour, err := s.tours.GetTour(ctx, tourID)
	if err != nil {
		return nil, err
	}
	// Someone else's tour looks the same as a missing one
	if tour == nil || tour.GuideID != guideID {
		return nil, models.NewNotFound("tour_not_found", "tour not found")
	}
	return tour, nil
}

// CreateSlot publishes a new bookable date for one of the guide's tours
func (s *InventoryService) CreateSlot(ctx context.Context, guideID, tourID uuid.UUID, req *models.CreateSlotRequest) (*models.TourDateSlot, error) {
	tour, err := s.ownedTour(ctx, guideID, tourID)
	if err != nil {
		return nil, err
	}
	if req.SpotsTotal < 1 {
		return nil, models.NewValidationError("invalid_capacity", "spots_total must be at least 1")
	}
	if req.Date.Before(s.now()) {
		return nil, models.NewValidationError("date_in_past", "slot date must be in the future")
	}
	if req.PriceOverride != nil && *req.PriceOverride <= 0 {
		return nil, models.NewValidationError("invalid_price", "price_override must be positive")
	}
	if req.DiscountPercent != nil && (*req.DiscountPercent <= 0 || *req.DiscountPercent > 100) {
		return nil, models.NewValidationError("invalid_discount", "discount_percent must be in (0, 100]")
	}

	currency := req.Currency
	if currency == "" {
		currency = tour.Currency
	}
	slot := &models.TourDateSlot{
		TourID:          tourID,
		Date:            req.Date.UTC(),
		SpotsTotal:      req.SpotsTotal,
		PriceOverride:   req.PriceOverride,
		Currency:        strings.ToLower(currency),
		DiscountLabel:   req.DiscountLabel,
		DiscountPercent: req.DiscountPercent,
	}
	if err := s.slots.CreateSlot(ctx, slot); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"slot_id":     slot.ID,
		"tour_id":     tourID,
		"spots_total": slot.SpotsTotal,
	}).Info("Slot created")
	return slot, nil
}

// UpdateSlotCapacity changes spots_total; it is rejected below spots_booked
func (s *InventoryService) UpdateSlotCapacity(ctx context.Context, guideID, slotID uuid.UUID, spotsTotal int) error {
	if spotsTotal < 1 {
		return models.NewValidationError("invalid_capacity", "spots_total must be at least 1")
	}
	if _, _, err := s.ownedSlot(ctx, guideID, slotID); err != nil {
		return err
	}
	if err := s.slots.UpdateSlotCapacity(ctx, slotID, spotsTotal); err != nil {
		return s.translate(ctx, slotID, err)
	}
	return nil
}

// DeleteSlot removes a slot; it is rejected while any booking still holds spots
func (s *InventoryService) DeleteSlot(ctx context.Context, guideID, slotID uuid.UUID) error {
	if _, _, err := s.ownedSlot(ctx, guideID, slotID); err != nil {
		return err
	}
	if err := s.slots.DeleteSlot(ctx, slotID); err != nil {
		return s.translate(ctx, slotID, err)
	}
	s.logger.WithField("slot_id", slotID).Info("Slot deleted")
	return nil
}

// ChangeSlotDate moves the slot and alerts every non-cancelled booking holder.
// Capacity is untouched. Returns how many holders were notified.
func (s *InventoryService) ChangeSlotDate(ctx context.Context, guideID, slotID uuid.UUID, newDate time.Time) (int, error) {
	if newDate.Before(s.now()) {
		return 0, models.NewValidationError("date_in_past", "new date must be in the future")
	}
	slot, tour, err := s.ownedSlot(ctx, guideID, slotID)
	if err != nil {
		return 0, err
	}
	if err := s.slots.UpdateSlotDate(ctx, slotID, newDate.UTC()); err != nil {
		return 0, s.translate(ctx, slotID, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"slot_id":  slotID,
		"old_date": slot.Date,
		"new_date": newDate.UTC(),
	})
	log.Info("Slot date changed")

	holders, err := s.slots.ListActiveBookingHolders(ctx, slotID)
	if err != nil {
		// The move is committed; only the alerts are lost
		log.WithError(err).Error("Failed to load booking holders for date change alerts")
		return 0, nil
	}

	notified := 0
	for _, h := range holders {
		msg := notify.Message{
			Kind:           notify.KindSlotDateChanged,
			RecipientEmail: h.GuestEmail,
			Subject:        fmt.Sprintf("New date for %s", tour.Title),
			Data: map[string]string{
				"booking_reference": h.Reference,
				"tour_title":        tour.Title,
				"old_date":          slot.Date.Format(time.RFC3339),
				"new_date":          newDate.UTC().Format(time.RFC3339),
			},
		}
		if h.GuestName != nil {
			msg.RecipientName = *h.GuestName
		}
		if s.notifications.Send(ctx, msg) {
			notified++
		}
	}
	return notified, nil
}
