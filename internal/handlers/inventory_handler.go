package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/models"
)

// defaultAvailabilityWindow is used when the caller gives no 'to' date
const defaultAvailabilityWindow = 90 * 24 * time.Hour

// InventoryService is the slot inventory used by InventoryHandler
type InventoryService interface {
	GetAvailability(ctx context.Context, tourID uuid.UUID, from, to time.Time) ([]models.SlotAvailability, error)
	Reserve(ctx context.Context, slotID uuid.UUID, count int, holdKey string) (*models.SlotHold, error)
	Release(ctx context.Context, slotID uuid.UUID, holdKey string) (int, error)
	CreateSlot(ctx context.Context, guideID, tourID uuid.UUID, req *models.CreateSlotRequest) (*models.TourDateSlot, error)
	UpdateSlotCapacity(ctx context.Context, guideID, slotID uuid.UUID, spotsTotal int) error
	DeleteSlot(ctx context.Context, guideID, slotID uuid.UUID) error
	ChangeSlotDate(ctx context.Context, guideID, slotID uuid.UUID, newDate time.Time) (int, error)
}

// InventoryHandler handles slot availability and capacity requests
type InventoryHandler struct {
	inventory InventoryService
	logger    *logrus.Logger
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(inventory InventoryService, logger *logrus.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventory: inventory,
		logger:    logger,
	}
}

// ReserveRequest is the body of a reserve call
type ReserveRequest struct {
	Count   int    `json:"count" binding:"required,min=1"`
	HoldKey string `json:"hold_key" binding:"required"`
}

// ReleaseRequest is the body of a release call
type ReleaseRequest struct {
	HoldKey string `json:"hold_key" binding:"required"`
}

// ChangeDateRequest moves a slot to a new date
type ChangeDateRequest struct {
	Date time.Time `json:"date" binding:"required"`
}

// UpdateCapacityRequest changes a slot's total spots
type UpdateCapacityRequest struct {
	SpotsTotal int `json:"spots_total" binding:"required,min=1"`
}

// parseDateQuery accepts YYYY-MM-DD or RFC 3339
func parseDateQuery(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// ============================================================================
// PUBLIC
// ============================================================================

// GetAvailability handles GET /api/v1/tours/:tour_id/availability?from=&to=
func (h *InventoryHandler) GetAvailability(c *gin.Context) {
	tourID, ok := uuidParam(c, "tour_id", "tour")
	if !ok {
		return
	}

	from := time.Now().UTC().Truncate(24 * time.Hour)
	if v := c.Query("from"); v != "" {
		parsed, err := parseDateQuery(v)
		if err != nil {
			badRequest(c, "validation_error", "Invalid 'from' date, expected YYYY-MM-DD")
			return
		}
		from = parsed
	}
	to := from.Add(defaultAvailabilityWindow)
	if v := c.Query("to"); v != "" {
		parsed, err := parseDateQuery(v)
		if err != nil {
			badRequest(c, "validation_error", "Invalid 'to' date, expected YYYY-MM-DD")
			return
		}
		// A bare date includes the whole day
		if len(v) == len("2006-01-02") {
			parsed = parsed.Add(24*time.Hour - time.Nanosecond)
		}
		to = parsed
	}

	slots, err := h.inventory.GetAvailability(c.Request.Context(), tourID, from, to)
	if err != nil {
		respondError(c, h.logger, err, "Failed to load availability")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tour_id": tourID,
		"from":    from,
		"to":      to,
		"slots":   slots,
		"total":   len(slots),
	})
}

// ============================================================================
// RESERVATIONS
// ============================================================================

// Reserve handles POST /api/v1/slots/:slot_id/reserve
func (h *InventoryHandler) Reserve(c *gin.Context) {
	slotID, ok := uuidParam(c, "slot_id", "slot")
	if !ok {
		return
	}
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	hold, err := h.inventory.Reserve(c.Request.Context(), slotID, req.Count, req.HoldKey)
	if err != nil {
		respondError(c, h.logger, err, "Failed to reserve spots")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"hold": hold,
	})
}

// Release handles POST /api/v1/slots/:slot_id/release
func (h *InventoryHandler) Release(c *gin.Context) {
	slotID, ok := uuidParam(c, "slot_id", "slot")
	if !ok {
		return
	}
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	released, err := h.inventory.Release(c.Request.Context(), slotID, req.HoldKey)
	if err != nil {
		respondError(c, h.logger, err, "Failed to release spots")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slot_id":  slotID,
		"hold_key": req.HoldKey,
		"released": released,
	})
}

// ============================================================================
// GUIDE SLOT MANAGEMENT
// ============================================================================

// ChangeSlotDate handles PATCH /api/v1/guide/slots/:slot_id/date
func (h *InventoryHandler) ChangeSlotDate(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	slotID, ok := uuidParam(c, "slot_id", "slot")
	if !ok {
		return
	}
	var req ChangeDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	notified, err := h.inventory.ChangeSlotDate(c.Request.Context(), userCtx.UserID, slotID, req.Date)
	if err != nil {
		respondError(c, h.logger, err, "Failed to change slot date")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slot_id":  slotID,
		"date":     req.Date.UTC(),
		"notified": notified,
	})
}

// CreateSlot handles POST /api/v1/guide/tours/:tour_id/slots
func (h *InventoryHandler) CreateSlot(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	tourID, ok := uuidParam(c, "tour_id", "tour")
	if !ok {
		return
	}
	var req models.CreateSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	slot, err := h.inventory.CreateSlot(c.Request.Context(), userCtx.UserID, tourID, &req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create slot")
		return
	}

	c.JSON(http.StatusCreated, slot)
}

// UpdateSlotCapacity handles PATCH /api/v1/guide/slots/:slot_id
func (h *InventoryHandler) UpdateSlotCapacity(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	slotID, ok := uuidParam(c, "slot_id", "slot")
	if !ok {
		return
	}
	var req UpdateCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "validation_error", "Invalid request body: "+err.Error())
		return
	}

	if err := h.inventory.UpdateSlotCapacity(c.Request.Context(), userCtx.UserID, slotID, req.SpotsTotal); err != nil {
		respondError(c, h.logger, err, "Failed to update slot capacity")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"slot_id":     slotID,
		"spots_total": req.SpotsTotal,
	})
}

// DeleteSlot handles DELETE /api/v1/guide/slots/:slot_id
func (h *InventoryHandler) DeleteSlot(c *gin.Context) {
	userCtx, ok := requireUser(c)
	if !ok {
		return
	}
	slotID, ok := uuidParam(c, "slot_id", "slot")
	if !ok {
		return
	}

	if err := h.inventory.DeleteSlot(c.Request.Context(), userCtx.UserID, slotID); err != nil {
		respondError(c, h.logger, err, "Failed to delete slot")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Slot deleted",
		"slot_id": slotID,
	})
}
