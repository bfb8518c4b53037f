package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/services"
)

// SweepRunner runs the reconciliation sweeps on demand
type SweepRunner interface {
	RunAbandonedBookingsNow(ctx context.Context) services.SweepResult
	RunExpiredOffersNow(ctx context.Context) services.SweepResult
	GetJobStatus() map[string]interface{}
}

// AdminHandler handles admin-only maintenance requests
type AdminHandler struct {
	sweeps SweepRunner
	logger *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(sweeps SweepRunner, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		sweeps: sweeps,
		logger: logger,
	}
}

// ===================================================================
// SWEEPS
// ===================================================================

// SweepAbandonedBookings handles POST /api/v1/admin/sweeps/abandoned-bookings
func (h *AdminHandler) SweepAbandonedBookings(c *gin.Context) {
	h.respondSweep(c, h.sweeps.RunAbandonedBookingsNow(c.Request.Context()))
}

// SweepExpiredOffers handles POST /api/v1/admin/sweeps/expired-offers
func (h *AdminHandler) SweepExpiredOffers(c *gin.Context) {
	h.respondSweep(c, h.sweeps.RunExpiredOffersNow(c.Request.Context()))
}

// respondSweep reports item failures in the body; only a failed scan is a 500
func (h *AdminHandler) respondSweep(c *gin.Context, result services.SweepResult) {
	body := gin.H{
		"job":         result.Job,
		"scanned":     result.Scanned,
		"processed":   result.Processed,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if errs := result.Errors(); len(errs) > 0 {
		body["errors"] = errs
	}

	if result.Err != nil && result.Scanned == 0 {
		h.logger.WithError(result.Err).WithField("job", result.Job).Error("Manual sweep failed")
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// GetCronStatus handles GET /api/v1/admin/cron/status
func (h *AdminHandler) GetCronStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sweeps.GetJobStatus())
}
