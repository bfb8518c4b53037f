package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/metrics"
)

// Sweep job names
const (
	JobAbandonedBookings = "abandoned_bookings"
	JobExpiredOffers     = "expired_offers"
)

// SweepResult is the outcome of one sweep. Err aggregates per-item failures;
// a failed item never stops the rest of the batch.
type SweepResult struct {
	Job       string        `json:"job"`
	Scanned   int           `json:"scanned"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"` // no longer matched when updated
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Errors returns the item failures as strings
func (r SweepResult) Errors() []string {
	if r.Err == nil {
		return nil
	}
	if merr, ok := r.Err.(*multierror.Error); ok {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{r.Err.Error()}
}

// SweeperService reconciles state left behind by abandoned checkouts and lapsed
// offers. Each item is updated with a statement that re-checks the selection
// predicate, so overlapping runs never release or archive twice.
type SweeperService struct {
	bookings BookingStore
	offers   OfferStore
	offerSvc *OfferService
	config   *config.SweeperConfig
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSweeperService creates a new SweeperService
func NewSweeperService(
	bookings BookingStore,
	offers OfferStore,
	offerSvc *OfferService,
	cfg *config.SweeperConfig,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *SweeperService {
	return &SweeperService{
		bookings: bookings,
		offers:   offers,
		offerSvc: offerSvc,
		config:   cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *SweeperService) finish(result *SweepResult, started time.Time) {
	result.Duration = time.Since(started)
	s.metrics.SweepDuration(result.Job, result.Duration.Seconds())

	entry := s.logger.WithFields(logrus.Fields{
		"job":       result.Job,
		"scanned":   result.Scanned,
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	})
	if result.Err != nil {
		s.metrics.SweepFailed(result.Job)
	}
	switch {
	case result.Err != nil && result.Failed == 0:
		entry.WithError(result.Err).Error("Sweep failed")
	case result.Failed > 0:
		entry.WithError(result.Err).Warn("Sweep finished with failures")
	case result.Scanned > 0:
		entry.Info("Sweep finished")
	default:
		entry.Debug("Sweep found nothing to do")
	}
}

func (s *SweeperService) record(result *SweepResult, itemResult string) {
	switch itemResult {
	case "processed":
		result.Processed++
	case "skipped":
		result.Skipped++
	case "failed":
		result.Failed++
	}
	s.metrics.SweepItem(result.Job, itemResult)
}

// SweepAbandonedBookings cancels pending bookings that never got a payment
// session within the grace window and gives their spots back
func (s *SweeperService) SweepAbandonedBookings(ctx context.Context) SweepResult {
	started := time.Now()
	result := SweepResult{Job: JobAbandonedBookings}
	defer s.finish(&result, started)

	cutoff := s.now().Add(-s.config.AbandonedGrace)
	bookings, err := s.bookings.ListAbandonedBookings(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		result.Err = fmt.Errorf("failed to list abandoned bookings: %w", err)
		return result
	}
	result.Scanned = len(bookings)

	var errs *multierror.Error
	for _, b := range bookings {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		log := s.logger.WithFields(logrus.Fields{
			"job":          result.Job,
			"booking_id":   b.ID,
			"reference":    b.Reference,
			"participants": b.Participants,
		})

		cancelled, err := s.bookings.CancelAbandonedBooking(ctx, b.ID, cutoff)
		switch {
		case err != nil:
			s.record(&result, "failed")
			errs = multierror.Append(errs, fmt.Errorf("booking %s: %w", b.Reference, err))
			log.WithError(err).Error("Failed to reclaim abandoned booking")
		case !cancelled:
			s.record(&result, "skipped")
			log.Debug("Booking no longer abandoned, skipped")
		default:
			s.record(&result, "processed")
			log.Info("Abandoned booking cancelled and spots released")
		}
	}
	result.Err = errs.ErrorOrNil()
	return result
}

// SweepExpiredOffers expires pending offers past their deadline, archives
// their draft tours and notes the expiry in the conversation
func (s *SweeperService) SweepExpiredOffers(ctx context.Context) SweepResult {
	started := time.Now()
	result := SweepResult{Job: JobExpiredOffers}
	defer s.finish(&result, started)

	now := s.now()
	offers, err := s.offers.ListExpiredPendingOffers(ctx, now, s.config.BatchSize)
	if err != nil {
		result.Err = fmt.Errorf("failed to list expired offers: %w", err)
		return result
	}
	result.Scanned = len(offers)

	var errs *multierror.Error
	for i := range offers {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		offer := &offers[i]
		log := s.logger.WithFields(logrus.Fields{
			"job":      result.Job,
			"offer_id": offer.ID,
		})

		expired, err := s.offerSvc.ExpireOverdue(ctx, offer, now)
		switch {
		case err != nil:
			s.record(&result, "failed")
			errs = multierror.Append(errs, fmt.Errorf("offer %s: %w", offer.ID, err))
			log.WithError(err).Error("Failed to expire offer")
		case !expired:
			s.record(&result, "skipped")
			log.Debug("Offer no longer pending, skipped")
		default:
			s.record(&result, "processed")
			log.Info("Offer expired")
		}
	}
	result.Err = errs.ErrorOrNil()
	return result
}
