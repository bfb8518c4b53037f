package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
)

// sweepTimeout bounds a single scheduled sweep
const sweepTimeout = 2 * time.Minute

// CronService manages the scheduled reconciliation sweeps
type CronService struct {
	cron    *cron.Cron
	sweeper *SweeperService
	locker  RunLocker // optional
	config  *config.SweeperConfig
	logger  *logrus.Logger
	jobs    map[cron.EntryID]string
}

// NewCronService creates a new CronService. locker may be nil.
func NewCronService(sweeper *SweeperService, locker RunLocker, cfg *config.SweeperConfig, logger *logrus.Logger) *CronService {
	// Seconds precision: "0 * * * * *" runs at second 0 of every minute.
	// SkipIfStillRunning keeps a slow sweep from overlapping itself in this process.
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &CronService{
		cron:    c,
		sweeper: sweeper,
		locker:  locker,
		config:  cfg,
		logger:  logger,
		jobs:    make(map[cron.EntryID]string),
	}
}

// Start schedules both sweeps and starts the scheduler
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	id, err := s.cron.AddFunc(s.config.AbandonedSchedule, func() {
		s.runLocked(JobAbandonedBookings, s.sweeper.SweepAbandonedBookings)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule abandoned booking sweep: %w", err)
	}
	s.jobs[id] = JobAbandonedBookings
	s.logger.WithField("schedule", s.config.AbandonedSchedule).Info("Scheduled: abandoned booking reclaim")

	id, err = s.cron.AddFunc(s.config.OffersSchedule, func() {
		s.runLocked(JobExpiredOffers, s.sweeper.SweepExpiredOffers)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule expired offer sweep: %w", err)
	}
	s.jobs[id] = JobExpiredOffers
	s.logger.WithField("schedule", s.config.OffersSchedule).Info("Scheduled: expired offer archival")

	s.cron.Start()
	s.logger.Info("Cron service started")
	return nil
}

// Stop stops the scheduler and waits for running sweeps
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

// runLocked runs one sweep unless another instance holds the job's lock.
// Lock errors are logged and the sweep runs anyway.
func (s *CronService) runLocked(job string, sweep func(context.Context) SweepResult) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, job, sweepTimeout)
		switch {
		case err != nil:
			s.logger.WithError(err).WithField("job", job).Warn("Sweep lock unavailable, running unlocked")
		case !ok:
			s.logger.WithField("job", job).Debug("Sweep already running elsewhere, skipping")
			return
		default:
			defer unlock()
		}
	}

	sweep(ctx)
}

// RunAbandonedBookingsNow runs the abandoned booking sweep immediately
func (s *CronService) RunAbandonedBookingsNow(ctx context.Context) SweepResult {
	s.logger.Info("[MANUAL] Running abandoned booking sweep now")
	return s.sweeper.SweepAbandonedBookings(ctx)
}

// RunExpiredOffersNow runs the expired offer sweep immediately
func (s *CronService) RunExpiredOffersNow(ctx context.Context) SweepResult {
	s.logger.Info("[MANUAL] Running expired offer sweep now")
	return s.sweeper.SweepExpiredOffers(ctx)
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"name":     s.jobs[entry.ID],
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
