// Package app wires configuration, storage and services into a running engine.
// The HTTP server and the maintenance CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/database"
	"github.com/trailmarket/tour-engine/internal/metrics"
	"github.com/trailmarket/tour-engine/internal/services"
	"github.com/trailmarket/tour-engine/pkg/notify"
)

// Engine holds the wired services
type Engine struct {
	DB         *sqlx.DB
	Metrics    *metrics.Metrics
	Stripe     *services.StripeService
	Dispatcher notify.Dispatcher
	Locker     *services.RedisRunLocker // nil when Redis is not configured

	Inventory *services.InventoryService
	Offers    *services.OfferService
	Bookings  *services.BookingService
	Sweeper   *services.SweeperService
	Cron      *services.CronService
}

// NewDispatcher selects the notification channel from configuration
func NewDispatcher(cfg config.NotificationConfig, logger *logrus.Logger) (notify.Dispatcher, error) {
	switch cfg.Mode {
	case "", "log":
		return notify.NewLogDispatcher(logger), nil
	case "kafka":
		return notify.NewKafkaDispatcher(notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
	default:
		return nil, fmt.Errorf("unknown NOTIFY_MODE %q", cfg.Mode)
	}
}

// New connects to the database and builds every service
func New(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}

	dispatcher, err := NewDispatcher(cfg.Notification, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		DB:         db,
		Metrics:    metrics.New(),
		Stripe:     services.NewStripeService(&cfg.Payment, logger),
		Dispatcher: dispatcher,
	}
	if !e.Stripe.IsConfigured() {
		logger.Warn("STRIPE_SECRET_KEY not set, checkout and offer acceptance will fail")
	}

	// Optional; sweeps run unlocked without it
	var locker services.RunLocker
	if cfg.Redis.URL != "" {
		redisLocker, err := services.NewRedisRunLocker(cfg.Redis.URL)
		if err != nil {
			e.Close()
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisLocker.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, sweeps will still run with lock errors logged")
		}
		cancel()
		e.Locker = redisLocker
		locker = redisLocker
	}

	slots := database.NewSlotRepository(db)
	tours := database.NewGuideRepository(db)
	bookings := database.NewBookingRepository(db)
	offers := database.NewOfferRepository(db)
	events := database.NewPaymentEventRepository(db, logger)
	conversations := database.NewConversationRepository(db)

	notifications := services.NewNotificationService(dispatcher, e.Metrics, logger)

	e.Inventory = services.NewInventoryService(slots, tours, notifications, &cfg.Inventory, e.Metrics, logger)
	e.Offers = services.NewOfferService(
		offers, tours, conversations, e.Stripe, notifications,
		&cfg.Offers, &cfg.Payment, &cfg.Pricing, e.Metrics, logger,
	)
	e.Bookings = services.NewBookingService(
		bookings, slots, tours, events, conversations, e.Stripe, notifications,
		&cfg.Booking, &cfg.Payment, &cfg.Pricing, e.Metrics, logger,
	)
	e.Sweeper = services.NewSweeperService(bookings, offers, e.Offers, &cfg.Sweeper, e.Metrics, logger)
	e.Cron = services.NewCronService(e.Sweeper, locker, &cfg.Sweeper, logger)

	return e, nil
}

// Close releases every connection the engine holds
func (e *Engine) Close() error {
	var result *multierror.Error
	if e.Dispatcher != nil {
		if err := e.Dispatcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if e.Locker != nil {
		if err := e.Locker.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if e.DB != nil {
		if err := e.DB.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
