package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/trailmarket/tour-engine/internal/app"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/handlers"
	"github.com/trailmarket/tour-engine/internal/middleware"
	"github.com/trailmarket/tour-engine/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting tour engine")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Info("Connecting to database...")
	engine, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize engine: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.WithError(err).Error("Failed to close engine cleanly")
		}
	}()
	logger.WithField("notify", engine.Dispatcher.GetName()).Info("Engine initialized")

	if cfg.Sweeper.Enabled {
		if err := engine.Cron.Start(); err != nil {
			logger.Fatalf("Failed to start cron service: %v", err)
		}
	} else {
		logger.Warn("Sweeps disabled, abandoned checkouts and expired offers will not be reconciled")
	}

	jwtService := jwt.NewService(cfg.JWT.Secret)

	inventoryHandler := handlers.NewInventoryHandler(engine.Inventory, logger)
	offerHandler := handlers.NewOfferHandler(engine.Offers, logger)
	bookingHandler := handlers.NewBookingHandler(engine.Bookings, logger)
	webhookHandler := handlers.NewPaymentWebhookHandler(engine.Stripe, engine.Bookings, engine.Offers, logger)
	adminHandler := handlers.NewAdminHandler(engine.Cron, logger)

	tokenLimiter := middleware.NewIPRateLimiter(
		cfg.RateLimit.Requests,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.Burst,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(engine.DB))
	router.GET("/metrics", gin.WrapH(engine.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Public
		v1.GET("/tours/:tour_id/availability", inventoryHandler.GetAvailability)
		v1.POST("/checkout", bookingHandler.Checkout)
		v1.GET("/bookings/:reference", bookingHandler.GetBooking)
		v1.POST("/bookings/:reference/cancel", bookingHandler.CancelBooking)

		// The token is the credential, so these are rate limited per IP
		offers := v1.Group("/offers/:token")
		offers.Use(middleware.RateLimitMiddleware(tokenLimiter, logger))
		{
			offers.GET("", offerHandler.GetOffer)
			offers.POST("/accept", offerHandler.AcceptOffer)
			offers.POST("/decline", offerHandler.DeclineOffer)
		}

		// Signature-verified, no bearer token
		v1.POST("/payments/webhook", webhookHandler.PaymentWebhook)

		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware(jwtService, logger))
		{
			slots := authed.Group("/slots/:slot_id")
			slots.Use(middleware.RequireRole(jwt.RoleGuide, jwt.RoleAdmin))
			{
				slots.POST("/reserve", inventoryHandler.Reserve)
				slots.POST("/release", inventoryHandler.Release)
			}

			guide := authed.Group("/guide")
			guide.Use(middleware.RequireRole(jwt.RoleGuide))
			{
				guide.POST("/tours/:tour_id/slots", inventoryHandler.CreateSlot)
				guide.PATCH("/slots/:slot_id", inventoryHandler.UpdateSlotCapacity)
				guide.PATCH("/slots/:slot_id/date", inventoryHandler.ChangeSlotDate)
				guide.DELETE("/slots/:slot_id", inventoryHandler.DeleteSlot)
				guide.POST("/offers", offerHandler.CreateOffer)
				guide.POST("/bookings/:reference/cancel", bookingHandler.GuideCancelBooking)
			}

			admin := authed.Group("/admin")
			admin.Use(middleware.RequireRole(jwt.RoleAdmin))
			{
				admin.POST("/bookings/:reference/cancel", bookingHandler.AdminCancelBooking)
				admin.POST("/sweeps/abandoned-bookings", adminHandler.SweepAbandonedBookings)
				admin.POST("/sweeps/expired-offers", adminHandler.SweepExpiredOffers)
				admin.GET("/cron/status", adminHandler.GetCronStatus)
			}
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// After HTTP so in-flight webhooks finish first
	if cfg.Sweeper.Enabled {
		engine.Cron.Stop()
	}

	logger.Info("Server exited successfully")
}

func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
