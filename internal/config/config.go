package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration (guide/admin bearer tokens are verified, not issued)
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Rate limiting on public token endpoints
	RateLimit RateLimitConfig

	// Payment processor configuration
	Payment PaymentConfig

	// Pricing limits
	Pricing PricingConfig

	// Slot inventory configuration
	Inventory InventoryConfig

	// Offer lifecycle configuration
	Offers OfferConfig

	// Booking configuration
	Booking BookingConfig

	// Sweeper schedules
	Sweeper SweeperConfig

	// Notification dispatcher configuration
	Notification NotificationConfig

	// Redis is optional; used only to avoid redundant sweeps across instances
	Redis RedisConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret string
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
	Burst         int
}

// PaymentConfig holds Stripe configuration
type PaymentConfig struct {
	StripeSecretKey     string // SECRET - never expose to client
	StripeWebhookSecret string
	PlatformFeePercent  float64
	SuccessURL          string // may contain {CHECKOUT_SESSION_ID}
	CancelURL           string
	SessionTTL          time.Duration // Stripe requires at least 30 minutes
}

// PricingConfig holds the aggregate discount cap and floor
type PricingConfig struct {
	MaxDiscountPercent float64
	FloorPrice         float64
}

// InventoryConfig holds availability thresholds
type InventoryConfig struct {
	LimitedThreshold int
	MaxRangeDays     int
}

// OfferConfig holds offer token settings
type OfferConfig struct {
	TTL        time.Duration
	TokenBytes int
}

// BookingConfig holds booking settings
type BookingConfig struct {
	ReferencePrefix string
}

// SweeperConfig holds reconciliation job settings
type SweeperConfig struct {
	AbandonedGrace    time.Duration
	BatchSize         int
	AbandonedSchedule string // cron spec with seconds
	OffersSchedule    string
	Enabled           bool
}

// NotificationConfig selects the notification dispatcher
type NotificationConfig struct {
	Mode         string // "log" or "kafka"
	KafkaBrokers []string
	KafkaTopic   string
}

// RedisConfig holds optional Redis connection settings
type RedisConfig struct {
	URL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		RateLimit: RateLimitConfig{
			Requests:      getEnvAsInt("RATE_LIMIT_REQUESTS", 60),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			Burst:         getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Payment: PaymentConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PlatformFeePercent:  getEnvAsFloat("PAYMENT_PLATFORM_FEE_PERCENT", 10),
			SuccessURL:          getEnv("PAYMENT_SUCCESS_URL", "http://localhost:3000/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
			CancelURL:           getEnv("PAYMENT_CANCEL_URL", "http://localhost:3000/checkout/cancelled"),
			SessionTTL:          time.Duration(getEnvAsInt("PAYMENT_SESSION_TTL_MINUTES", 30)) * time.Minute,
		},
		Pricing: PricingConfig{
			MaxDiscountPercent: getEnvAsFloat("PRICING_MAX_DISCOUNT_PERCENT", 40),
			FloorPrice:         getEnvAsFloat("PRICING_FLOOR_PRICE", 20),
		},
		Inventory: InventoryConfig{
			LimitedThreshold: getEnvAsInt("INVENTORY_LIMITED_THRESHOLD", 3),
			MaxRangeDays:     getEnvAsInt("INVENTORY_MAX_RANGE_DAYS", 366),
		},
		Offers: OfferConfig{
			TTL:        time.Duration(getEnvAsInt("OFFER_TTL_HOURS", 168)) * time.Hour,
			TokenBytes: getEnvAsInt("OFFER_TOKEN_BYTES", 32),
		},
		Booking: BookingConfig{
			ReferencePrefix: getEnv("BOOKING_REFERENCE_PREFIX", "HIKE"),
		},
		Sweeper: SweeperConfig{
			AbandonedGrace:    time.Duration(getEnvAsInt("SWEEP_ABANDONED_GRACE_MINUTES", 30)) * time.Minute,
			BatchSize:         getEnvAsInt("SWEEP_BATCH_SIZE", 100),
			AbandonedSchedule: getEnv("SWEEP_ABANDONED_SCHEDULE", "0 * * * * *"),
			OffersSchedule:    getEnv("SWEEP_OFFERS_SCHEDULE", "0 */5 * * * *"),
			Enabled:           getEnvAsBool("SWEEP_ENABLED", true),
		},
		Notification: NotificationConfig{
			Mode:         getEnv("NOTIFY_MODE", "log"),
			KafkaBrokers: getEnvAsSlice("NOTIFY_KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:   getEnv("NOTIFY_KAFKA_TOPIC", "tour-notifications"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Payment.PlatformFeePercent < 0 || c.Payment.PlatformFeePercent >= 100 {
		return fmt.Errorf("PAYMENT_PLATFORM_FEE_PERCENT must be in [0, 100)")
	}

	if c.Payment.SessionTTL < 30*time.Minute || c.Payment.SessionTTL > 24*time.Hour {
		return fmt.Errorf("PAYMENT_SESSION_TTL_MINUTES must be between 30 and 1440")
	}

	// Production requires a real payment processor
	if c.Server.Environment == "production" {
		if c.Payment.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.Payment.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	if c.Pricing.MaxDiscountPercent <= 0 || c.Pricing.MaxDiscountPercent > 100 {
		return fmt.Errorf("PRICING_MAX_DISCOUNT_PERCENT must be in (0, 100]")
	}

	if c.Offers.TTL <= 0 {
		return fmt.Errorf("OFFER_TTL_HOURS must be positive")
	}

	if c.Offers.TokenBytes < 16 {
		return fmt.Errorf("OFFER_TOKEN_BYTES must be at least 16")
	}

	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}

	switch c.Notification.Mode {
	case "log":
	case "kafka":
		if len(c.Notification.KafkaBrokers) == 0 || c.Notification.KafkaTopic == "" {
			return fmt.Errorf("NOTIFY_KAFKA_BROKERS and NOTIFY_KAFKA_TOPIC are required for kafka mode")
		}
	default:
		return fmt.Errorf("invalid NOTIFY_MODE: %s (must be 'log' or 'kafka')", c.Notification.Mode)
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %g", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
