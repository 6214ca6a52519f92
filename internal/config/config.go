// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment settings
	EscrowFeePct        decimal.Decimal // percentage withheld from the vendor on escrow orders
	AutoReleaseDays     int             // days before a held escrow auto-releases to the vendor
	DisputeWindowHours  int             // hours after delivery during which the buyer may dispute
	OverpayTolerancePct decimal.Decimal // received > expected by more than this finalizes as overpaid
	SweepInterval       time.Duration   // scheduler sweep cadence

	// Per-currency payment windows and confirmation thresholds
	BTCWindow        time.Duration
	BTCConfirmations int
	XMRWindow        time.Duration
	XMRConfirmations int

	// Notification collaborator (fire-and-forget events)
	NotifyURL    string
	NotifySecret string

	// External payment processor feed (optional poller)
	ProcessorURL    string
	ProcessorAPIKey string

	// Tracing
	OTLPEndpoint string
}

// Defaults match the marketplace's production policy.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultEscrowFeePct       = "2"
	DefaultAutoReleaseDays    = 7
	DefaultDisputeWindowHours = 48
	DefaultOverpayPct         = "1"
	DefaultSweepInterval      = 30 * time.Second
	DefaultBTCWindow          = 30 * time.Minute
	DefaultBTCConfirmations   = 3
	DefaultXMRWindow          = 15 * time.Minute
	DefaultXMRConfirmations   = 1
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowFeePct:        getEnvDecimal("ESCROW_FEE_PCT", DefaultEscrowFeePct),
		AutoReleaseDays:     getEnvInt("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays),
		DisputeWindowHours:  getEnvInt("DISPUTE_WINDOW_HOURS", DefaultDisputeWindowHours),
		OverpayTolerancePct: getEnvDecimal("OVERPAY_TOLERANCE_PCT", DefaultOverpayPct),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		BTCWindow:           getEnvDuration("BTC_PAYMENT_WINDOW", DefaultBTCWindow),
		BTCConfirmations:    getEnvInt("BTC_REQUIRED_CONFIRMATIONS", DefaultBTCConfirmations),
		XMRWindow:           getEnvDuration("XMR_PAYMENT_WINDOW", DefaultXMRWindow),
		XMRConfirmations:    getEnvInt("XMR_REQUIRED_CONFIRMATIONS", DefaultXMRConfirmations),
		NotifyURL:           os.Getenv("NOTIFY_URL"),
		NotifySecret:        os.Getenv("NOTIFY_SECRET"),
		ProcessorURL:        os.Getenv("PROCESSOR_URL"),
		ProcessorAPIKey:     os.Getenv("PROCESSOR_API_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.EscrowFeePct.IsNegative() || c.EscrowFeePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("ESCROW_FEE_PCT must be between 0 and 100, got %s", c.EscrowFeePct)
	}
	if c.OverpayTolerancePct.IsNegative() {
		return fmt.Errorf("OVERPAY_TOLERANCE_PCT must not be negative, got %s", c.OverpayTolerancePct)
	}
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive, got %d", c.AutoReleaseDays)
	}
	if c.DisputeWindowHours <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW_HOURS must be positive, got %d", c.DisputeWindowHours)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s, got %s", c.SweepInterval)
	}
	if c.BTCConfirmations <= 0 || c.XMRConfirmations <= 0 {
		return fmt.Errorf("required confirmations must be positive")
	}
	return nil
}

// Currencies builds the money registry from the configured windows and
// confirmation thresholds.
func (c *Config) Currencies() *money.Registry {
	return money.NewRegistry(
		money.Currency{
			Code:                  "BTC",
			RequiredConfirmations: c.BTCConfirmations,
			PaymentWindow:         c.BTCWindow,
			OverpayTolerance:      c.OverpayTolerancePct,
			AddressPrefix:         "bc1q",
		},
		money.Currency{
			Code:                  "XMR",
			RequiredConfirmations: c.XMRConfirmations,
			PaymentWindow:         c.XMRWindow,
			OverpayTolerance:      c.OverpayTolerancePct,
			AddressPrefix:         "4",
		},
	)
}

// AutoRelease returns the escrow auto-release grace period.
func (c *Config) AutoRelease() time.Duration {
	return time.Duration(c.AutoReleaseDays) * 24 * time.Hour
}

// DisputeWindow returns how long after delivery a dispute may be opened.
func (c *Config) DisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowHours) * time.Hour
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultValue)
	return d
}
