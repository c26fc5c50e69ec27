// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Billing
	StripeAPIKey      string // Optional, Stripe invoicing disabled when empty
	OverageInvoiceDay int    // Day of month (1-28) overage invoices are drafted

	// Security
	AdminSecret   string // Admin API secret
	WebhookSecret string // Default secret for outbound webhook signatures
	RateLimitRPM  int    // Fallback per-tenant requests per minute

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled when empty)
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultOverageInvoiceDay = 1
	DefaultRateLimitRPM      = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:      os.Getenv("STRIPE_API_KEY"),
		OverageInvoiceDay: int(getEnvInt64("OVERAGE_INVOICE_DAY", DefaultOverageInvoiceDay)),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OverageInvoiceDay < 1 || c.OverageInvoiceDay > 28 {
		return fmt.Errorf("OVERAGE_INVOICE_DAY must be between 1 and 28, got %d", c.OverageInvoiceDay)
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", c.RateLimitRPM)
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
