// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

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

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, disables tracing if empty)

	// Deal windows
	OfferResponseHours     int           // default offer response deadline when no day override is given
	CancellationWindow     time.Duration // how long the counterparty has to answer a cancellation request
	DisputeResponseWindow  time.Duration // how long the respondent has to answer a new dispute
	NegotiationWindow      time.Duration // settlement negotiation window after a dispute response
	ArbitrationFeeDeadline time.Duration // how long each party has to pay the arbitration fee

	// Fees
	ServiceFeePct  float64 // platform fee charged on top of the offer price
	GatewayFeePct  float64 // processor fee charged on card/external captures
	ArbitrationFee string  // fixed arbitration fee per party, decimal string

	// Payment gateways
	StripeSecretKey  string        // card rail (optional, card captures fail without it)
	WalletGatewayURL string        // external wallet processor base URL
	GatewayTimeout   time.Duration // per-call timeout on gateway requests

	// Security
	AdminSecret string // Admin API secret
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultOfferResponseHours = 48
	DefaultCancellationWindow = 24 * time.Hour
	DefaultDisputeResponse    = 72 * time.Hour
	DefaultNegotiationWindow  = 5 * 24 * time.Hour
	DefaultArbitrationWindow  = 48 * time.Hour
	DefaultServiceFeePct      = 5.0
	DefaultGatewayFeePct      = 2.9
	DefaultArbitrationFee     = "25.00"
	DefaultGatewayTimeout     = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OfferResponseHours:     getEnvInt("OFFER_RESPONSE_HOURS", DefaultOfferResponseHours),
		CancellationWindow:     getEnvDuration("CANCELLATION_WINDOW", DefaultCancellationWindow),
		DisputeResponseWindow:  getEnvDuration("DISPUTE_RESPONSE_WINDOW", DefaultDisputeResponse),
		NegotiationWindow:      getEnvDuration("NEGOTIATION_WINDOW", DefaultNegotiationWindow),
		ArbitrationFeeDeadline: getEnvDuration("ARBITRATION_FEE_DEADLINE", DefaultArbitrationWindow),
		ServiceFeePct:          getEnvFloat("SERVICE_FEE_PCT", DefaultServiceFeePct),
		GatewayFeePct:          getEnvFloat("GATEWAY_FEE_PCT", DefaultGatewayFeePct),
		ArbitrationFee:         getEnv("ARBITRATION_FEE", DefaultArbitrationFee),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		WalletGatewayURL:       os.Getenv("WALLET_GATEWAY_URL"),
		GatewayTimeout:         getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.OfferResponseHours <= 0 {
		return fmt.Errorf("OFFER_RESPONSE_HOURS must be positive")
	}
	if c.ServiceFeePct < 0 || c.ServiceFeePct > 100 {
		return fmt.Errorf("SERVICE_FEE_PCT must be between 0 and 100")
	}
	if c.GatewayFeePct < 0 || c.GatewayFeePct > 100 {
		return fmt.Errorf("GATEWAY_FEE_PCT must be between 0 and 100")
	}
	if c.CancellationWindow <= 0 || c.DisputeResponseWindow <= 0 || c.NegotiationWindow <= 0 {
		return fmt.Errorf("deal windows must be positive durations")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
