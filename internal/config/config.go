// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk engine settings
	RiskThreshold  int           // Merchant score above which enforcement kicks in
	EnforcementTTL time.Duration // How long an automatic restriction stays active

	// Security
	AdminSecret   string // Admin API secret for manual enforcement endpoints
	WebhookSecret string // Default HMAC secret for webhook deliveries
	RateLimitRPM  int    // Ingestion rate limit per client per minute

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRiskThreshold  = 100
	DefaultEnforcementTTL = 7 * 24 * time.Hour
	DefaultRateLimitRPM   = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RiskThreshold:  int(getEnvInt64("RISK_THRESHOLD", DefaultRiskThreshold)),
		EnforcementTTL: getEnvDuration("ENFORCEMENT_TTL", DefaultEnforcementTTL),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.RiskThreshold <= 0 {
		return fmt.Errorf("RISK_THRESHOLD must be positive, got %d", c.RiskThreshold)
	}
	if c.EnforcementTTL <= 0 {
		return fmt.Errorf("ENFORCEMENT_TTL must be positive, got %s", c.EnforcementTTL)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
