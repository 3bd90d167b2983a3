// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	RequestTimeout time.Duration
	RateLimitRPM   int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	DemoSeed    bool   // Seed demo users and wallets in memory mode

	// Escrow rules
	HighRiskOrderTypes []string

	// Reconciliation; zero disables the periodic check
	ReconcileInterval time.Duration

	// Notifications
	NotifyQueueSize   int
	NotifyMaxAttempts int
	KafkaBrokers      []string
	KafkaNotifyTopic  string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRequestTimeout    = 15 * time.Second
	DefaultRateLimitRPM      = 600
	DefaultNotifyQueueSize   = 1024
	DefaultNotifyMaxAttempts = 3
	DefaultKafkaNotifyTopic  = "escrow.notifications"
	DefaultHighRiskTypes     = "CUSTOM_MANUFACTURING,CROSS_BORDER,BULK_PREORDER"
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DemoSeed:           getEnvBool("DEMO_SEED", false),
		HighRiskOrderTypes: splitList(getEnv("ESCROW_HIGH_RISK_ORDER_TYPES", DefaultHighRiskTypes)),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		NotifyQueueSize:    int(getEnvInt64("NOTIFY_QUEUE_SIZE", DefaultNotifyQueueSize)),
		NotifyMaxAttempts:  int(getEnvInt64("NOTIFY_MAX_ATTEMPTS", DefaultNotifyMaxAttempts)),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaNotifyTopic:   getEnv("KAFKA_NOTIFY_TOPIC", DefaultKafkaNotifyTopic),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.NotifyQueueSize <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive")
	}
	if c.NotifyMaxAttempts <= 0 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
