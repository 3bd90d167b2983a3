package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ESCROW_HIGH_RISK_ORDER_TYPES", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("RECONCILE_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultNotifyQueueSize, cfg.NotifyQueueSize)
	assert.Equal(t, []string{"CUSTOM_MANUFACTURING", "CROSS_BORDER", "BULK_PREORDER"}, cfg.HighRiskOrderTypes)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "staging")
	t.Setenv("REQUEST_TIMEOUT", "5s")
	t.Setenv("ESCROW_HIGH_RISK_ORDER_TYPES", " RFQ_CUSTOM , ,EXPORT")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("DEMO_SEED", "true")
	t.Setenv("RECONCILE_INTERVAL", "0s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"RFQ_CUSTOM", "EXPORT"}, cfg.HighRiskOrderTypes)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.DemoSeed)
	assert.Zero(t, cfg.ReconcileInterval)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:              "8080",
			Env:               "development",
			RequestTimeout:    time.Second,
			NotifyQueueSize:   10,
			NotifyMaxAttempts: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown env", func(c *Config) { c.Env = "qa" }, "ENV must be"},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"zero queue", func(c *Config) { c.NotifyQueueSize = 0 }, "NOTIFY_QUEUE_SIZE"},
		{"zero attempts", func(c *Config) { c.NotifyMaxAttempts = 0 }, "NOTIFY_MAX_ATTEMPTS"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
