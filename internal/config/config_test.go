package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "postgres://localhost/apm")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*1024*1024, cfg.MaxBodyBytes)
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, 1000, cfg.RateLimitPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.True(t, cfg.ReopenClosedIssues)
	assert.Equal(t, 1, cfg.NPlusOneThreshold)
}

func TestLoadKafkaRequiresBrokers(t *testing.T) {
	t.Setenv("APP_QUEUE_BACKEND", "kafka")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("APP_KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"retention below floor", func(c *Config) { c.RetentionDays = 3 }, true},
		{"bad database scheme", func(c *Config) { c.DatabaseURL = "mysql://x" }, true},
		{"sqlite url", func(c *Config) { c.DatabaseURL = "sqlite://data/apm.db" }, false},
		{"critical below warning", func(c *Config) { c.CriticalMultiplier = 1.2 }, true},
		{"unknown queue", func(c *Config) { c.QueueBackend = "sqs" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				QueueBackend:         "memory",
				RetentionDays:        30,
				RegressionMultiplier: 1.5,
				CriticalMultiplier:   3,
				BreachCount:          3,
				RateLimitPerWindow:   1000,
				RateLimitWindow:      time.Minute,
				QueueWorkers:         1,
				TaskMaxAttempts:      1,
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseDriver(t *testing.T) {
	assert.Equal(t, "postgres", DatabaseDriver("postgresql://u@h/db"))
	assert.Equal(t, "sqlite", DatabaseDriver("file:test.db?cache=shared"))
	assert.Equal(t, "", DatabaseDriver("mongodb://x"))
}
