package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// MinRetentionDays is the floor for any retention setting or explicit
// cleanup request.
const MinRetentionDays = 7

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally via .env),
// with defaults where appropriate.
type Config struct {
	AdminUser     string `env:"APP_ADMIN_USER" envDefault:"admin"`
	AdminPassword string `env:"APP_ADMIN_PASSWORD" envDefault:"changeme"`

	DatabaseURL string `env:"APP_DATABASE_URL"`

	ListenAddr string `env:"APP_LISTEN_ADDR" envDefault:":8080"`
	Env        string `env:"APP_ENV" envDefault:"production"`
	LogLevel   string `env:"APP_LOG_LEVEL" envDefault:"info"`

	// RetentionDays is the default event retention for projects that do not
	// set their own.
	RetentionDays int `env:"APP_RETENTION_DAYS" envDefault:"30"`

	MaxBodyBytes int `env:"APP_MAX_BODY_BYTES" envDefault:"10485760"`
	MaxBatchSize int `env:"APP_MAX_BATCH_SIZE" envDefault:"500"`

	// RateLimitPerWindow requests are allowed per credential within
	// RateLimitWindow (sliding).
	RateLimitPerWindow int           `env:"APP_RATE_LIMIT" envDefault:"1000"`
	RateLimitWindow    time.Duration `env:"APP_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// RedisURL enables the distributed rate limiter. Empty means in-process.
	RedisURL    string `env:"APP_REDIS_URL"`
	RedisPrefix string `env:"APP_REDIS_PREFIX" envDefault:"apmingest:"`

	QueueBackend    string   `env:"APP_QUEUE_BACKEND" envDefault:"memory"`
	QueueWorkers    int      `env:"APP_QUEUE_WORKERS" envDefault:"4"`
	QueueBuffer     int      `env:"APP_QUEUE_BUFFER" envDefault:"1024"`
	TaskMaxAttempts int      `env:"APP_TASK_MAX_ATTEMPTS" envDefault:"3"`
	KafkaBrokers    []string `env:"APP_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic      string   `env:"APP_KAFKA_TOPIC" envDefault:"apmingest-tasks"`
	KafkaGroupID    string   `env:"APP_KAFKA_GROUP_ID" envDefault:"apmingest-workers"`

	// Regression detector tuning.
	RegressionMultiplier float64 `env:"APP_REGRESSION_MULTIPLIER" envDefault:"1.5"`
	CriticalMultiplier   float64 `env:"APP_REGRESSION_CRITICAL_MULTIPLIER" envDefault:"3"`
	BreachCount          int     `env:"APP_REGRESSION_BREACH_COUNT" envDefault:"3"`
	MinWindowRequests    int64   `env:"APP_REGRESSION_MIN_WINDOW_REQUESTS" envDefault:"10"`
	MinBaselineSamples   int64   `env:"APP_REGRESSION_MIN_BASELINE_SAMPLES" envDefault:"100"`
	BaselineDays         int     `env:"APP_REGRESSION_BASELINE_DAYS" envDefault:"7"`

	// NPlusOneThreshold: a query shape executed more than this many times in
	// one request is an N+1 candidate.
	NPlusOneThreshold int     `env:"APP_NPLUSONE_THRESHOLD" envDefault:"1"`
	SlowQueryMs       float64 `env:"APP_SLOW_QUERY_MS" envDefault:"500"`

	AlertRatePerMinute float64 `env:"APP_ALERT_RATE_PER_MINUTE" envDefault:"30"`
	AlertBurst         int     `env:"APP_ALERT_BURST" envDefault:"10"`
	SlackWebhookURL    string  `env:"APP_SLACK_WEBHOOK_URL"`

	ReopenClosedIssues bool `env:"APP_REOPEN_CLOSED_ISSUES" envDefault:"true"`

	// SelfMonitorToken is a project token this instance reports its own API
	// requests to. Empty disables self-monitoring.
	SelfMonitorToken string `env:"APP_SELF_MONITOR_TOKEN"`

	ShutdownTimeout time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses environment variables and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.DatabaseURL != "" && DatabaseDriver(c.DatabaseURL) == "" {
		return errors.New("APP_DATABASE_URL must be a postgres://, postgresql://, sqlite:// or file: URL")
	}
	switch c.QueueBackend {
	case "memory":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return errors.New("APP_KAFKA_BROKERS is required when APP_QUEUE_BACKEND=kafka")
		}
	default:
		return errors.Errorf("unknown APP_QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.RetentionDays < MinRetentionDays {
		return errors.Errorf("APP_RETENTION_DAYS must be at least %d", MinRetentionDays)
	}
	if c.RegressionMultiplier <= 1 || c.CriticalMultiplier < c.RegressionMultiplier {
		return errors.New("regression multipliers must satisfy 1 < warning <= critical")
	}
	if c.BreachCount < 1 {
		return errors.New("APP_REGRESSION_BREACH_COUNT must be positive")
	}
	if c.RateLimitPerWindow < 1 || c.RateLimitWindow <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.QueueWorkers < 1 {
		c.QueueWorkers = 1
	}
	if c.TaskMaxAttempts < 1 {
		c.TaskMaxAttempts = 1
	}
	return nil
}

// DatabaseDriver maps a database URL to the gorm dialector name,
// or "" when the scheme is not supported.
func DatabaseDriver(url string) string {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"):
		return "sqlite"
	}
	return ""
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
