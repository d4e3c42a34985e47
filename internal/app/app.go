// Package app wires configuration, storage, the queue, the detectors and the
// HTTP surface into a runnable service.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/alerting"
	"apmingest/internal/config"
	"apmingest/internal/db"
	"apmingest/internal/detect"
	"apmingest/internal/ingest"
	"apmingest/internal/issues"
	"apmingest/internal/metrics"
	"apmingest/internal/queue"
	"apmingest/internal/ratelimit"
	"apmingest/internal/rollup"
	"apmingest/internal/scheduler"
	"apmingest/internal/tenant"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB

	Queue      *queue.Queue
	Issues     *issues.Aggregator
	Rollups    *rollup.Engine
	NPlusOne   *detect.NPlusOne
	Regression *detect.Regression
	Dispatcher *alerting.Dispatcher
	Processor  *ingest.Processor
	Ingest     *ingest.Service
	Limiter    ratelimit.Limiter

	Gatherer prometheus.Gatherer

	// selfMonitor is the scope this instance reports its own requests to.
	selfMonitor tenant.Context

	closers []func() error
}

// New connects the database and builds the application.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureBootstrapAdmin(gdb, cfg); err != nil {
		return nil, errors.Wrap(err, "ensuring bootstrap admin")
	}
	return NewWithDB(cfg, gdb, logger)
}

// NewWithDB builds the application on an open, migrated database.
func NewWithDB(cfg *config.Config, gdb *gorm.DB, logger *zap.Logger) (*App, error) {
	metrics.Register(prometheus.DefaultRegisterer)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       gdb,
		Gatherer: prometheus.DefaultGatherer,
	}

	var backend queue.Backend
	switch cfg.QueueBackend {
	case "kafka":
		backend = queue.NewKafkaBackend(queue.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
			Readers: cfg.QueueWorkers,
		}, logger)
	default:
		backend = queue.NewMemoryBackend(cfg.QueueBuffer, cfg.QueueWorkers)
	}
	a.Queue = queue.New(backend, logger, queue.Options{MaxAttempts: cfg.TaskMaxAttempts})
	a.closers = append(a.closers, a.Queue.Close)

	notifiers := map[string]alerting.Notifier{
		alerting.ChannelLog:   alerting.NewLogNotifier(logger),
		alerting.ChannelSlack: alerting.NewSlackNotifier(cfg.SlackWebhookURL),
	}
	a.Dispatcher = alerting.NewDispatcher(gdb, alerting.Options{
		RatePerMinute: cfg.AlertRatePerMinute,
		Burst:         cfg.AlertBurst,
	}, notifiers, logger)

	a.Issues = issues.NewAggregator(gdb, a.Dispatcher, logger)
	a.Issues.ReopenClosed = cfg.ReopenClosedIssues
	a.Rollups = rollup.NewEngine(gdb, logger)
	a.NPlusOne = detect.NewNPlusOne(gdb, detect.NPlusOneConfig{
		Threshold:   cfg.NPlusOneThreshold,
		SlowQueryMs: cfg.SlowQueryMs,
	}, a.Dispatcher, logger)
	a.Regression = detect.NewRegression(gdb, detect.RegressionConfig{
		Multiplier:         cfg.RegressionMultiplier,
		CriticalMultiplier: cfg.CriticalMultiplier,
		BreachCount:        cfg.BreachCount,
		MinWindowRequests:  cfg.MinWindowRequests,
		MinBaselineSamples: cfg.MinBaselineSamples,
		BaselineDays:       cfg.BaselineDays,
	}, a.Dispatcher, logger)

	a.Processor = ingest.NewProcessor(gdb, a.Issues, a.Rollups, a.NPlusOne, logger)
	a.Processor.DefaultRetentionDays = cfg.RetentionDays
	a.Processor.Register(a.Queue)
	a.Ingest = ingest.NewService(a.Queue, cfg.MaxBatchSize, logger)

	if cfg.RedisURL != "" {
		limiter, err := ratelimit.NewRedis(ratelimit.RedisOptions{
			URL:    cfg.RedisURL,
			Prefix: cfg.RedisPrefix,
			Limit:  cfg.RateLimitPerWindow,
			Window: cfg.RateLimitWindow,
		})
		if err != nil {
			return nil, err
		}
		a.Limiter = limiter
		a.closers = append(a.closers, limiter.Close)
	} else {
		a.Limiter = ratelimit.NewMemory(cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	}

	if cfg.SelfMonitorToken != "" {
		project, err := db.FindProjectByToken(gdb, cfg.SelfMonitorToken)
		if err != nil {
			logger.Warn("self-monitoring disabled: project token not found", zap.Error(err))
		} else {
			a.selfMonitor = project.Tenant()
			logger.Info("self-monitoring enabled", zap.Uint("project_id", project.ID))
		}
	}
	return a, nil
}

// Scheduler registers the maintenance jobs. The caller starts and stops it.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Logger)

	err := s.Add("* * * * *", "regression", 50*time.Second, func(ctx context.Context) error {
		_, err := a.Regression.Evaluate(ctx, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.Add("15 3 * * *", "retention", 30*time.Minute, func(ctx context.Context) error {
		n, err := db.PurgeExpiredEvents(ctx, a.DB, time.Now())
		if err == nil && n > 0 {
			a.Logger.Info("expired events purged", zap.Int64("deleted", n))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if mem, ok := a.Limiter.(*ratelimit.Memory); ok {
		err = s.Add("*/5 * * * *", "ratelimit-sweep", time.Minute, func(context.Context) error {
			mem.Sweep(time.Now())
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RunWorkers consumes queued tasks until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.Queue.Run(ctx)
}

// Close releases the queue backend and external clients.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
