// Package rollup maintains time-bucketed performance aggregates. Each
// bucket keeps exact counters plus a mergeable HDR histogram, so
// percentiles over any range of buckets can be computed without raw
// samples.
package rollup

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/db"
	"apmingest/internal/normalize"
	"apmingest/internal/tenant"
)

// Timeframes lists every resolution an event is rolled into.
var Timeframes = []string{db.TimeframeMinute, db.TimeframeHour, db.TimeframeDay}

// ValidTimeframe reports whether tf is a known resolution.
func ValidTimeframe(tf string) bool {
	for _, t := range Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

// Truncate returns the UTC start of the bucket containing t.
func Truncate(t time.Time, timeframe string) time.Time {
	t = t.UTC()
	switch timeframe {
	case db.TimeframeMinute:
		return t.Truncate(time.Minute)
	case db.TimeframeHour:
		return t.Truncate(time.Hour)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Width is the length of one bucket.
func Width(timeframe string) time.Duration {
	switch timeframe {
	case db.TimeframeMinute:
		return time.Minute
	case db.TimeframeHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Engine writes performance events into rollup buckets.
type Engine struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(gdb *gorm.DB, logger *zap.Logger) *Engine {
	return &Engine{db: gdb, logger: logger.Named("rollup")}
}

// Record adds one sample to the minute, hour and day buckets of its target.
// Each bucket is first bumped with an atomic upsert, which also locks the
// row, and then has its histogram merged in the same transaction. Duplicate
// delivery counts twice.
func (e *Engine) Record(ctx context.Context, tc tenant.Context, ev *normalize.PerformanceEvent) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tf := range Timeframes {
			if err := recordBucket(tx, tc, ev, tf); err != nil {
				return errors.Wrapf(err, "%s bucket", tf)
			}
		}
		return nil
	})
}

func recordBucket(tx *gorm.DB, tc tenant.Context, ev *normalize.PerformanceEvent, timeframe string) error {
	d := ev.DurationMs
	var errCount int64
	if ev.Error {
		errCount = 1
	}
	start := Truncate(ev.OccurredAt, timeframe)
	now := time.Now().UTC()

	row := db.PerfRollup{
		UpdatedAt:     now,
		AccountID:     tc.AccountID,
		ProjectID:     tc.ProjectID,
		Target:        ev.Target,
		Environment:   ev.Environment,
		Timeframe:     timeframe,
		Timestamp:     start,
		RequestCount:  1,
		ErrorCount:    errCount,
		DurationSumMs: d,
		AvgDurationMs: d,
		MinDurationMs: d,
		MaxDurationMs: d,
		P50DurationMs: d,
		P95DurationMs: d,
		P99DurationMs: d,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "project_id"}, {Name: "target"}, {Name: "environment"},
			{Name: "timeframe"}, {Name: "bucket_start"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":   gorm.Expr("perf_rollups.request_count + 1"),
			"error_count":     gorm.Expr("perf_rollups.error_count + excluded.error_count"),
			"duration_sum_ms": gorm.Expr("perf_rollups.duration_sum_ms + excluded.duration_sum_ms"),
			"min_duration_ms": gorm.Expr("CASE WHEN excluded.min_duration_ms < perf_rollups.min_duration_ms THEN excluded.min_duration_ms ELSE perf_rollups.min_duration_ms END"),
			"max_duration_ms": gorm.Expr("CASE WHEN excluded.max_duration_ms > perf_rollups.max_duration_ms THEN excluded.max_duration_ms ELSE perf_rollups.max_duration_ms END"),
			"updated_at":      now,
		}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "bumping counters")
	}

	var cur db.PerfRollup
	err = db.Scoped(tx, tc).
		Where("target = ? AND environment = ? AND timeframe = ? AND bucket_start = ?",
			ev.Target, ev.Environment, timeframe, start).
		First(&cur).Error
	if err != nil {
		return errors.Wrap(err, "reading bucket")
	}

	h, err := DecodeHistogram(cur.Histogram)
	if err != nil {
		return err
	}
	RecordMs(h, d)
	encoded, err := EncodeHistogram(h)
	if err != nil {
		return err
	}

	avg := 0.0
	if cur.RequestCount > 0 {
		avg = cur.DurationSumMs / float64(cur.RequestCount)
	}
	return tx.Model(&db.PerfRollup{}).Where("id = ?", cur.ID).Updates(map[string]any{
		"histogram":       encoded,
		"avg_duration_ms": avg,
		"p50_duration_ms": QuantileMs(h, 50),
		"p95_duration_ms": QuantileMs(h, 95),
		"p99_duration_ms": QuantileMs(h, 99),
	}).Error
}

// Query selects rollup buckets of one resolution in [From, To).
type Query struct {
	Target      string
	Environment string
	Timeframe   string
	From        time.Time
	To          time.Time
}

// Buckets returns the tenant's buckets matching q, oldest first. Empty
// Target or Environment match everything.
func (e *Engine) Buckets(ctx context.Context, tc tenant.Context, q Query) ([]db.PerfRollup, error) {
	if !ValidTimeframe(q.Timeframe) {
		return nil, errors.Errorf("unknown timeframe %q", q.Timeframe)
	}
	tx := db.Scoped(e.db.WithContext(ctx), tc).
		Where("timeframe = ? AND bucket_start >= ? AND bucket_start < ?", q.Timeframe, q.From.UTC(), q.To.UTC())
	if q.Target != "" {
		tx = tx.Where("target = ?", q.Target)
	}
	if q.Environment != "" {
		tx = tx.Where("environment = ?", q.Environment)
	}
	var rows []db.PerfRollup
	if err := tx.Order("bucket_start").Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "loading rollups")
	}
	return rows, nil
}

// Summarize merges the buckets matching q.
func (e *Engine) Summarize(ctx context.Context, tc tenant.Context, q Query) (*Summary, error) {
	rows, err := e.Buckets(ctx, tc, q)
	if err != nil {
		return nil, err
	}
	return Merge(rows)
}

// Summary is the merged view of a set of buckets.
type Summary struct {
	Buckets       int     `json:"buckets"`
	RequestCount  int64   `json:"request_count"`
	ErrorCount    int64   `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MinDurationMs float64 `json:"min_duration_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
	P50DurationMs float64 `json:"p50_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
	P99DurationMs float64 `json:"p99_duration_ms"`
}

// Merge combines buckets: counters add, extrema take min/max and
// percentiles come from the merged histograms.
func Merge(rows []db.PerfRollup) (*Summary, error) {
	s := &Summary{Buckets: len(rows)}
	if len(rows) == 0 {
		return s, nil
	}
	h := NewHistogram()
	var sum float64
	for i, r := range rows {
		s.RequestCount += r.RequestCount
		s.ErrorCount += r.ErrorCount
		sum += r.DurationSumMs
		if i == 0 || r.MinDurationMs < s.MinDurationMs {
			s.MinDurationMs = r.MinDurationMs
		}
		if r.MaxDurationMs > s.MaxDurationMs {
			s.MaxDurationMs = r.MaxDurationMs
		}
		bucket, err := DecodeHistogram(r.Histogram)
		if err != nil {
			return nil, errors.Wrapf(err, "rollup %d", r.ID)
		}
		h.Merge(bucket)
	}
	if s.RequestCount > 0 {
		s.AvgDurationMs = sum / float64(s.RequestCount)
		s.ErrorRate = float64(s.ErrorCount) / float64(s.RequestCount)
	}
	s.P50DurationMs = QuantileMs(h, 50)
	s.P95DurationMs = QuantileMs(h, 95)
	s.P99DurationMs = QuantileMs(h, 99)
	return s, nil
}
