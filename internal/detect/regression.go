// Package detect holds the anomaly detectors that run over ingested
// performance data: p95 regression against a historical baseline and N+1
// query detection.
package detect

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/db"
	"apmingest/internal/rollup"
	"apmingest/internal/tenant"
)

// baselineTTL is how long a computed baseline is reused.
const baselineTTL = time.Hour

// RegressionConfig tunes the regression state machine.
type RegressionConfig struct {
	// Multiplier over the baseline p95 that counts as a breach.
	Multiplier float64
	// CriticalMultiplier marks an incident critical.
	CriticalMultiplier float64
	// BreachCount consecutive breaching windows open an incident.
	BreachCount int
	// MinWindowRequests: windows with fewer requests are ignored.
	MinWindowRequests int64
	// MinBaselineSamples: targets with a thinner history are not judged.
	MinBaselineSamples int64
	// BaselineDays of hour rollups make up the baseline.
	BaselineDays int
}

// RegressionNotifier is told about incident transitions after commit.
type RegressionNotifier interface {
	RegressionOpened(ctx context.Context, tc tenant.Context, inc *db.PerformanceIncident)
	RegressionResolved(ctx context.Context, tc tenant.Context, inc *db.PerformanceIncident)
}

// Regression is the per-target hysteresis detector:
// closed --(BreachCount consecutive breaches)--> open --(one good window)--> closed.
type Regression struct {
	db       *gorm.DB
	logger   *zap.Logger
	cfg      RegressionConfig
	notifier RegressionNotifier
}

// NewRegression creates a detector. notifier may be nil.
func NewRegression(gdb *gorm.DB, cfg RegressionConfig, notifier RegressionNotifier, logger *zap.Logger) *Regression {
	if cfg.BreachCount < 1 {
		cfg.BreachCount = 1
	}
	if cfg.BaselineDays < 1 {
		cfg.BaselineDays = 7
	}
	return &Regression{db: gdb, logger: logger.Named("regression"), cfg: cfg, notifier: notifier}
}

// EvaluationReport counts what one Evaluate pass did.
type EvaluationReport struct {
	Window    time.Time `json:"window"`
	Evaluated int       `json:"evaluated"`
	Skipped   int       `json:"skipped"`
	Opened    int       `json:"opened"`
	Resolved  int       `json:"resolved"`
	Errors    int       `json:"errors"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeNone
	outcomeOpened
	outcomeResolved
)

// Evaluate judges every target's last closed minute bucket before now.
// Re-running for the same window is a no-op. A failing target is logged and
// counted; the pass continues.
func (r *Regression) Evaluate(ctx context.Context, now time.Time) (*EvaluationReport, error) {
	window := rollup.Truncate(now, db.TimeframeMinute).Add(-time.Minute)
	report := &EvaluationReport{Window: window}

	var rows []db.PerfRollup
	err := r.db.WithContext(ctx).
		Where("timeframe = ? AND bucket_start = ?", db.TimeframeMinute, window).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading window rollups")
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := r.evaluateTarget(ctx, &rows[i], now)
		if err != nil {
			report.Errors++
			r.logger.Warn("regression evaluation failed",
				zap.Uint("project_id", rows[i].ProjectID),
				zap.String("target", rows[i].Target),
				zap.Error(err),
			)
			continue
		}
		switch res {
		case outcomeSkipped:
			report.Skipped++
		case outcomeOpened:
			report.Evaluated++
			report.Opened++
		case outcomeResolved:
			report.Evaluated++
			report.Resolved++
		default:
			report.Evaluated++
		}
	}
	return report, nil
}

func (r *Regression) evaluateTarget(ctx context.Context, win *db.PerfRollup, now time.Time) (outcome, error) {
	tc := tenant.New(win.AccountID, win.ProjectID)
	if win.RequestCount < r.cfg.MinWindowRequests {
		return outcomeSkipped, nil
	}

	baseline, err := r.baseline(ctx, tc, win, now)
	if err != nil {
		return outcomeSkipped, err
	}
	if baseline.SampleCount < r.cfg.MinBaselineSamples || baseline.P95Ms <= 0 {
		return outcomeSkipped, nil
	}
	if baseline.LastEvaluatedAt != nil && !baseline.LastEvaluatedAt.Before(win.Timestamp) {
		return outcomeSkipped, nil
	}

	threshold := baseline.P95Ms * r.cfg.Multiplier
	breach := win.P95DurationMs > threshold
	severity := db.SeverityWarning
	if win.P95DurationMs >= baseline.P95Ms*r.cfg.CriticalMultiplier {
		severity = db.SeverityCritical
	}

	result := outcomeNone
	var incident db.PerformanceIncident
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open, err := openIncident(tx, tc, win.Target, win.Environment)
		if err != nil {
			return err
		}
		consecutive := 0
		if breach {
			consecutive = baseline.ConsecutiveBreaches + 1
		}

		switch {
		case breach && open != nil:
			updates := map[string]any{"breach_count": open.BreachCount + 1}
			if win.P95DurationMs > open.PeakP95Ms {
				updates["peak_p95_ms"] = win.P95DurationMs
			}
			if severity == db.SeverityCritical && open.Severity != db.SeverityCritical {
				updates["severity"] = severity
			}
			if err := tx.Model(open).Updates(updates).Error; err != nil {
				return errors.Wrap(err, "updating incident")
			}
		case breach && consecutive >= r.cfg.BreachCount:
			incident = db.PerformanceIncident{
				AccountID:     tc.AccountID,
				ProjectID:     tc.ProjectID,
				Target:        win.Target,
				Environment:   win.Environment,
				Severity:      severity,
				TriggerP95Ms:  win.P95DurationMs,
				PeakP95Ms:     win.P95DurationMs,
				ThresholdMs:   threshold,
				BaselineP95Ms: baseline.P95Ms,
				BreachCount:   consecutive,
				OpenedAt:      now.UTC(),
			}
			if err := tx.Create(&incident).Error; err != nil {
				return errors.Wrap(err, "opening incident")
			}
			result = outcomeOpened
		case !breach && open != nil:
			closed := now.UTC()
			if err := tx.Model(open).Update("closed_at", closed).Error; err != nil {
				return errors.Wrap(err, "closing incident")
			}
			open.ClosedAt = &closed
			incident = *open
			result = outcomeResolved
		}

		evaluated := win.Timestamp.UTC()
		return tx.Model(&db.PerfBaseline{}).Where("id = ?", baseline.ID).Updates(map[string]any{
			"consecutive_breaches": consecutive,
			"last_evaluated_at":    evaluated,
		}).Error
	})
	if err != nil {
		return outcomeSkipped, err
	}

	switch result {
	case outcomeOpened:
		r.logger.Warn("performance regression opened",
			zap.Uint("project_id", tc.ProjectID),
			zap.String("target", incident.Target),
			zap.String("severity", incident.Severity),
			zap.Float64("p95_ms", incident.TriggerP95Ms),
			zap.Float64("baseline_p95_ms", incident.BaselineP95Ms),
		)
		if r.notifier != nil {
			r.notifier.RegressionOpened(ctx, tc, &incident)
		}
	case outcomeResolved:
		r.logger.Info("performance regression resolved",
			zap.Uint("project_id", tc.ProjectID),
			zap.String("target", incident.Target),
			zap.Uint("incident_id", incident.ID),
		)
		if r.notifier != nil {
			r.notifier.RegressionResolved(ctx, tc, &incident)
		}
	}
	return result, nil
}

func openIncident(tx *gorm.DB, tc tenant.Context, target, env string) (*db.PerformanceIncident, error) {
	var inc db.PerformanceIncident
	err := db.Scoped(tx, tc).
		Where("target = ? AND environment = ? AND closed_at IS NULL", target, env).
		First(&inc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading open incident")
	}
	return &inc, nil
}

// baseline returns the cached baseline of the window's target, refreshing
// it from hour rollups when stale. The refresh reads BaselineDays of history
// ending before the window's hour and is skipped while an incident is open
// so a regression does not raise its own baseline.
func (r *Regression) baseline(ctx context.Context, tc tenant.Context, win *db.PerfRollup, now time.Time) (*db.PerfBaseline, error) {
	q := func() *gorm.DB {
		return db.Scoped(r.db.WithContext(ctx), tc).
			Where("target = ? AND environment = ?", win.Target, win.Environment)
	}

	var cur db.PerfBaseline
	err := q().First(&cur).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "loading baseline")
	}
	if exists && now.Sub(cur.ComputedAt) < baselineTTL {
		return &cur, nil
	}
	if exists {
		open, err := openIncident(r.db.WithContext(ctx), tc, win.Target, win.Environment)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return &cur, nil
		}
	}

	end := rollup.Truncate(win.Timestamp, db.TimeframeHour)
	var hours []db.PerfRollup
	err = db.Scoped(r.db.WithContext(ctx), tc).
		Where("target = ? AND environment = ? AND timeframe = ? AND bucket_start >= ? AND bucket_start < ?",
			win.Target, win.Environment, db.TimeframeHour,
			end.Add(-time.Duration(r.cfg.BaselineDays)*24*time.Hour), end).
		Find(&hours).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading baseline history")
	}
	summary, err := rollup.Merge(hours)
	if err != nil {
		return nil, err
	}

	fresh := db.PerfBaseline{
		AccountID:   tc.AccountID,
		ProjectID:   tc.ProjectID,
		Target:      win.Target,
		Environment: win.Environment,
		P95Ms:       summary.P95DurationMs,
		SampleCount: summary.RequestCount,
		ComputedAt:  now.UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "target"}, {Name: "environment"}},
		DoUpdates: clause.AssignmentColumns([]string{"p95_ms", "sample_count", "computed_at"}),
	}).Create(&fresh).Error
	if err != nil {
		return nil, errors.Wrap(err, "saving baseline")
	}
	if err := q().First(&cur).Error; err != nil {
		return nil, errors.Wrap(err, "reloading baseline")
	}
	return &cur, nil
}

// OpenIncidents lists the tenant's open incidents, newest first.
func OpenIncidents(ctx context.Context, gdb *gorm.DB, tc tenant.Context) ([]db.PerformanceIncident, error) {
	var out []db.PerformanceIncident
	err := db.Scoped(gdb.WithContext(ctx), tc).
		Where("closed_at IS NULL").
		Order("opened_at DESC").
		Find(&out).Error
	return out, errors.Wrap(err, "listing incidents")
}
