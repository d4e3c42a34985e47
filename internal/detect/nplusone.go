package detect

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/db"
	"apmingest/internal/fingerprint"
	"apmingest/internal/normalize"
	"apmingest/internal/tenant"
)

// NPlusOneConfig tunes query analysis.
type NPlusOneConfig struct {
	// Threshold: a shape executed more than this many times in one request
	// is an N+1 candidate.
	Threshold int
	// SlowQueryMs: shapes averaging at least this are flagged slow.
	SlowQueryMs float64
}

// NPlusOneNotifier is told about N+1 candidates after commit.
type NPlusOneNotifier interface {
	NPlusOneDetected(ctx context.Context, tc tenant.Context, fp *db.SqlFingerprint, repeats int64, target string)
}

// NPlusOne aggregates SQL query shapes per project and flags repeated
// execution inside a single request.
type NPlusOne struct {
	db       *gorm.DB
	logger   *zap.Logger
	cfg      NPlusOneConfig
	notifier NPlusOneNotifier
}

// NewNPlusOne creates the detector. notifier may be nil.
func NewNPlusOne(gdb *gorm.DB, cfg NPlusOneConfig, notifier NPlusOneNotifier, logger *zap.Logger) *NPlusOne {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &NPlusOne{db: gdb, logger: logger.Named("nplusone"), cfg: cfg, notifier: notifier}
}

// Finding is one query shape seen in a request.
type Finding struct {
	Fingerprint db.SqlFingerprint
	Repeats     int64
	NPlusOne    bool
}

type shape struct {
	key        string
	normalized string
	count      int64
	sumMs      float64
	maxMs      float64
}

// Analyze groups the event's queries by normalized shape and folds them into
// the project's SqlFingerprint table. Events without queries are a no-op.
func (n *NPlusOne) Analyze(ctx context.Context, tc tenant.Context, ev *normalize.PerformanceEvent) ([]Finding, error) {
	if len(ev.SQLQueries) == 0 {
		return nil, nil
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	byKey := map[string]*shape{}
	for _, q := range ev.SQLQueries {
		normalized, key := fingerprint.SQL(q.SQL)
		if normalized == "" {
			continue
		}
		s, ok := byKey[key]
		if !ok {
			s = &shape{key: key, normalized: normalized}
			byKey[key] = s
		}
		s.count++
		s.sumMs += q.DurationMs
		if q.DurationMs > s.maxMs {
			s.maxMs = q.DurationMs
		}
	}
	shapes := make([]*shape, 0, len(byKey))
	for _, s := range byKey {
		shapes = append(shapes, s)
	}
	// Fixed order keeps row locks consistent across concurrent workers.
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].key < shapes[j].key })

	seen := ev.OccurredAt.UTC()
	findings := make([]Finding, 0, len(shapes))
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range shapes {
			f, err := n.upsert(tx, tc, ev.Target, s, seen)
			if err != nil {
				return err
			}
			findings = append(findings, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range findings {
		f := &findings[i]
		if !f.NPlusOne {
			continue
		}
		n.logger.Info("n+1 query detected",
			zap.Uint("project_id", tc.ProjectID),
			zap.String("target", ev.Target),
			zap.String("query", f.Fingerprint.NormalizedQuery),
			zap.Int64("repeats", f.Repeats),
		)
		if n.notifier != nil {
			n.notifier.NPlusOneDetected(ctx, tc, &f.Fingerprint, f.Repeats, ev.Target)
		}
	}
	return findings, nil
}

func (n *NPlusOne) upsert(tx *gorm.DB, tc tenant.Context, target string, s *shape, seen time.Time) (Finding, error) {
	candidate := s.count > int64(n.cfg.Threshold)
	var occurrences int64
	if candidate {
		occurrences = 1
	}

	row := db.SqlFingerprint{
		AccountID:            tc.AccountID,
		ProjectID:            tc.ProjectID,
		Fingerprint:          s.key,
		NormalizedQuery:      s.normalized,
		Target:               target,
		TotalCount:           s.count,
		TotalDurationMs:      s.sumMs,
		AvgDurationMs:        s.sumMs / float64(s.count),
		MaxDurationMs:        s.maxMs,
		NPlusOne:             candidate,
		NPlusOneOccurrences:  occurrences,
		MaxRepeatsPerRequest: s.count,
		FirstSeenAt:          seen,
		LastSeenAt:           seen,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_count":             gorm.Expr("sql_fingerprints.total_count + excluded.total_count"),
			"total_duration_ms":       gorm.Expr("sql_fingerprints.total_duration_ms + excluded.total_duration_ms"),
			"max_duration_ms":         gorm.Expr("CASE WHEN excluded.max_duration_ms > sql_fingerprints.max_duration_ms THEN excluded.max_duration_ms ELSE sql_fingerprints.max_duration_ms END"),
			"n_plus_one":              gorm.Expr("CASE WHEN excluded.n_plus_one THEN excluded.n_plus_one ELSE sql_fingerprints.n_plus_one END"),
			"n_plus_one_occurrences":  gorm.Expr("sql_fingerprints.n_plus_one_occurrences + excluded.n_plus_one_occurrences"),
			"max_repeats_per_request": gorm.Expr("CASE WHEN excluded.max_repeats_per_request > sql_fingerprints.max_repeats_per_request THEN excluded.max_repeats_per_request ELSE sql_fingerprints.max_repeats_per_request END"),
			"target":                  gorm.Expr("CASE WHEN excluded.n_plus_one THEN excluded.target ELSE sql_fingerprints.target END"),
			"first_seen_at":           gorm.Expr("CASE WHEN excluded.first_seen_at < sql_fingerprints.first_seen_at THEN excluded.first_seen_at ELSE sql_fingerprints.first_seen_at END"),
			"last_seen_at":            gorm.Expr("CASE WHEN excluded.last_seen_at > sql_fingerprints.last_seen_at THEN excluded.last_seen_at ELSE sql_fingerprints.last_seen_at END"),
		}),
	}).Create(&row).Error
	if err != nil {
		return Finding{}, errors.Wrap(err, "upserting sql fingerprint")
	}

	var cur db.SqlFingerprint
	if err := db.Scoped(tx, tc).Where("fingerprint = ?", s.key).First(&cur).Error; err != nil {
		return Finding{}, errors.Wrap(err, "reading sql fingerprint")
	}
	cur.AvgDurationMs = cur.TotalDurationMs / float64(cur.TotalCount)
	cur.Slow = n.cfg.SlowQueryMs > 0 && cur.AvgDurationMs >= n.cfg.SlowQueryMs
	err = tx.Model(&db.SqlFingerprint{}).Where("id = ?", cur.ID).Updates(map[string]any{
		"avg_duration_ms": cur.AvgDurationMs,
		"slow":            cur.Slow,
	}).Error
	if err != nil {
		return Finding{}, errors.Wrap(err, "updating sql fingerprint stats")
	}
	return Finding{Fingerprint: cur, Repeats: s.count, NPlusOne: candidate}, nil
}

// ListQueries returns the project's query shapes, N+1 candidates first and
// then by total time spent.
func ListQueries(ctx context.Context, gdb *gorm.DB, tc tenant.Context, limit int) ([]db.SqlFingerprint, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []db.SqlFingerprint
	err := db.Scoped(gdb.WithContext(ctx), tc).
		Order("n_plus_one DESC").
		Order("total_duration_ms DESC").
		Limit(limit).
		Find(&out).Error
	return out, errors.Wrap(err, "listing sql fingerprints")
}
