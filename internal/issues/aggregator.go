// Package issues groups error events into issues by fingerprint and owns the
// issue lifecycle: upsert, status transitions, offline recomputation and
// merging, and event retention.
package issues

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/db"
	"apmingest/internal/fingerprint"
	"apmingest/internal/metrics"
	"apmingest/internal/normalize"
	"apmingest/internal/tenant"
)

var (
	ErrNotFound          = errors.New("issue not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetentionTooShort = errors.New("retention period below minimum")
)

// Alerter is told about issue activity after it is committed. Failures are
// the alerter's to log; they never fail ingestion.
type Alerter interface {
	IssueCreated(ctx context.Context, tc tenant.Context, issue *db.Issue)
	IssueRecurred(ctx context.Context, tc tenant.Context, issue *db.Issue)
}

// Aggregator upserts issues and appends events.
type Aggregator struct {
	db      *gorm.DB
	logger  *zap.Logger
	alerter Alerter

	// ReopenClosed moves closed issues back to open when they recur.
	ReopenClosed bool
}

// NewAggregator creates an Aggregator. alerter may be nil.
func NewAggregator(gdb *gorm.DB, alerter Alerter, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:      gdb,
		logger:  logger.Named("issues"),
		alerter: alerter,
	}
}

// RecordOptions carries per-event ingest settings.
type RecordOptions struct {
	RetentionDays int
	BatchID       string
}

// RecordResult describes the outcome of Record.
type RecordResult struct {
	Issue   db.Issue
	Event   db.Event
	Created bool
}

// Record aggregates one error event. The issue row is upserted with an
// atomic increment so concurrent workers never lose a count, and
// last_seen_at/first_seen_at only ever move outward, whatever the arrival
// order.
func (a *Aggregator) Record(ctx context.Context, tc tenant.Context, ev *normalize.ErrorEvent, opts RecordOptions) (*RecordResult, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	occurred := ev.OccurredAt.UTC()
	topFrame := ev.TopFrame()
	res := &RecordResult{}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		issue := db.Issue{
			AccountID:        tc.AccountID,
			ProjectID:        tc.ProjectID,
			Fingerprint:      fingerprint.ForEvent(ev),
			ExceptionClass:   ev.ExceptionClass,
			TopFrame:         topFrame,
			ControllerAction: ev.ControllerAction,
			Count:            1,
			Status:           db.IssueStatusOpen,
			FirstSeenAt:      occurred,
			LastSeenAt:       occurred,
			SampleMessage:    ev.Message,
		}

		updates := map[string]any{
			"count":          gorm.Expr("issues.count + 1"),
			"last_seen_at":   gorm.Expr("CASE WHEN excluded.last_seen_at > issues.last_seen_at THEN excluded.last_seen_at ELSE issues.last_seen_at END"),
			"first_seen_at":  gorm.Expr("CASE WHEN excluded.first_seen_at < issues.first_seen_at THEN excluded.first_seen_at ELSE issues.first_seen_at END"),
			"sample_message": gorm.Expr("CASE WHEN excluded.last_seen_at >= issues.last_seen_at THEN excluded.sample_message ELSE issues.sample_message END"),
			"updated_at":     time.Now().UTC(),
		}
		if a.ReopenClosed {
			updates["status"] = gorm.Expr("CASE WHEN issues.status = ? THEN ? ELSE issues.status END",
				db.IssueStatusClosed, db.IssueStatusOpen)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "fingerprint"}},
			DoUpdates: clause.Assignments(updates),
		}).Create(&issue).Error
		if err != nil {
			return errors.Wrap(err, "upserting issue")
		}

		if err := db.Scoped(tx, tc).Where("fingerprint = ?", issue.Fingerprint).First(&res.Issue).Error; err != nil {
			return errors.Wrap(err, "reading upserted issue")
		}
		res.Created = res.Issue.Count == 1

		event, err := buildEvent(tc, res.Issue.ID, ev, opts)
		if err != nil {
			return err
		}
		if err := tx.Create(&event).Error; err != nil {
			return errors.Wrap(err, "inserting event")
		}
		res.Event = event
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Created {
		metrics.IssuesCreated.WithLabelValues(metrics.Project(tc.ProjectID)).Inc()
		a.logger.Info("new issue",
			zap.Uint("project_id", tc.ProjectID),
			zap.Uint("issue_id", res.Issue.ID),
			zap.String("exception_class", res.Issue.ExceptionClass),
			zap.String("top_frame", res.Issue.TopFrame),
		)
	}
	if a.alerter != nil {
		if res.Created {
			a.alerter.IssueCreated(ctx, tc, &res.Issue)
		}
		a.alerter.IssueRecurred(ctx, tc, &res.Issue)
	}
	return res, nil
}

func buildEvent(tc tenant.Context, issueID uint, ev *normalize.ErrorEvent, opts RecordOptions) (db.Event, error) {
	backtrace, err := json.Marshal(ev.Backtrace)
	if err != nil {
		return db.Event{}, errors.Wrap(err, "encoding backtrace")
	}
	var tags datatypes.JSONMap
	if len(ev.Tags) > 0 {
		tags = make(datatypes.JSONMap, len(ev.Tags))
		for k, v := range ev.Tags {
			tags[k] = v
		}
	}
	batchID := ev.BatchID
	if batchID == "" {
		batchID = opts.BatchID
	}
	occurred := ev.OccurredAt.UTC()
	return db.Event{
		ExpiresAt:        db.EventExpiry(occurred, opts.RetentionDays),
		AccountID:        tc.AccountID,
		ProjectID:        tc.ProjectID,
		IssueID:          issueID,
		ExceptionClass:   ev.ExceptionClass,
		Message:          ev.Message,
		ControllerAction: ev.ControllerAction,
		Environment:      ev.Environment,
		OccurredAt:       occurred,
		BatchID:          batchID,
		Backtrace:        datatypes.JSON(backtrace),
		Context:          datatypes.JSONMap(ev.Context),
		Tags:             tags,
	}, nil
}
