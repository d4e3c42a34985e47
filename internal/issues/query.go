package issues

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/config"
	"apmingest/internal/db"
	"apmingest/internal/tenant"
)

// transitions lists the allowed status moves.
var transitions = map[string]map[string]bool{
	db.IssueStatusOpen:   {db.IssueStatusWIP: true, db.IssueStatusClosed: true},
	db.IssueStatusWIP:    {db.IssueStatusOpen: true, db.IssueStatusClosed: true},
	db.IssueStatusClosed: {db.IssueStatusOpen: true},
}

// ValidStatus reports whether s is a known issue status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// ListOptions filters and pages List.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// List returns the tenant's issues, most recently seen first, and the total
// matching count.
func (a *Aggregator) List(ctx context.Context, tc tenant.Context, opts ListOptions) ([]db.Issue, int64, error) {
	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}
	query := func() *gorm.DB {
		q := db.Scoped(a.db.WithContext(ctx).Model(&db.Issue{}), tc)
		if opts.Status != "" {
			q = q.Where("status = ?", opts.Status)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting issues")
	}
	var out []db.Issue
	err := query().Order("last_seen_at DESC").Order("id DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&out).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing issues")
	}
	return out, total, nil
}

// Detail is an issue with its most recent events.
type Detail struct {
	Issue  db.Issue   `json:"issue"`
	Events []db.Event `json:"events"`
}

// Get returns one issue of the tenant with up to eventLimit recent events.
func (a *Aggregator) Get(ctx context.Context, tc tenant.Context, id uint, eventLimit int) (*Detail, error) {
	var d Detail
	err := db.Scoped(a.db.WithContext(ctx), tc).Where("id = ?", id).First(&d.Issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading issue")
	}
	if eventLimit <= 0 {
		eventLimit = 20
	}
	err = db.Scoped(a.db.WithContext(ctx), tc).
		Where("issue_id = ?", id).
		Order("occurred_at DESC").
		Limit(eventLimit).
		Find(&d.Events).Error
	if err != nil {
		return nil, errors.Wrap(err, "loading issue events")
	}
	return &d, nil
}

// SetStatus moves an issue to status if the transition is allowed.
func (a *Aggregator) SetStatus(ctx context.Context, tc tenant.Context, id uint, status string) (*db.Issue, error) {
	if !ValidStatus(status) {
		return nil, errors.Wrapf(ErrInvalidTransition, "unknown status %q", status)
	}

	var issue db.Issue
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.Scoped(tx, tc).Where("id = ?", id).First(&issue).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if issue.Status == status {
			return nil
		}
		if !transitions[issue.Status][status] {
			return errors.Wrapf(ErrInvalidTransition, "%s -> %s", issue.Status, status)
		}
		// Guarded on the read status so a concurrent change is not overwritten.
		res := db.Scoped(tx.Model(&db.Issue{}), tc).
			Where("id = ? AND status = ?", id, issue.Status).
			Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Wrap(ErrInvalidTransition, "status changed concurrently")
		}
		issue.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CleanupEvents deletes the tenant's events older than days. Requests below
// the retention floor are rejected.
func (a *Aggregator) CleanupEvents(ctx context.Context, tc tenant.Context, days int, now time.Time) (int64, error) {
	if days < config.MinRetentionDays {
		return 0, errors.Wrapf(ErrRetentionTooShort, "%d days requested, minimum is %d", days, config.MinRetentionDays)
	}
	if err := tc.Validate(); err != nil {
		return 0, err
	}
	cutoff := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res := db.Scoped(a.db.WithContext(ctx), tc).Where("occurred_at < ?", cutoff).Delete(&db.Event{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "deleting events")
	}
	a.logger.Info("events cleaned up",
		zap.Uint("project_id", tc.ProjectID),
		zap.Int("days", days),
		zap.Int64("deleted", res.RowsAffected),
	)
	return res.RowsAffected, nil
}
