package issues

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/db"
	"apmingest/internal/fingerprint"
	"apmingest/internal/tenant"
)

// Recompute action kinds.
const (
	ActionUpdate = "update"
	ActionMerge  = "merge"
)

// RecomputeOptions scopes a recomputation pass.
type RecomputeOptions struct {
	// DryRun plans every action without writing anything.
	DryRun bool
	// ProjectID limits the pass to one project; 0 scans all projects.
	ProjectID uint
	// BatchSize is the page size used to walk issues by id.
	BatchSize int
}

// Action is one planned or applied change.
type Action struct {
	Kind           string `json:"kind"`
	ProjectID      uint   `json:"project_id"`
	IssueID        uint   `json:"issue_id"`
	OldFingerprint string `json:"old_fingerprint"`
	NewFingerprint string `json:"new_fingerprint"`
	TargetIssueID  uint   `json:"target_issue_id,omitempty"`
	Count          int64  `json:"count"`
}

// RecomputeReport summarizes a pass.
type RecomputeReport struct {
	DryRun    bool     `json:"dry_run"`
	Scanned   int      `json:"scanned"`
	Unchanged int      `json:"unchanged"`
	Updated   int      `json:"updated"`
	Merged    int      `json:"merged"`
	Errors    int      `json:"errors"`
	Actions   []Action `json:"actions"`
}

type fpKey struct {
	projectID   uint
	fingerprint string
}

// plan tracks the simulated state of a dry run: fingerprints claimed by
// planned updates and issues that no longer hold their stored fingerprint.
type plan struct {
	owner map[fpKey]uint
	gone  map[uint]bool
}

// Recompute re-derives every issue's fingerprint with the current
// algorithm. Changed issues are updated in place, or merged into the issue
// of the same project that already owns the new fingerprint. Merges never
// cross projects. A failing issue is counted and skipped.
func (a *Aggregator) Recompute(ctx context.Context, opts RecomputeOptions) (*RecomputeReport, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	report := &RecomputeReport{DryRun: opts.DryRun, Actions: []Action{}}
	var sim *plan
	if opts.DryRun {
		sim = &plan{owner: map[fpKey]uint{}, gone: map[uint]bool{}}
	}

	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var page []db.Issue
		q := a.db.WithContext(ctx).Where("id > ?", lastID).Order("id").Limit(opts.BatchSize)
		if opts.ProjectID != 0 {
			q = q.Where("project_id = ?", opts.ProjectID)
		}
		if err := q.Find(&page).Error; err != nil {
			return report, errors.Wrap(err, "paging issues")
		}
		if len(page) == 0 {
			break
		}
		lastID = page[len(page)-1].ID

		for i := range page {
			issue := page[i]
			report.Scanned++
			action, err := a.recomputeOne(ctx, &issue, sim)
			switch {
			case err != nil:
				report.Errors++
				a.logger.Warn("recompute failed for issue",
					zap.Uint("issue_id", issue.ID),
					zap.Uint("project_id", issue.ProjectID),
					zap.Error(err),
				)
			case action == nil:
				report.Unchanged++
			case action.Kind == ActionMerge:
				report.Merged++
				report.Actions = append(report.Actions, *action)
			default:
				report.Updated++
				report.Actions = append(report.Actions, *action)
			}
		}
	}

	a.logger.Info("fingerprint recompute finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("updated", report.Updated),
		zap.Int("merged", report.Merged),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

func (a *Aggregator) recomputeOne(ctx context.Context, issue *db.Issue, sim *plan) (*Action, error) {
	tc := tenant.New(issue.AccountID, issue.ProjectID)
	topFrame := fingerprint.CanonicalTopFrame(issue.TopFrame)
	newFP := fingerprint.Compute(issue.ExceptionClass, topFrame, issue.ControllerAction)
	if newFP == issue.Fingerprint {
		return nil, nil
	}

	action := &Action{
		Kind:           ActionUpdate,
		ProjectID:      issue.ProjectID,
		IssueID:        issue.ID,
		OldFingerprint: issue.Fingerprint,
		NewFingerprint: newFP,
		Count:          issue.Count,
	}

	if sim != nil {
		targetID, err := a.findOwner(a.db.WithContext(ctx), tc, newFP, issue.ID, sim)
		if err != nil {
			return nil, err
		}
		sim.gone[issue.ID] = true
		if targetID != 0 {
			action.Kind = ActionMerge
			action.TargetIssueID = targetID
		} else {
			sim.owner[fpKey{issue.ProjectID, newFP}] = issue.ID
		}
		return action, nil
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		targetID, err := a.findOwner(tx, tc, newFP, issue.ID, nil)
		if err != nil {
			return err
		}
		if targetID == 0 {
			return db.Scoped(tx.Model(&db.Issue{}), tc).Where("id = ?", issue.ID).
				Updates(map[string]any{
					"fingerprint": newFP,
					"top_frame":   topFrame,
					"updated_at":  time.Now().UTC(),
				}).Error
		}
		action.Kind = ActionMerge
		action.TargetIssueID = targetID
		return mergeInto(tx, tc, issue, targetID)
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// findOwner returns the id of another issue in the same project holding fp,
// or 0.
func (a *Aggregator) findOwner(q *gorm.DB, tc tenant.Context, fp string, self uint, sim *plan) (uint, error) {
	if sim != nil {
		if id, ok := sim.owner[fpKey{tc.ProjectID, fp}]; ok && id != self {
			return id, nil
		}
	}
	var other db.Issue
	err := db.Scoped(q, tc).Where("fingerprint = ? AND id <> ?", fp, self).First(&other).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "looking up fingerprint owner")
	}
	if sim != nil && sim.gone[other.ID] {
		return 0, nil
	}
	return other.ID, nil
}

// mergeInto folds source into target: counts add, first_seen_at takes the
// minimum and last_seen_at the maximum, events move to target and source is
// deleted. Both issues must belong to tc.
func mergeInto(tx *gorm.DB, tc tenant.Context, source *db.Issue, targetID uint) error {
	first, last := source.FirstSeenAt.UTC(), source.LastSeenAt.UTC()
	res := db.Scoped(tx.Model(&db.Issue{}), tc).Where("id = ?", targetID).
		Updates(map[string]any{
			"count":         gorm.Expr("count + ?", source.Count),
			"first_seen_at": gorm.Expr("CASE WHEN first_seen_at > ? THEN ? ELSE first_seen_at END", first, first),
			"last_seen_at":  gorm.Expr("CASE WHEN last_seen_at < ? THEN ? ELSE last_seen_at END", last, last),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "merging counts")
	}
	if res.RowsAffected != 1 {
		return errors.Errorf("merge target %d not found in project %d", targetID, tc.ProjectID)
	}

	err := db.Scoped(tx.Model(&db.Event{}), tc).Where("issue_id = ?", source.ID).
		Update("issue_id", targetID).Error
	if err != nil {
		return errors.Wrap(err, "reassigning events")
	}

	res = db.Scoped(tx, tc).Where("id = ?", source.ID).Delete(&db.Issue{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "deleting merged issue")
	}
	return nil
}
