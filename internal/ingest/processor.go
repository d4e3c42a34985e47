package ingest

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/db"
	"apmingest/internal/detect"
	"apmingest/internal/issues"
	"apmingest/internal/normalize"
	"apmingest/internal/queue"
	"apmingest/internal/rollup"
	"apmingest/internal/tenant"
)

// Processor runs queued ingestion tasks. Every handler takes its tenant
// scope from the task itself.
type Processor struct {
	db       *gorm.DB
	issues   *issues.Aggregator
	rollups  *rollup.Engine
	nplusone *detect.NPlusOne
	logger   *zap.Logger

	// DefaultRetentionDays applies to projects without their own retention.
	DefaultRetentionDays int
}

// NewProcessor creates a Processor. nplusone may be nil.
func NewProcessor(gdb *gorm.DB, agg *issues.Aggregator, rollups *rollup.Engine, nplusone *detect.NPlusOne, logger *zap.Logger) *Processor {
	return &Processor{
		db:       gdb,
		issues:   agg,
		rollups:  rollups,
		nplusone: nplusone,
		logger:   logger.Named("processor"),
	}
}

// Register binds the task kinds to q.
func (p *Processor) Register(q *queue.Queue) {
	q.Register(KindErrorEvent, p.HandleError)
	q.Register(KindPerformanceEvent, p.HandlePerformance)
}

// HandleError aggregates one error event into its issue.
func (p *Processor) HandleError(ctx context.Context, task queue.Task) error {
	var ev normalize.ErrorEvent
	if err := task.Decode(&ev); err != nil {
		return err
	}
	retention, err := p.retentionDays(ctx, task.Tenant)
	if err != nil {
		return err
	}
	_, err = p.issues.Record(ctx, task.Tenant, &ev, issues.RecordOptions{
		RetentionDays: retention,
		BatchID:       ev.BatchID,
	})
	return err
}

// HandlePerformance rolls one sample up and analyzes its queries. Query
// analysis failures are logged rather than retried so a retry never counts
// the sample twice.
func (p *Processor) HandlePerformance(ctx context.Context, task queue.Task) error {
	var ev normalize.PerformanceEvent
	if err := task.Decode(&ev); err != nil {
		return err
	}
	if err := p.rollups.Record(ctx, task.Tenant, &ev); err != nil {
		return err
	}
	if p.nplusone == nil {
		return nil
	}
	if _, err := p.nplusone.Analyze(ctx, task.Tenant, &ev); err != nil {
		p.logger.Warn("query analysis failed",
			zap.Uint("project_id", task.Tenant.ProjectID),
			zap.String("target", ev.Target),
			zap.Error(err),
		)
	}
	return nil
}

func (p *Processor) retentionDays(ctx context.Context, tc tenant.Context) (int, error) {
	var project db.Project
	err := p.db.WithContext(ctx).
		Select("id", "retention_days").
		Where("id = ? AND account_id = ?", tc.ProjectID, tc.AccountID).
		First(&project).Error
	if err != nil {
		return 0, errors.Wrap(err, "loading project retention")
	}
	if project.RetentionDays > 0 {
		return project.RetentionDays, nil
	}
	return p.DefaultRetentionDays, nil
}
