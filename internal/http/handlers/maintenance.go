package handlers

import (
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
	"apmingest/internal/issues"
)

// RecomputeFingerprints re-derives issue fingerprints. Query: dry_run,
// project_id.
func RecomputeFingerprints(agg *issues.Aggregator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		opts := issues.RecomputeOptions{
			DryRun:    ctx.QueryArgs().GetBool("dry_run"),
			ProjectID: uint(queryInt(ctx, "project_id", 0)),
		}
		report, err := agg.Recompute(ctx, opts)
		if err != nil {
			logger.Error("fingerprint recompute failed", actor(ctx), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "recompute failed", nil)
			return
		}
		logger.Info("fingerprints recomputed",
			actor(ctx),
			zap.Bool("dry_run", opts.DryRun),
			zap.Uint("project_id", opts.ProjectID),
		)
		jsonResponse(ctx, fasthttp.StatusOK, report)
	}
}

// CleanupEvents deletes one project's events older than the requested
// number of days. Body: {"project_id": 1, "days": 30}.
func CleanupEvents(db *gorm.DB, agg *issues.Aggregator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		projectID, okID := intValue(raw["project_id"])
		days, okDays := intValue(raw["days"])
		if !okID || projectID <= 0 || !okDays {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "project_id and days required", nil)
			return
		}

		var project dbpkg.Project
		if err := db.WithContext(ctx).First(&project, projectID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "project not found", nil)
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "database error", nil)
			return
		}

		deleted, err := agg.CleanupEvents(ctx, project.Tenant(), days, time.Now())
		if errors.Is(err, issues.ErrRetentionTooShort) {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, err.Error(), nil)
			return
		}
		if err != nil {
			logger.Error("event cleanup failed", actor(ctx), zap.Uint("project_id", project.ID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "cleanup failed", nil)
			return
		}
		logger.Info("events cleaned up",
			actor(ctx),
			zap.Uint("project_id", project.ID),
			zap.Int("days", days),
			zap.Int64("deleted", deleted),
		)
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"project_id": project.ID,
			"days":       days,
			"deleted":    deleted,
		})
	}
}
