package handlers

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/config"
	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
)

// CreateProject creates a project (and its account if needed) and returns
// the raw token. The token is shown only in this response.
func CreateProject(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		account := strings.TrimSpace(stringField(raw, "account"))
		name := strings.TrimSpace(stringField(raw, "name"))
		if account == "" || name == "" {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "account and name required", nil)
			return
		}

		retentionDays := 0
		if v, present := raw["retention_days"]; present {
			n, ok := intValue(v)
			if !ok || n < config.MinRetentionDays {
				apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "invalid retention_days", nil)
				return
			}
			retentionDays = n
		}

		project, token, err := dbpkg.CreateProject(db.WithContext(ctx), account, name, retentionDays)
		if err != nil {
			logger.Error("creating project failed", zap.String("account", account), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to create project", nil)
			return
		}
		logger.Info("project created",
			zap.Uint("project_id", project.ID),
			zap.Uint("account_id", project.AccountID),
			zap.String("token_prefix", project.TokenPrefix),
			actor(ctx),
		)
		jsonResponse(ctx, fasthttp.StatusCreated, map[string]any{
			"id":             project.ID,
			"account_id":     project.AccountID,
			"name":           project.Name,
			"token":          token,
			"token_prefix":   project.TokenPrefix,
			"retention_days": project.RetentionDays,
		})
	}
}

// SetProjectActive enables or disables a project's token.
func SetProjectActive(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseID(ctx, "id")
		if !ok {
			return
		}
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		active, ok := raw["active"].(bool)
		if !ok {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "active (true|false) required", nil)
			return
		}

		var project dbpkg.Project
		if err := db.WithContext(ctx).First(&project, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "project not found", nil)
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "database error", nil)
			return
		}
		if err := db.WithContext(ctx).Model(&project).Update("active", active).Error; err != nil {
			logger.Error("updating project failed", zap.Uint("project_id", id), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to update project", nil)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"id": project.ID, "active": active})
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), t == float64(int(t))
	case interface{ Int64() (int64, error) }:
		n, err := t.Int64()
		return int(n), err == nil
	}
	return 0, false
}
