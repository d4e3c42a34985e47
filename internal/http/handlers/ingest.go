package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
	"apmingest/internal/ingest"
	"apmingest/internal/normalize"
)

// ErrorEvent accepts one error event.
func ErrorEvent(svc *ingest.Service, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		acc, err := svc.SubmitError(ctx, tc, raw)
		if err != nil {
			submitFailed(ctx, logger, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"project_id":      acc.ProjectID,
			"exception_class": acc.ExceptionClass,
		})
	}
}

// PerformanceEvent accepts one performance sample.
func PerformanceEvent(svc *ingest.Service, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		acc, err := svc.SubmitPerformance(ctx, tc, raw)
		if err != nil {
			submitFailed(ctx, logger, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"project_id": acc.ProjectID,
			"target":     acc.Target,
		})
	}
}

// BatchEvents accepts a JSON array of events, or an object with an
// "events" array. Items are classified and validated one by one.
func BatchEvents(svc *ingest.Service, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		items, err := parseBatch(ctx.PostBody())
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, err.Error(), nil)
			return
		}

		res, err := svc.SubmitBatch(ctx, tc, items)
		if err != nil {
			if errors.Is(err, ingest.ErrEmptyBatch) || errors.Is(err, ingest.ErrBatchTooLarge) {
				apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, err.Error(), nil)
				return
			}
			submitFailed(ctx, logger, err)
			return
		}
		rejected := res.Rejected
		if rejected == nil {
			rejected = []ingest.Rejection{}
		}
		jsonResponse(ctx, fasthttp.StatusAccepted, map[string]any{
			"batch_id":        res.BatchID,
			"processed_count": res.ProcessedCount,
			"total_count":     res.TotalCount,
			"rejected":        rejected,
		})
	}
}

// parseBatch returns one map per item. Items that are not objects become
// nil and are rejected individually.
func parseBatch(body []byte) ([]map[string]any, error) {
	var list []json.RawMessage
	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := decoder(body).Decode(&list); err != nil {
			return nil, errors.New("request body must be a JSON array of events")
		}
	case strings.HasPrefix(trimmed, "{"):
		var envelope struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := decoder(body).Decode(&envelope); err != nil {
			return nil, errors.New("request body must be a JSON array of events")
		}
		list = envelope.Events
	default:
		return nil, errors.New("request body must be a JSON array of events")
	}

	items := make([]map[string]any, len(list))
	for i, item := range list {
		var m map[string]any
		if err := decoder(item).Decode(&m); err == nil {
			items[i] = m
		}
	}
	return items, nil
}

func submitFailed(ctx *fasthttp.RequestCtx, logger *zap.Logger, err error) {
	if verr, ok := normalize.AsValidationError(err); ok {
		details := make([]any, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			details = append(details, f)
		}
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, verr.Error(), details)
		return
	}
	logger.Error("ingestion failed",
		zap.ByteString("path", ctx.Path()),
		zap.Error(err),
		zap.Stack("stack"),
	)
	apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "event could not be processed", nil)
}

// CreateRelease registers a deploy for the project.
func CreateRelease(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}

		version := strings.TrimSpace(stringField(raw, "version"))
		if version == "" {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "version is required",
				[]any{normalize.FieldError{Field: "version", Message: "is required"}})
			return
		}
		environment := strings.TrimSpace(stringField(raw, "environment"))
		if environment == "" {
			environment = "production"
		}
		releasedAt := time.Now().UTC()
		if s := stringField(raw, "released_at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, "released_at must be RFC 3339",
					[]any{normalize.FieldError{Field: "released_at", Message: "must be RFC 3339"}})
				return
			}
			releasedAt = t
		}

		rel, err := dbpkg.CreateRelease(ctx, db, tc, version, environment, stringField(raw, "commit_sha"), releasedAt)
		if errors.Is(err, dbpkg.ErrReleaseExists) {
			apierr.Write(ctx, fasthttp.StatusConflict, apierr.Conflict, "release "+version+" already exists for "+environment, nil)
			return
		}
		if err != nil {
			logger.Error("creating release failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to create release", nil)
			return
		}
		jsonResponse(ctx, fasthttp.StatusCreated, map[string]any{
			"id":          rel.ID,
			"project_id":  rel.ProjectID,
			"version":     rel.Version,
			"environment": rel.Environment,
			"commit_sha":  rel.CommitSHA,
			"released_at": rel.ReleasedAt.Format(time.RFC3339),
		})
	}
}
