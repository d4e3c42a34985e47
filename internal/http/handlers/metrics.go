package handlers

import (
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"apmingest/internal/alerting"
	dbpkg "apmingest/internal/db"
	"apmingest/internal/detect"
	"apmingest/internal/http/apierr"
	"apmingest/internal/rollup"
)

// parseRange reads "hours" (float, e.g. 0.5) or "days" (int) and picks a
// resolution: minute buckets up to 2 hours, hour buckets up to 7 days, day
// buckets beyond. An explicit "timeframe" wins.
func parseRange(ctx *fasthttp.RequestCtx, now time.Time) (from time.Time, timeframe string) {
	span := 24 * time.Hour
	if h := string(ctx.QueryArgs().Peek("hours")); h != "" {
		if f, err := strconv.ParseFloat(h, 64); err == nil && f > 0 {
			span = time.Duration(f * float64(time.Hour))
		}
	} else if d := string(ctx.QueryArgs().Peek("days")); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			span = time.Duration(n) * 24 * time.Hour
		}
	}

	switch {
	case span <= 2*time.Hour:
		timeframe = dbpkg.TimeframeMinute
	case span <= 7*24*time.Hour:
		timeframe = dbpkg.TimeframeHour
	default:
		timeframe = dbpkg.TimeframeDay
	}
	if tf := string(ctx.QueryArgs().Peek("timeframe")); tf != "" {
		timeframe = tf
	}
	return now.Add(-span), timeframe
}

// Rollups returns the buckets of a time range and their merged summary.
// Query: target, environment, hours|days, timeframe.
func Rollups(engine *rollup.Engine, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		now := time.Now().UTC()
		from, timeframe := parseRange(ctx, now)
		if !rollup.ValidTimeframe(timeframe) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, "timeframe must be minute, hour or day", nil)
			return
		}
		q := rollup.Query{
			Target:      string(ctx.QueryArgs().Peek("target")),
			Environment: string(ctx.QueryArgs().Peek("environment")),
			Timeframe:   timeframe,
			From:        rollup.Truncate(from, timeframe),
			To:          now.Add(time.Nanosecond),
		}

		rows, err := engine.Buckets(ctx, tc, q)
		if err != nil {
			logger.Error("loading rollups failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to query rollups", nil)
			return
		}
		summary, err := rollup.Merge(rows)
		if err != nil {
			logger.Error("merging rollups failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to merge rollups", nil)
			return
		}

		buckets := make([]map[string]any, 0, len(rows))
		for i := range rows {
			buckets = append(buckets, rollupView(&rows[i]))
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"timeframe": timeframe,
			"from":      formatTime(q.From),
			"to":        formatTime(now),
			"summary":   summary,
			"buckets":   buckets,
		})
	}
}

// Queries lists the project's SQL query shapes, N+1 candidates first.
func Queries(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		rows, err := detect.ListQueries(ctx, db, tc, queryInt(ctx, "limit", 50))
		if err != nil {
			logger.Error("listing queries failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to query sql fingerprints", nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for i := range rows {
			out = append(out, queryView(&rows[i]))
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"queries": out})
	}
}

// Incidents lists the project's open performance incidents.
func Incidents(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		rows, err := detect.OpenIncidents(ctx, db, tc)
		if err != nil {
			logger.Error("listing incidents failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to query incidents", nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for i := range rows {
			out = append(out, incidentView(&rows[i]))
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"incidents": out})
	}
}

// Notifications lists the project's recent alert dispatch decisions.
func Notifications(db *gorm.DB, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		rows, err := alerting.Notifications(ctx, db, tc, queryInt(ctx, "limit", 50))
		if err != nil {
			logger.Error("listing notifications failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to query notifications", nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for i := range rows {
			out = append(out, notificationView(&rows[i]))
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"notifications": out})
	}
}
