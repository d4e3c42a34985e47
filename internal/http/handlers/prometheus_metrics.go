package handlers

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
	"apmingest/internal/metrics"
)

// ProjectMetricsHandler exposes the metrics of one project, authenticated
// by its token in the api-key query parameter. Families without a project
// label are shared and always included.
func ProjectMetricsHandler(db *gorm.DB, gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := string(ctx.QueryArgs().Peek("api-key"))
		if token == "" {
			apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.Unauthorized, "missing api-key query parameter", nil)
			return
		}

		project, err := dbpkg.FindProjectByToken(db.WithContext(ctx), token)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.Unauthorized, "invalid api key", nil)
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "database error", nil)
			return
		}
		if !project.Active {
			apierr.Write(ctx, fasthttp.StatusForbidden, apierr.Forbidden, "project is inactive", nil)
			return
		}

		families, err := gatherer.Gather()
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to gather metrics", nil)
			return
		}
		writeFamilies(ctx, metrics.FilterProject(families, metrics.Project(project.ID)))
	}
}

// AllMetricsHandler exposes every family. It is mounted behind admin auth.
func AllMetricsHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		families, err := gatherer.Gather()
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to gather metrics", nil)
			return
		}
		writeFamilies(ctx, families)
	}
}

func writeFamilies(ctx *fasthttp.RequestCtx, families []*dto.MetricFamily) {
	var buf bytes.Buffer
	if err := metrics.WriteText(&buf, families); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to encode metrics", nil)
		return
	}
	ctx.SetContentType(metrics.ContentType())
	ctx.Response.Header.Set("Cache-Control", "no-store")
	ctx.SetBody(buf.Bytes())
}
