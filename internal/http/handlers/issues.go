package handlers

import (
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/http/apierr"
	"apmingest/internal/issues"
)

// ListIssues returns the project's issues, most recently seen first.
// Query: status, limit, offset.
func ListIssues(agg *issues.Aggregator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		status := string(ctx.QueryArgs().Peek("status"))
		if status != "" && !issues.ValidStatus(status) {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, "invalid status filter", nil)
			return
		}
		opts := issues.ListOptions{
			Status: status,
			Limit:  queryInt(ctx, "limit", 50),
			Offset: queryInt(ctx, "offset", 0),
		}

		rows, total, err := agg.List(ctx, tc, opts)
		if err != nil {
			logger.Error("listing issues failed", zap.Uint("project_id", tc.ProjectID), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to query issues", nil)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for i := range rows {
			out = append(out, issueView(&rows[i]))
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"issues":   out,
			"total":    total,
			"has_more": int64(opts.Offset+len(rows)) < total,
		})
	}
}

// IssueDetail returns one issue with its recent events.
func IssueDetail(agg *issues.Aggregator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		id, ok := parseID(ctx, "id")
		if !ok {
			return
		}

		d, err := agg.Get(ctx, tc, id, queryInt(ctx, "events", 20))
		if errors.Is(err, issues.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "issue not found", nil)
			return
		}
		if err != nil {
			logger.Error("loading issue failed", zap.Uint("issue_id", id), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to load issue", nil)
			return
		}

		events := make([]map[string]any, 0, len(d.Events))
		for i := range d.Events {
			events = append(events, eventView(&d.Events[i]))
		}
		resp := issueView(&d.Issue)
		resp["events"] = events
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}

// UpdateIssueStatus moves an issue to the status in the body.
func UpdateIssueStatus(agg *issues.Aggregator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		tc, ok := MustTenant(ctx)
		if !ok {
			return
		}
		id, ok := parseID(ctx, "id")
		if !ok {
			return
		}
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}

		issue, err := agg.SetStatus(ctx, tc, id, stringField(raw, "status"))
		switch {
		case errors.Is(err, issues.ErrNotFound):
			apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "issue not found", nil)
		case errors.Is(err, issues.ErrInvalidTransition):
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed, err.Error(), nil)
		case err != nil:
			logger.Error("updating issue status failed", zap.Uint("issue_id", id), zap.Error(err))
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to update issue", nil)
		default:
			jsonResponse(ctx, fasthttp.StatusOK, issueView(issue))
		}
	}
}
