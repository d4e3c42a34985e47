package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/ingest"
	"apmingest/internal/tenant"
)

// PerformanceSubmitter is the part of ingest.Service self-monitoring uses.
type PerformanceSubmitter interface {
	SubmitPerformance(ctx context.Context, tc tenant.Context, raw map[string]any) (*ingest.Accepted, error)
}

// InternalReporting reports this instance's own API requests as performance
// samples of the self-monitoring project. A zero tc disables it. Ingestion,
// metrics and health routes are never reported.
func InternalReporting(svc PerformanceSubmitter, tc tenant.Context, env string, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if svc == nil || tc.Validate() != nil {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return next
		}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			duration := time.Since(start)

			path := string(ctx.Path())
			if strings.HasPrefix(path, "/events/") || path == "/metrics" || path == "/v1/metrics" || path == "/healthz" {
				return
			}

			payload := map[string]any{
				"name": "request.completed",
				"properties": map[string]any{
					"controller_action": string(ctx.Method()) + " " + Route(ctx),
					"duration_ms":       float64(duration.Microseconds()) / 1000,
					"status":            ctx.Response.StatusCode(),
					"environment":       env,
					"occurred_at":       start.UTC().Format(time.RFC3339Nano),
				},
			}

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := svc.SubmitPerformance(ctx, tc, payload); err != nil {
					logger.Debug("self-monitoring sample dropped", zap.Error(err))
				}
			}()
		}
	}
}
