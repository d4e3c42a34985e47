package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/http/apierr"
	httpctx "apmingest/internal/http/ctx"
	"apmingest/internal/metrics"
	"apmingest/internal/ratelimit"
)

// RateLimit applies the per-credential limit. It must run behind
// ProjectAuth. Limiter failures let the request through.
func RateLimit(limiter ratelimit.Limiter, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			project, ok := httpctx.ProjectFromCtx(ctx)
			if !ok {
				next(ctx)
				return
			}

			d, err := limiter.Allow(ctx, "token:"+project.TokenHash, time.Now())
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request",
					zap.Uint("project_id", project.ID),
					zap.Error(err),
				)
				next(ctx)
				return
			}

			ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				ctx.Response.Header.Set("Retry-After", strconv.Itoa(retry))
				metrics.RateLimited.WithLabelValues(metrics.Project(project.ID)).Inc()
				apierr.Write(ctx, fasthttp.StatusTooManyRequests, apierr.RateLimited, "rate limit exceeded, retry later", nil)
				return
			}
			next(ctx)
		}
	}
}
