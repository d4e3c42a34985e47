package middleware

import (
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/metrics"
)

// Route returns the matched route pattern, or "unmatched". The router must
// have SaveMatchedRoutePath enabled.
func Route(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(router.MatchedRoutePathParam).(string); ok && v != "" {
		return v
	}
	return "unmatched"
}

// RequestLogger logs method, path, status and duration, and records the
// request duration histogram.
func RequestLogger(logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			elapsed := time.Since(start)
			status := ctx.Response.StatusCode()

			metrics.RequestDuration.
				WithLabelValues(Route(ctx), string(ctx.Method()), strconv.Itoa(status)).
				Observe(elapsed.Seconds())

			logger.Debug("request",
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("ip", ctx.RemoteIP().String()),
			)
		}
	}
}
