package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/http/apierr"
)

// BodyLimit rejects bodies larger than max bytes before any handler reads
// them.
func BodyLimit(max int) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if max > 0 && (ctx.Request.Header.ContentLength() > max || len(ctx.Request.Body()) > max) {
				apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge, apierr.PayloadTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", max), nil)
				return
			}
			next(ctx)
		}
	}
}

// Recover turns a handler panic into a processing_error response.
func Recover(logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic while handling request",
						zap.ByteString("method", ctx.Method()),
						zap.ByteString("path", ctx.Path()),
						zap.Any("panic", r),
						zap.Stack("stack"),
					)
					ctx.Response.Reset()
					apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "event could not be processed", nil)
				}
			}()
			next(ctx)
		}
	}
}
