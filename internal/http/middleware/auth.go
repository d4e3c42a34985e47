package middleware

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
	httpctx "apmingest/internal/http/ctx"
)

// ProjectTokenHeader carries the per-project credential.
const ProjectTokenHeader = "X-Project-Token"

// ProjectToken reads the credential from X-Project-Token, falling back to
// an Authorization bearer token.
func ProjectToken(ctx *fasthttp.RequestCtx) string {
	if v := bytes.TrimSpace(ctx.Request.Header.Peek(ProjectTokenHeader)); len(v) > 0 {
		return string(v)
	}
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Bearer "
	if !bytes.HasPrefix(auth, []byte(prefix)) {
		return ""
	}
	return strings.TrimSpace(string(auth[len(prefix):]))
}

// ProjectAuth resolves the project token and sets the project and tenant
// scope on the request.
func ProjectAuth(db *gorm.DB, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token := ProjectToken(ctx)
			if token == "" {
				apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.Unauthorized, "missing project token", nil)
				return
			}

			project, err := dbpkg.FindProjectByToken(db.WithContext(ctx), token)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "project not found", nil)
					return
				}
				logger.Error("project lookup failed", zap.Error(err))
				apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "database error", nil)
				return
			}
			if !project.Active {
				apierr.Write(ctx, fasthttp.StatusForbidden, apierr.Forbidden, "project is inactive", nil)
				return
			}

			httpctx.SetProject(ctx, project)
			next(ctx)
		}
	}
}
