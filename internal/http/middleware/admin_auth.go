package middleware

import (
	"bytes"
	"encoding/base64"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
	httpctx "apmingest/internal/http/ctx"
)

// AdminAuth checks HTTP basic credentials against the admin users table and
// sets the user on the context.
func AdminAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			username, password, ok := basicAuth(ctx.Request.Header.Peek("Authorization"))
			if !ok {
				deny(ctx)
				return
			}
			user, err := dbpkg.AuthenticateAdmin(db.WithContext(ctx), username, password)
			if err != nil {
				deny(ctx)
				return
			}
			httpctx.SetUser(ctx, user)
			next(ctx)
		}
	}
}

func deny(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="apmingest admin"`)
	apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.Unauthorized, "admin credentials required", nil)
}

func basicAuth(header []byte) (username, password string, ok bool) {
	const prefix = "Basic "
	if !bytes.HasPrefix(header, []byte(prefix)) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(string(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, found := bytes.Cut(decoded, []byte(":"))
	if !found || len(user) == 0 {
		return "", "", false
	}
	return string(user), string(pass), true
}
