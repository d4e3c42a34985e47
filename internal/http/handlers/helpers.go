package handlers

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/http/apierr"
	httpctx "apmingest/internal/http/ctx"
	"apmingest/internal/tenant"
)

// actor names the authenticated admin for audit logs.
func actor(ctx *fasthttp.RequestCtx) zap.Field {
	if user, ok := httpctx.UserFromCtx(ctx); ok {
		return zap.String("admin", user.Username)
	}
	return zap.String("admin", "unknown")
}

// MustTenant returns the request's tenant scope, or sends 401 and returns
// false.
func MustTenant(ctx *fasthttp.RequestCtx) (tenant.Context, bool) {
	tc, ok := httpctx.TenantFromCtx(ctx)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusUnauthorized, apierr.Unauthorized, "unauthorized", nil)
		return tenant.Context{}, false
	}
	return tc, true
}

func jsonResponse(ctx *fasthttp.RequestCtx, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to encode response", nil)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func decoder(body []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec
}

// parseObject decodes the body as a JSON object. It sends 400 and returns
// false when the body is not one.
func parseObject(ctx *fasthttp.RequestCtx) (map[string]any, bool) {
	var raw map[string]any
	if err := decoder(ctx.PostBody()).Decode(&raw); err != nil || raw == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, "request body must be a JSON object", nil)
		return nil, false
	}
	return raw, true
}

// parseID reads a positive integer path parameter.
func parseID(ctx *fasthttp.RequestCtx, name string) (uint, bool) {
	s, _ := ctx.UserValue(name).(string)
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, "invalid "+name, nil)
		return 0, false
	}
	return uint(id), true
}

// queryInt reads a non-negative integer query argument, or def.
func queryInt(ctx *fasthttp.RequestCtx, name string, def int) int {
	v := ctx.QueryArgs().Peek(name)
	if len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(string(v))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
