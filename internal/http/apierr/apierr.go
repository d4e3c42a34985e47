// Package apierr writes the structured JSON error body every API response
// uses on failure.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Machine-readable error codes.
const (
	ValidationFailed = "validation_failed"
	Unauthorized     = "unauthorized"
	Forbidden        = "forbidden"
	NotFound         = "not_found"
	Conflict         = "conflict"
	RateLimited      = "rate_limited"
	PayloadTooLarge  = "payload_too_large"
	ProcessingError  = "processing_error"
)

// Body is the error envelope.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details []any  `json:"details"`
}

// Write sets status and an error body. details may be nil.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string, details []any) {
	if details == nil {
		details = []any{}
	}
	body, _ := json.Marshal(Body{Error: code, Message: message, Details: details})
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
