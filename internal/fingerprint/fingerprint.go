// Package fingerprint derives the stable grouping keys used to bucket error
// events into issues and SQL executions into query shapes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"apmingest/internal/normalize"
)

const sep = "\x1f"

// Compute returns the SHA-256 hex key for an error. The originating in-app
// frame is used when present, so one bug reached from several endpoints
// groups into one issue; controllerAction only matters without a frame.
func Compute(exceptionClass, topFrame, controllerAction string) string {
	origin := strings.TrimSpace(topFrame)
	if origin == "" {
		origin = "action" + sep + strings.TrimSpace(controllerAction)
	} else {
		origin = "frame" + sep + origin
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(exceptionClass) + sep + origin))
	return hex.EncodeToString(sum[:])
}

// ForEvent computes the fingerprint of a normalized error.
func ForEvent(ev *normalize.ErrorEvent) string {
	return Compute(ev.ExceptionClass, ev.TopFrame(), ev.ControllerAction)
}

// CanonicalTopFrame re-derives the canonical text of a stored top frame, so
// frames recorded before canonicalization (absolute deploy paths) converge.
func CanonicalTopFrame(stored string) string {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return ""
	}
	f := normalize.ParseFrame(stored)
	if f.File == "" {
		return stored
	}
	return f.Canonical()
}
