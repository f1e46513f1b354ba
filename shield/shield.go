// Package shield provides the HTTP middleware stack of the recorder's
// control API.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the middleware stack for the control API, ordered
// HeadToGet, SecurityHeaders, MaxBody, TraceID.
func DefaultStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		TraceID(logger),
	}
}
