package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/kit"
)

var traceIDs = idgen.Prefixed("trc_", idgen.UUIDv7())

// TraceID generates a trace ID for each request and injects it into the
// context, the response headers and a per-request structured logger.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := traceIDs()
			ctx := kit.WithTransport(kit.WithTraceID(r.Context(), traceID), "http")
			w.Header().Set("X-Trace-ID", traceID)

			reqLogger := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
