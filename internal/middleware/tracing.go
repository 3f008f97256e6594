package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/tracing"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// Tracing opens a server span per request and tags the response with the
// trace ID so callers can correlate against the journals.
type Tracing struct {
	logger *zap.Logger
}

// NewTracing creates the tracing middleware.
func NewTracing(logger *zap.Logger) *Tracing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracing{logger: logger}
}

// Middleware returns the HTTP middleware function. It never wraps the
// ResponseWriter, so streaming handlers keep their Flusher and Hijacker.
func (tm *Tracing) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartServerSpan(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		traceID := extractTraceID(r)
		if traceID == "" {
			if sc := span.SpanContext(); sc.IsValid() {
				traceID = sc.TraceID().String()
			} else {
				traceID = strings.ReplaceAll(uuid.New().String(), "-", "")
			}
		}

		ctx = context.WithValue(ctx, traceIDKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)

		tm.logger.Debug("Request received",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext returns the request's trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// extractTraceID prefers the W3C traceparent header, then the common
// custom headers.
func extractTraceID(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		if traceID, _, _, ok := tracing.ParseTraceparent(tp); ok {
			return traceID
		}
	}
	if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
		return traceID
	}
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return ""
}
