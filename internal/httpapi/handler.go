// Package httpapi exposes the observer's HTTP surface: event and
// chain-of-thought ingestion, paginated queries, the control endpoints that
// delegate to the arbiter runtime, and the live stream over SSE and
// WebSocket. Authentication, rate limiting and idempotency are layered on
// by the caller; this package only knows the routes and their semantics.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/broadcast"
	"github.com/arbiterlabs/observer/internal/metrics"
	"github.com/arbiterlabs/observer/internal/runtime"
	"github.com/arbiterlabs/observer/internal/store"
)

// DefaultMaxBodyBytes caps request bodies when configuration does not.
const DefaultMaxBodyBytes = 1 << 20

// runtimeCallTimeout bounds each delegated controller call beyond the
// client's own deadline.
const runtimeCallTimeout = 10 * time.Second

// Config wires an API.
type Config struct {
	Store *store.Store
	Hub   *broadcast.Hub
	// Runtime is nil when no runtime controller is configured; control
	// endpoints then degrade per their documented fallbacks.
	Runtime      runtime.Controller
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// API serves the observer endpoints.
type API struct {
	store   *store.Store
	hub     *broadcast.Hub
	runtime runtime.Controller
	logger  *zap.Logger
	maxBody int64
}

// New builds an API from cfg.
func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &API{
		store:   cfg.Store,
		hub:     cfg.Hub,
		runtime: cfg.Runtime,
		logger:  cfg.Logger,
		maxBody: cfg.MaxBodyBytes,
	}
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Routes registers every observer endpoint on a new mux. Middlewares in
// post wrap the mutating endpoints only (rate limiting, idempotency);
// concerns that cover every route wrap the returned mux instead.
func (a *API) Routes(post ...Middleware) *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern string, h http.HandlerFunc, mutating bool) {
		var out http.Handler = h
		if mutating {
			for i := len(post) - 1; i >= 0; i-- {
				out = post[i](out)
			}
		}
		mux.Handle(pattern, instrument(pattern, out))
	}

	handle("POST /observer/tasks", a.handleSubmitTask, true)
	handle("POST /observer/commands", a.handleCommand, true)
	handle("POST /observer/arbiter/start", a.handleArbiterStart, true)
	handle("POST /observer/arbiter/stop", a.handleArbiterStop, true)
	handle("POST /observer/observations", a.handleObservation, true)
	handle("POST /observer/ingest/events", a.handleIngestEvents, true)
	handle("POST /observer/ingest/cot", a.handleIngestCoT, true)

	handle("GET /observer/status", a.handleStatus, false)
	handle("GET /observer/metrics", a.handleMetrics, false)
	handle("GET /observer/progress", a.handleProgress, false)
	handle("GET /observer/events", a.handleListEvents, false)
	handle("GET /observer/cot", a.handleListCoT, false)
	handle("GET /observer/tasks/{taskId}", a.handleGetTask, false)

	// Streaming endpoints are registered bare: the response writer must
	// keep its Flusher (SSE) and Hijacker (WebSocket upgrade) interfaces.
	mux.HandleFunc("GET /observer/stream", a.handleStream)
	mux.HandleFunc("GET /observer/stream/ws", a.handleStreamWS)

	return mux
}

// systemEvent records an observer-originated event through the normal
// ingestion path so it is sequenced, persisted and broadcast like any
// producer event.
func (a *API) systemEvent(typ, severity, taskID string, md map[string]interface{}) {
	a.store.RecordEvent(&store.Event{
		Type:     typ,
		Severity: severity,
		Source:   "observer",
		TaskID:   taskID,
		Metadata: md,
	})
}

// instrument records request counts and latency for one route pattern.
func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(pattern, r.Method, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
