// Package auth guards the observer's HTTP surface with a shared bearer
// token and an Origin allowlist. There are no users or roles; the token is
// a deployment credential.
package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/metrics"
)

// Middleware authorises requests. A zero-value token disables the bearer
// check; an empty allowlist disables the Origin check.
type Middleware struct {
	token   string
	origins map[string]struct{}
	logger  *zap.Logger
}

// NewMiddleware builds the auth middleware. Origins are normalised to
// case-folded scheme//host form at construction.
func NewMiddleware(token string, allowedOrigins []string, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Middleware{token: token, logger: logger}
	if len(allowedOrigins) > 0 {
		m.origins = make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			if key, ok := originKey(o); ok {
				m.origins[key] = struct{}{}
			} else {
				logger.Warn("Ignoring malformed allowed origin", zap.String("origin", o))
			}
		}
	}
	return m
}

// Enabled reports whether a bearer token is configured.
func (m *Middleware) Enabled() bool { return m.token != "" }

// Middleware returns the HTTP middleware function.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Origin gate first: a browser page outside the allowlist is
		// rejected even when it somehow holds a valid token.
		if origin := r.Header.Get("Origin"); origin != "" && m.origins != nil {
			key, ok := originKey(origin)
			if !ok || !m.allowed(key) {
				metrics.AuthFailures.WithLabelValues("origin").Inc()
				m.logger.Debug("Origin rejected",
					zap.String("origin", origin),
					zap.String("path", r.URL.Path),
				)
				sendForbidden(w, "origin not allowed")
				return
			}
		}

		if m.token != "" {
			presented := extractToken(r)
			if presented == "" {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				sendUnauthorized(w, "bearer token is required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(m.token)) != 1 {
				metrics.AuthFailures.WithLabelValues("bad_token").Inc()
				m.logger.Debug("Token rejected", zap.String("path", r.URL.Path))
				sendUnauthorized(w, "invalid bearer token")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) allowed(key string) bool {
	_, ok := m.origins[key]
	return ok
}

// originKey normalises an Origin header value to case-folded scheme//host.
// Port is part of the host and therefore significant.
func originKey(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "//" + strings.ToLower(u.Host), true
}

// extractToken pulls the bearer token from the Authorization header, or
// from the token query parameter for EventSource clients that cannot set
// headers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="Observer API"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + message + `"}}`))
}

func sendForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":{"code":"forbidden","message":"` + message + `"}}`))
}
