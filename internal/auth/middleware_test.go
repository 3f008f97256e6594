package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestNoTokenConfiguredAllowsAll(t *testing.T) {
	mw := NewMiddleware("", nil, zaptest.NewLogger(t))
	if mw.Enabled() {
		t.Fatal("middleware reports enabled without a token")
	}

	req := httptest.NewRequest(http.MethodGet, "/observer/status", nil)
	rec := httptest.NewRecorder()
	mw.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without auth configured, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	mw := NewMiddleware("s3cret", nil, zaptest.NewLogger(t))
	handler := mw.Middleware(okHandler())

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/observer/events", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("WWW-Authenticate header missing")
		}
		assertErrorEnvelope(t, rec, "unauthorized")
	})

	t.Run("mismatched", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/observer/events", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("valid header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/observer/events", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("case-insensitive scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/observer/events", nil)
		req.Header.Set("Authorization", "bearer s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("basic scheme rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/observer/events", nil)
		req.Header.Set("Authorization", "Basic s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("query token for EventSource", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/observer/stream?token=s3cret", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 with query token, got %d", rec.Code)
		}
	})
}

func TestOriginAllowlist(t *testing.T) {
	mw := NewMiddleware("", []string{"https://Ops.Example.com", "http://localhost:3000"}, zaptest.NewLogger(t))
	handler := mw.Middleware(okHandler())

	cases := []struct {
		name   string
		origin string
		want   int
	}{
		{"absent origin accepted", "", http.StatusOK},
		{"allowed origin", "https://ops.example.com", http.StatusOK},
		{"case-folded match", "HTTPS://OPS.EXAMPLE.COM", http.StatusOK},
		{"allowed with port", "http://localhost:3000", http.StatusOK},
		{"unknown origin", "https://evil.example.com", http.StatusForbidden},
		{"scheme mismatch", "http://ops.example.com", http.StatusForbidden},
		{"port mismatch", "http://localhost:3001", http.StatusForbidden},
		{"garbage origin", "not a url", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/observer/status", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("origin %q: expected %d, got %d", tc.origin, tc.want, rec.Code)
			}
			if tc.want == http.StatusForbidden {
				assertErrorEnvelope(t, rec, "forbidden")
			}
		})
	}
}

func TestOriginCheckedBeforeToken(t *testing.T) {
	mw := NewMiddleware("s3cret", []string{"https://ops.example.com"}, zaptest.NewLogger(t))
	handler := mw.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/observer/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin with valid token, got %d", rec.Code)
	}
}

func TestEmptyAllowlistAcceptsAnyOrigin(t *testing.T) {
	mw := NewMiddleware("", nil, zaptest.NewLogger(t))
	req := httptest.NewRequest(http.MethodGet, "/observer/status", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	mw.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func assertErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not the error envelope: %v (%s)", err, rec.Body.String())
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	if body.Error.Message == "" {
		t.Error("error message empty")
	}
}
