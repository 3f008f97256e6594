package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Idempotency replays cached responses for POSTs carrying an
// Idempotency-Key header, so retried control operations (task submission,
// commands) do not execute twice. Requires redis; without one the
// middleware is a no-op.
type Idempotency struct {
	redis  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotency creates the idempotency middleware. redis may be nil.
func NewIdempotency(rdb *redis.Client, logger *zap.Logger) *Idempotency {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Idempotency{
		redis:  rdb,
		logger: logger,
		ttl:    24 * time.Hour,
	}
}

// cachedResponse stores the replayable result of an idempotent request.
type cachedResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Timestamp  time.Time           `json:"timestamp"`
}

// responseRecorder captures the response for caching while writing it
// through to the client.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware returns the HTTP middleware function.
func (im *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if im.redis == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := im.cacheKey(r, key)

		if cached, err := im.getCached(ctx, cacheKey); err == nil && cached != nil {
			im.logger.Debug("Replaying idempotent response",
				zap.String("idempotency_key", key),
				zap.String("path", r.URL.Path),
			)
			for name, values := range cached.Headers {
				for _, value := range values {
					w.Header().Add(name, value)
				}
			}
			w.Header().Set("X-Idempotency-Cached", "true")
			w.Header().Set("X-Idempotency-Key", key)
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		// Only successful responses replay; errors should re-execute.
		if recorder.statusCode >= 200 && recorder.statusCode < 300 {
			result := &cachedResponse{
				StatusCode: recorder.statusCode,
				Headers:    recorder.Header(),
				Body:       recorder.body.Bytes(),
				Timestamp:  time.Now(),
			}
			if err := im.cache(ctx, cacheKey, result); err != nil {
				im.logger.Error("Failed to cache idempotent response",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
			}
		}
	})
}

// cacheKey hashes the idempotency key together with the path and body so a
// reused key cannot replay a different request's result.
func (im *Idempotency) cacheKey(r *http.Request, idempotencyKey string) string {
	h := sha256.New()
	h.Write([]byte(idempotencyKey))
	h.Write([]byte(r.URL.Path))
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}
	return fmt.Sprintf("observer:idempotency:%s", hex.EncodeToString(h.Sum(nil))[:16])
}

func (im *Idempotency) getCached(ctx context.Context, key string) (*cachedResponse, error) {
	data, err := im.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var result cachedResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (im *Idempotency) cache(ctx context.Context, key string, result *cachedResponse) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, key, data, im.ttl).Err()
}
