package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/metrics"
	"github.com/arbiterlabs/observer/internal/tracing"
)

// DefaultTimeout bounds each controller call when none is configured.
const DefaultTimeout = 10 * time.Second

// HTTPConfig configures the HTTP controller client.
type HTTPConfig struct {
	// BaseURL is the runtime's API root, e.g. "http://arbiter:7430".
	BaseURL string
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// Timeout is the per-call ceiling. Callers may impose tighter
	// deadlines through their context.
	Timeout time.Duration
	Logger  *zap.Logger
}

// HTTPController talks JSON over HTTP to the arbiter runtime.
type HTTPController struct {
	base   string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPController validates the base URL and returns a client.
func NewHTTPController(cfg HTTPConfig) (*HTTPController, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("runtime: invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPController{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}, nil
}

// Start implements Controller.
func (c *HTTPController) Start(ctx context.Context) (string, error) {
	var out Status
	if err := c.do(ctx, "start", http.MethodPost, "/v1/arbiter/start", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// Stop implements Controller.
func (c *HTTPController) Stop(ctx context.Context) (string, error) {
	var out Status
	if err := c.do(ctx, "stop", http.MethodPost, "/v1/arbiter/stop", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// SubmitTask implements Controller.
func (c *HTTPController) SubmitTask(ctx context.Context, req TaskRequest) (*TaskReceipt, error) {
	var out TaskReceipt
	if err := c.do(ctx, "submit_task", http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteCommand implements Controller.
func (c *HTTPController) ExecuteCommand(ctx context.Context, command string) (*CommandResult, error) {
	in := map[string]string{"command": command}
	var out CommandResult
	if err := c.do(ctx, "command", http.MethodPost, "/v1/commands", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status implements Controller.
func (c *HTTPController) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, "status", http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics implements Controller.
func (c *HTTPController) Metrics(ctx context.Context) (*Metrics, error) {
	var out Metrics
	if err := c.do(ctx, "metrics", http.MethodGet, "/v1/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskSnapshot implements Controller. An unknown task is (nil, nil).
func (c *HTTPController) TaskSnapshot(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	var out TaskSnapshot
	err := c.do(ctx, "task_snapshot", http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &out)
	if err != nil {
		if errHTTP, ok := err.(*statusError); ok && errHTTP.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// statusError carries a non-2xx runtime response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("runtime returned %d: %s", e.code, e.body)
}

func (c *HTTPController) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	start := time.Now()
	err := c.doOnce(ctx, method, path, in, out)
	metrics.RuntimeCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Warn("Runtime delegation failed",
			zap.String("op", op),
			zap.Error(err),
		)
	}
	metrics.RuntimeCalls.WithLabelValues(op, status).Inc()
	return err
}

func (c *HTTPController) doOnce(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, span := tracing.StartHTTPSpan(ctx, method, c.base+path)
	defer span.End()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		// Network-level failures mean the runtime is unreachable.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
