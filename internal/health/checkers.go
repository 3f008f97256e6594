package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiterlabs/observer/internal/runtime"
	"github.com/arbiterlabs/observer/internal/store"
)

const defaultCheckTimeout = 5 * time.Second

// JournalChecker reports on the persistence path. The store's degraded
// flag latches on the first journal failure and clears only at restart,
// so an unhealthy result here means buffered data is no longer durable.
type JournalChecker struct {
	store   *store.Store
	timeout time.Duration
}

// NewJournalChecker creates a journal health checker.
func NewJournalChecker(st *store.Store) *JournalChecker {
	return &JournalChecker{store: st, timeout: defaultCheckTimeout}
}

func (j *JournalChecker) Name() string           { return "journal" }
func (j *JournalChecker) IsCritical() bool       { return true }
func (j *JournalChecker) Timeout() time.Duration { return j.timeout }

func (j *JournalChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "journal",
		Critical:  true,
		Timestamp: startTime,
	}

	depth := j.store.QueueDepth()
	result.Details = map[string]interface{}{
		"queue_depth": depth,
	}
	result.Duration = time.Since(startTime)

	if j.store.Degraded() {
		result.Status = StatusUnhealthy
		result.Error = "persistence degraded"
		result.Message = "Journal writes are failing; restart required to clear the flag"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Journal healthy"
	return result
}

// RuntimeChecker probes the arbiter runtime's control API. It is never
// critical: the observer keeps ingesting, querying and streaming when the
// runtime is away, only the control surface degrades.
type RuntimeChecker struct {
	ctrl    runtime.Controller
	timeout time.Duration
}

// NewRuntimeChecker creates a runtime controller health checker.
func NewRuntimeChecker(ctrl runtime.Controller) *RuntimeChecker {
	return &RuntimeChecker{ctrl: ctrl, timeout: defaultCheckTimeout}
}

func (r *RuntimeChecker) Name() string           { return "runtime" }
func (r *RuntimeChecker) IsCritical() bool       { return false }
func (r *RuntimeChecker) Timeout() time.Duration { return r.timeout }

func (r *RuntimeChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "runtime",
		Critical:  false,
		Timestamp: startTime,
	}

	status, err := r.ctrl.Status(ctx)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusDegraded
		result.Error = err.Error()
		result.Message = "Runtime controller unreachable"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Runtime controller healthy"
	result.Details = map[string]interface{}{
		"latency_ms":   result.Duration.Milliseconds(),
		"state":        status.State,
		"active_tasks": status.ActiveTasks,
		"queued_tasks": status.QueuedTasks,
	}
	return result
}

// RedisChecker checks Redis connectivity. Redis only backs rate limiting
// and idempotency replay, both of which fail open, so it is non-critical.
type RedisChecker struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisChecker creates a Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client, timeout: defaultCheckTimeout}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "redis",
		Critical:  false,
		Timestamp: startTime,
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}

	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// CustomChecker wraps a closure as a Checker.
type CustomChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomChecker creates a checker from a closure.
func NewCustomChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &CustomChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomChecker) Name() string           { return c.name }
func (c *CustomChecker) IsCritical() bool       { return c.critical }
func (c *CustomChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
