package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	rt "github.com/arbiterlabs/observer/internal/runtime"
)

// Observer lifecycle states reported by the status summary.
const (
	StatusRunning  = "running"
	StatusDegraded = "degraded"
	StatusStopped  = "stopped"
)

// StatusSummary is the operational view served by GET /observer/status.
type StatusSummary struct {
	Status             string `json:"status"`
	StartedAt          Millis `json:"startedAt"`
	UptimeMs           int64  `json:"uptimeMs"`
	QueueDepth         int64  `json:"queueDepth"`
	MaxQueueSize       int    `json:"maxQueueSize"`
	ObserverDegraded   bool   `json:"observerDegraded"`
	LastFlushMs        int64  `json:"lastFlushMs"`
	ActiveFile         string `json:"activeFile"`
	CotActiveFile      string `json:"cotActiveFile,omitempty"`
	BackpressureEvents uint64 `json:"backpressureEvents"`
	AuthConfigured     bool   `json:"authConfigured"`
}

// MetricsSnapshot is the derived metrics view served by GET /observer/metrics
// and persisted as metrics.json.
type MetricsSnapshot struct {
	ReasoningDepthAvg     float64 `json:"reasoningDepthAvg"`
	ReasoningDepthP95     float64 `json:"reasoningDepthP95"`
	DebateBreadthAvg      float64 `json:"debateBreadthAvg"`
	TaskSuccessRate       float64 `json:"taskSuccessRate"`
	ToolBudgetUtilization float64 `json:"toolBudgetUtilization"`
	ActiveTasks           int     `json:"activeTasks"`
	QueuedTasks           int     `json:"queuedTasks"`
	PolicyViolations      int     `json:"policyViolations"`
	QueueDepth            int64   `json:"queueDepth"`
	ObserverDegraded      bool    `json:"observerDegraded"`
	Timestamp             Millis  `json:"timestamp"`
}

// ProgressSummary is the reasoning-activity view served by
// GET /observer/progress.
type ProgressSummary struct {
	Status              string         `json:"status"`
	ReasoningSteps      map[string]int `json:"reasoningSteps"`
	TotalReasoningSteps int            `json:"totalReasoningSteps"`
	UptimeMinutes       float64        `json:"uptimeMinutes"`
}

// Status assembles the status summary. The lifecycle state consults the
// runtime controller, so callers carry a context; everything else is local.
func (s *Store) Status(ctx context.Context) StatusSummary {
	s.mu.RLock()
	bp := s.backpressureEvents
	s.mu.RUnlock()

	sum := StatusSummary{
		Status:             s.lifecycleState(ctx),
		StartedAt:          Millis(s.startedAt.UTC()),
		UptimeMs:           time.Since(s.startedAt).Milliseconds(),
		QueueDepth:         s.pending.Load(),
		MaxQueueSize:       s.maxQueue,
		ObserverDegraded:   s.degraded.Load(),
		BackpressureEvents: bp,
		AuthConfigured:     s.authConfigured,
	}
	if s.events != nil {
		sum.ActiveFile = s.events.ActiveFile()
		if t := s.events.LastFlush(); !t.IsZero() {
			sum.LastFlushMs = t.UnixMilli()
		}
	}
	if s.cot != nil {
		sum.CotActiveFile = s.cot.ActiveFile()
		if t := s.cot.LastFlush(); !t.IsZero() && t.UnixMilli() > sum.LastFlushMs {
			sum.LastFlushMs = t.UnixMilli()
		}
	}
	return sum
}

// Metrics assembles the metrics snapshot. When the runtime controller is
// reachable its task counters replace the event-derived half wholesale;
// reasoning, budget and policy figures are always derived locally.
func (s *Store) Metrics(ctx context.Context) MetricsSnapshot {
	snap := s.Snapshot()
	if s.runtime == nil {
		return snap
	}
	rm, err := s.runtime.Metrics(ctx)
	if err != nil || rm == nil {
		return snap
	}
	if rm.TotalTasks > 0 {
		snap.TaskSuccessRate = float64(rm.SuccessfulTasks) / float64(rm.TotalTasks)
	} else {
		snap.TaskSuccessRate = 0
	}
	snap.ActiveTasks = rm.ActiveTasks
	snap.QueuedTasks = rm.QueuedTasks
	return snap
}

// Snapshot computes the event-derived metrics snapshot without consulting
// the runtime. It is a pure function of the folded counter state.
func (s *Store) Snapshot() MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() MetricsSnapshot {
	snap := MetricsSnapshot{
		ActiveTasks:      s.activeTasks,
		QueuedTasks:      s.queuedTasks,
		PolicyViolations: s.counters.policyViolations,
		QueueDepth:       s.pending.Load(),
		ObserverDegraded: s.degraded.Load(),
		Timestamp:        NowMillis(),
	}

	if n := len(s.counters.taskDepth); n > 0 {
		depths := make([]int, 0, n)
		sum := 0
		for _, d := range s.counters.taskDepth {
			depths = append(depths, d)
			sum += d
		}
		sort.Ints(depths)
		snap.ReasoningDepthAvg = float64(sum) / float64(n)
		idx := int(float64(n) * 0.95)
		if idx > n-1 {
			idx = n - 1
		}
		snap.ReasoningDepthP95 = float64(depths[idx])
	}

	if n := len(s.counters.taskAgents); n > 0 {
		sum := 0
		for _, set := range s.counters.taskAgents {
			sum += len(set)
		}
		snap.DebateBreadthAvg = float64(sum) / float64(n)
	}

	if s.counters.totalTasks > 0 {
		snap.TaskSuccessRate = float64(s.counters.successfulTasks) / float64(s.counters.totalTasks)
	}
	if s.counters.budgetLimit > 0 {
		snap.ToolBudgetUtilization = s.counters.budgetDebit / s.counters.budgetLimit
	}
	return snap
}

// SnapshotDocument renders the derived snapshot as the pretty-printed
// metrics.json document. It never consults the runtime so the journal's
// flush callback cannot block on a network call.
func (s *Store) SnapshotDocument() []byte {
	b, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return nil
	}
	return append(b, '\n')
}

// Progress assembles the reasoning progress summary.
func (s *Store) Progress(ctx context.Context) ProgressSummary {
	s.mu.RLock()
	steps := make(map[string]int, len(phaseCategories))
	for phase, category := range phaseCategories {
		steps[category] = s.counters.reasoning[phase]
	}
	total := s.counters.totalReasoning
	s.mu.RUnlock()

	return ProgressSummary{
		Status:              s.lifecycleState(ctx),
		ReasoningSteps:      steps,
		TotalReasoningSteps: total,
		UptimeMinutes:       time.Since(s.startedAt).Minutes(),
	}
}

// lifecycleState resolves the three-state status. The degraded latch wins;
// otherwise the runtime's self-reported state decides, and a missing or
// unreachable runtime reads as stopped unless the observer is configured
// standalone.
func (s *Store) lifecycleState(ctx context.Context) string {
	if s.degraded.Load() {
		return StatusDegraded
	}
	if s.runtime == nil {
		if s.standalone {
			return StatusRunning
		}
		return StatusStopped
	}
	st, err := s.runtime.Status(ctx)
	if err != nil || st == nil {
		return StatusStopped
	}
	if st.State == rt.StateRunning {
		return StatusRunning
	}
	return StatusStopped
}
