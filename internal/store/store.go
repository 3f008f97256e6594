// Package store is the ingestion core: it assigns per-stream sequence
// numbers under a single writer, applies redaction, maintains the bounded
// in-memory rings and derived counters, enqueues asynchronous persistence
// and offers accepted events to the broadcaster.
package store

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/metrics"
	"github.com/arbiterlabs/observer/internal/redact"
	"github.com/arbiterlabs/observer/internal/runtime"
	"github.com/arbiterlabs/observer/internal/util"
)

// Defaults for the admission policy.
const (
	DefaultMaxQueueSize = 1000
	DefaultRingCapacity = 5000
)

// Appender is the journal surface the store persists through. Append must
// not block on I/O; done fires once the line is durable (or failed).
type Appender interface {
	Append(v interface{}, done func(error)) error
	ActiveFile() string
	LastFlush() time.Time
}

// Publisher receives every accepted event for fan-out. Publish is called
// inside the store's critical section and must not block.
type Publisher interface {
	Publish(e *Event)
}

// Config wires a Store. Every field may be nil or zero; a nil Redactor
// falls back to standard mode with no rules, nil appenders disable
// persistence, a nil Broadcast disables fan-out and a nil Runtime means a
// standalone deployment.
type Config struct {
	MaxQueueSize   int
	RingCapacity   int
	Redactor       *redact.Redactor
	Events         Appender
	CoT            Appender
	Broadcast      Publisher
	Runtime        runtime.Controller
	Standalone     bool
	AuthConfigured bool
	Logger         *zap.Logger
}

// Store is the single-writer ingestion core.
type Store struct {
	logger         *zap.Logger
	redactor       *redact.Redactor
	events         Appender
	cot            Appender
	broadcast      Publisher
	runtime        runtime.Controller
	standalone     bool
	authConfigured bool
	maxQueue       int
	startedAt      time.Time

	pending  atomic.Int64
	degraded atomic.Bool

	mu                 sync.RWMutex
	eventSeq           uint64
	cotSeq             uint64
	eventRing          *ring[*Event]
	cotRing            *ring[*CoTEntry]
	backpressureEvents uint64
	counters           counters
	tasks              map[string]*taskState
	activeTasks        int
	queuedTasks        int
}

// New builds a Store from cfg.
func New(cfg Config) *Store {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Redactor == nil {
		cfg.Redactor, _ = redact.New(redact.ModeStandard, nil)
	}
	return &Store{
		logger:         cfg.Logger,
		redactor:       cfg.Redactor,
		events:         cfg.Events,
		cot:            cfg.CoT,
		broadcast:      cfg.Broadcast,
		runtime:        cfg.Runtime,
		standalone:     cfg.Standalone,
		authConfigured: cfg.AuthConfigured,
		maxQueue:       cfg.MaxQueueSize,
		startedAt:      time.Now(),
		eventRing:      newRing[*Event](cfg.RingCapacity),
		cotRing:        newRing[*CoTEntry](cfg.RingCapacity),
		counters:       newCounters(),
		tasks:          make(map[string]*taskState),
	}
}

// RecordEvent ingests one event. It is synchronous from the producer's view,
// never blocks on I/O and never reports errors to the producer; admission
// failures are visible only through the backpressure counter. The producer's
// struct receives the assigned ID and timestamp; everything else happens on
// the store's own copy.
func (s *Store) RecordEvent(e *Event) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = NowMillis()
	}

	ev := *e
	if !ValidSeverity(ev.Severity) {
		ev.Severity = SeverityInfo
	}
	if ev.Metadata != nil {
		if md, ok := s.redactor.Object(ev.Metadata).(map[string]interface{}); ok {
			ev.Metadata = md
		}
	}
	ev.SchemaVersion = SchemaVersion
	ev.SourceVersion = SourceVersion

	s.mu.Lock()
	s.eventSeq++
	ev.Seq = s.eventSeq

	persist := true
	if s.pending.Load() >= int64(s.maxQueue) {
		s.backpressureEvents++
		if ev.Severity == SeverityDebug || ev.Severity == SeverityInfo {
			s.mu.Unlock()
			metrics.BackpressureDrops.WithLabelValues("events").Inc()
			return
		}
		// warn/error stay visible in memory but skip the journal while the
		// queue is saturated; overflow trades persistence for boundedness.
		persist = false
	}

	s.eventRing.push(&ev)
	ringLen := s.eventRing.len()
	if persist && s.events != nil {
		s.enqueueLocked(s.events, &ev)
	}
	s.foldEventLocked(&ev)
	if s.broadcast != nil {
		s.broadcast.Publish(&ev)
	}
	s.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(ev.Severity).Inc()
	metrics.RingSize.WithLabelValues("events").Set(float64(ringLen))
}

// RecordChainOfThought ingests one reasoning step. Same producer contract
// as RecordEvent. The drop threshold is stricter (1.5x the queue bound) and
// applies only to observation/analysis/plan phases; other phases always
// persist, which may grow the queue in sustained overload.
func (s *Store) RecordChainOfThought(c *CoTEntry) {
	if c == nil {
		return
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = NowMillis()
	}

	entry := *c
	if !ValidPhase(entry.Phase) {
		entry.Phase = PhaseObservation
	}
	if entry.Confidence != nil {
		v := *entry.Confidence
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		entry.Confidence = &v
	}

	text, redacted, hash := s.redactor.Text(entry.Content)
	entry.Content = text
	entry.Redacted = redacted
	entry.Hash = hash
	if redacted {
		metrics.RedactionsApplied.WithLabelValues("cot").Inc()
	}
	entry.SchemaVersion = SchemaVersion
	entry.SourceVersion = SourceVersion

	s.mu.Lock()
	s.cotSeq++
	entry.Seq = s.cotSeq

	if s.pending.Load() >= s.cotQueueLimit() {
		s.backpressureEvents++
		switch entry.Phase {
		case PhaseObservation, PhaseAnalysis, PhasePlan:
			s.mu.Unlock()
			metrics.BackpressureDrops.WithLabelValues("cot").Inc()
			return
		}
	}

	s.cotRing.push(&entry)
	ringLen := s.cotRing.len()
	if s.cot != nil {
		s.enqueueLocked(s.cot, &entry)
	}
	s.foldCoTLocked(&entry)
	s.mu.Unlock()

	metrics.CoTIngested.WithLabelValues(entry.Phase).Inc()
	metrics.RingSize.WithLabelValues("cot").Set(float64(ringLen))
}

// cotQueueLimit is 1.5x the event queue bound.
func (s *Store) cotQueueLimit() int64 {
	return int64(s.maxQueue) * 3 / 2
}

// enqueueLocked hands a record to a journal writer. Enqueueing under the
// store lock keeps persistence order identical to seq order; only the disk
// write itself happens on the writer's goroutine.
func (s *Store) enqueueLocked(app Appender, v interface{}) {
	n := s.pending.Add(1)
	metrics.PendingWrites.Set(float64(n))
	err := app.Append(v, func(err error) {
		left := s.pending.Add(-1)
		metrics.PendingWrites.Set(float64(left))
		if err != nil {
			s.MarkDegraded(err)
		}
	})
	if err != nil {
		left := s.pending.Add(-1)
		metrics.PendingWrites.Set(float64(left))
		s.MarkDegraded(err)
	}
}

// MarkDegraded latches the degraded flag. It is cleared only by restart.
func (s *Store) MarkDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		metrics.ObserverDegraded.Set(1)
		s.logger.Error("Persistence degraded", zap.Error(err))
	}
}

// Degraded reports whether persistence has failed since startup.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// QueueDepth returns the number of records pending persistence.
func (s *Store) QueueDepth() int64 { return s.pending.Load() }

// BackpressureEvents returns the number of producer calls that entered the
// backpressure branch.
func (s *Store) BackpressureEvents() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backpressureEvents
}

// AppendObservation records an operator-authored observation through the
// normal chain-of-thought path and returns its id and timestamp.
func (s *Store) AppendObservation(message, taskID, author string) (string, Millis) {
	if author == "" {
		author = "operator"
	}
	entry := &CoTEntry{
		TaskID:  taskID,
		AgentID: author,
		Phase:   PhaseObservation,
		Content: message,
	}
	s.RecordChainOfThought(entry)
	return entry.ID, entry.Timestamp
}

// foldEventLocked updates the derived counters and the task state machine.
func (s *Store) foldEventLocked(e *Event) {
	switch e.Type {
	case TypeTaskCompleted:
		s.counters.totalTasks++
		if metadataSuccess(e.Metadata) {
			s.counters.successfulTasks++
		}
	case TypeTaskFailed:
		s.counters.totalTasks++
	case TypePolicyViolation:
		s.counters.policyViolations++
	case TypeCAWSValidation:
		if validationFailed(e.Metadata) {
			s.counters.policyViolations++
		}
	case TypeCAWSCompliance:
		if complianceFailed(e.Metadata) {
			s.counters.policyViolations++
		}
	}

	if strings.HasPrefix(e.Type, budgetTypePrefix) {
		if v, ok := util.NumberField(e.Metadata, "debit"); ok {
			s.counters.budgetDebit += v
		}
		if v, ok := util.NumberField(e.Metadata, "limit"); ok {
			s.counters.budgetLimit += v
		}
	}

	if e.TaskID != "" {
		s.applyTaskEventLocked(e)
	}
}

func (s *Store) foldCoTLocked(c *CoTEntry) {
	s.counters.reasoning[c.Phase]++
	s.counters.totalReasoning++
	if c.TaskID == "" {
		return
	}
	s.counters.taskDepth[c.TaskID]++
	if c.AgentID != "" {
		set := s.counters.taskAgents[c.TaskID]
		if set == nil {
			set = make(map[string]struct{})
			s.counters.taskAgents[c.TaskID] = set
		}
		set[c.AgentID] = struct{}{}
	}
}

// metadataSuccess implements the completion rule: anything except an
// explicit boolean false counts as success.
func metadataSuccess(md map[string]interface{}) bool {
	if md == nil {
		return true
	}
	v, ok := md["success"]
	if !ok {
		return true
	}
	b, isBool := v.(bool)
	return !isBool || b
}

func validationFailed(md map[string]interface{}) bool {
	if md == nil {
		return false
	}
	if v, ok := md["passed"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return true
		}
	}
	if verdict, ok := md["verdict"].(string); ok {
		if verdict == "fail" || verdict == "waiver-required" {
			return true
		}
	}
	return false
}

func complianceFailed(md map[string]interface{}) bool {
	if md == nil {
		return false
	}
	verdict, ok := md["verdict"].(string)
	if !ok {
		return false
	}
	switch verdict {
	case "verified_false", "contradictory", "error":
		return true
	}
	return false
}
