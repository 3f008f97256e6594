package store

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped onto every persisted record so downstream
// tooling can detect format changes in the JSONL logs.
const SchemaVersion = 1

// SourceVersion identifies the observer build that produced a record.
// Overridden at build time via -ldflags "-X .../internal/store.SourceVersion=...".
var SourceVersion = "dev"

// Severity levels for events
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Chain-of-thought phases
const (
	PhaseObservation = "observation"
	PhaseAnalysis    = "analysis"
	PhasePlan        = "plan"
	PhaseDecision    = "decision"
	PhaseExecute     = "execute"
	PhaseVerify      = "verify"
	PhaseHypothesis  = "hypothesis"
	PhaseCritique    = "critique"
)

// Event types the derived counters understand
const (
	TypeTaskSubmitted   = "task.submitted"
	TypeTaskAssigned    = "task.assigned"
	TypeTaskCompleted   = "task.completed"
	TypeTaskFailed      = "task.failed"
	TypeCAWSValidation  = "caws.validation"
	TypeCAWSCompliance  = "caws.compliance"
	TypePolicyViolation = "policy.caws.violation"

	// budgetTypePrefix marks events contributing to budget utilization.
	budgetTypePrefix = "budget."
)

// System event types emitted by the observer itself
const (
	TypeObserverSubmitTask = "observer.submit_task"
	TypeObserverCommand    = "observer.command"
	TypeObserverStart      = "observer.start"
	TypeObserverStop       = "observer.stop"
)

var validSeverities = map[string]struct{}{
	SeverityDebug: {},
	SeverityInfo:  {},
	SeverityWarn:  {},
	SeverityError: {},
}

var validPhases = map[string]struct{}{
	PhaseObservation: {},
	PhaseAnalysis:    {},
	PhasePlan:        {},
	PhaseDecision:    {},
	PhaseExecute:     {},
	PhaseVerify:      {},
	PhaseHypothesis:  {},
	PhaseCritique:    {},
}

// ValidSeverity reports whether s is one of the four known levels.
func ValidSeverity(s string) bool {
	_, ok := validSeverities[s]
	return ok
}

// ValidPhase reports whether p is a known chain-of-thought phase.
func ValidPhase(p string) bool {
	_, ok := validPhases[p]
	return ok
}

const millisLayout = "2006-01-02T15:04:05.000Z07:00"

// Millis is a UTC timestamp that serializes as ISO-8601 with millisecond
// precision, the wire format shared by the JSONL logs, the streaming
// frames, and the query responses.
type Millis time.Time

// NowMillis returns the current time as a Millis.
func NowMillis() Millis { return Millis(time.Now().UTC()) }

// Time converts back to a time.Time.
func (m Millis) Time() time.Time { return time.Time(m) }

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool { return time.Time(m).IsZero() }

// MarshalJSON implements json.Marshaler.
func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(m).UTC().Format(millisLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts any RFC 3339
// timestamp, not just the millisecond form, so producers with coarser
// clocks are not rejected.
func (m *Millis) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("timestamp must be a JSON string, got %s", s)
	}
	t, err := time.Parse(time.RFC3339Nano, s[1:len(s)-1])
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	*m = Millis(t.UTC())
	return nil
}

// Event is an immutable observability record describing one occurrence in
// the arbiter runtime. Seq, SchemaVersion and SourceVersion are stamped by
// the store when the record is accepted; producers leave them zero.
type Event struct {
	Seq           uint64                 `json:"seq,omitempty"`
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Severity      string                 `json:"severity"`
	Source        string                 `json:"source"`
	TaskID        string                 `json:"taskId,omitempty"`
	AgentID       string                 `json:"agentId,omitempty"`
	TraceID       string                 `json:"traceId,omitempty"`
	SpanID        string                 `json:"spanId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Timestamp     Millis                 `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	SchemaVersion int                    `json:"schemaVersion,omitempty"`
	SourceVersion string                 `json:"sourceVersion,omitempty"`
}

// CoTEntry records a single reasoning step attributed to an agent and
// optionally a task. Content is dropped entirely in strict privacy mode;
// Hash always carries the SHA-256 of the original content.
type CoTEntry struct {
	Seq           uint64   `json:"seq,omitempty"`
	ID            string   `json:"id"`
	TaskID        string   `json:"taskId,omitempty"`
	AgentID       string   `json:"agentId,omitempty"`
	Phase         string   `json:"phase"`
	Content       string   `json:"content,omitempty"`
	Timestamp     Millis   `json:"timestamp"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Redacted      bool     `json:"redacted"`
	Hash          string   `json:"hash,omitempty"`
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	SourceVersion string   `json:"sourceVersion,omitempty"`
}
