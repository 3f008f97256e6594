// Package runtime defines the controller interface through which the
// observer delegates lifecycle actions to the arbiter runtime, and an HTTP
// implementation of it. The runtime is an external collaborator; a nil
// Controller is a valid deployment (standalone observer).
package runtime

import (
	"context"
	"errors"
)

// ErrUnavailable marks the controller as unreachable. Handlers translate it
// into a structured runtime_unavailable rejection.
var ErrUnavailable = errors.New("runtime controller unavailable")

// Runtime lifecycle states reported by Status.
const (
	StateRunning  = "running"
	StateStarting = "starting"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// TaskRequest asks the runtime to schedule work.
type TaskRequest struct {
	Description string                 `json:"description"`
	SpecPath    string                 `json:"specPath,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// TaskReceipt is the runtime's answer to a submission.
type TaskReceipt struct {
	TaskID       string `json:"taskId"`
	AssignmentID string `json:"assignmentId,omitempty"`
	Queued       bool   `json:"queued"`
}

// CommandResult is the runtime's answer to an operator command.
type CommandResult struct {
	Acknowledged bool   `json:"acknowledged"`
	Note         string `json:"note,omitempty"`
}

// Status is the runtime's self-reported lifecycle view.
type Status struct {
	State       string `json:"state"`
	ActiveTasks int    `json:"activeTasks"`
	QueuedTasks int    `json:"queuedTasks"`
}

// Metrics carries the runtime's task-lifecycle counters. When present these
// override the observer's event-derived values wholesale; the two sources
// are never mixed within one snapshot.
type Metrics struct {
	TotalTasks      int `json:"totalTasks"`
	SuccessfulTasks int `json:"successfulTasks"`
	ActiveTasks     int `json:"activeTasks"`
	QueuedTasks     int `json:"queuedTasks"`
}

// TaskSnapshot is the runtime's view of a single task.
type TaskSnapshot struct {
	TaskID         string                 `json:"taskId"`
	State          string                 `json:"state"`
	AssignedAgents []string               `json:"assignedAgents,omitempty"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
}

// Controller is the arbiter runtime's control surface.
type Controller interface {
	// Start asks the runtime to start; returns "running" or "starting".
	Start(ctx context.Context) (string, error)
	// Stop asks the runtime to stop; returns "stopping" or "stopped".
	Stop(ctx context.Context) (string, error)
	// SubmitTask schedules work on the runtime.
	SubmitTask(ctx context.Context, req TaskRequest) (*TaskReceipt, error)
	// ExecuteCommand forwards an operator command.
	ExecuteCommand(ctx context.Context, command string) (*CommandResult, error)
	// Status reports the runtime's lifecycle state and live task counts.
	Status(ctx context.Context) (*Status, error)
	// Metrics reports the runtime's task counters.
	Metrics(ctx context.Context) (*Metrics, error)
	// TaskSnapshot returns the runtime's view of one task, nil when unknown.
	TaskSnapshot(ctx context.Context, taskID string) (*TaskSnapshot, error)
}
