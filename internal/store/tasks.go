package store

import (
	"context"
	"sort"

	rt "github.com/arbiterlabs/observer/internal/runtime"
)

// Task states exposed by the task view. Terminal events set completed or
// failed explicitly; every other known task reads as running.
const (
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
)

// Lifecycle machine states. Only the four task lifecycle event types move a
// task through the machine; any other event merely marks the task as seen.
const (
	machineNone = iota
	machineQueued
	machineAssigned
	machineTerminal
)

// taskState is the per-task record behind active/queued counting and the
// task view. It outlives ring eviction.
type taskState struct {
	machine   int
	firstSeen Millis
	lastSeen  Millis
	lastType  string
	events    int
	completed bool
	failed    bool
	succeeded bool
}

// applyTaskEventLocked folds one event into the task state machine. Caller
// holds the store mutex.
func (s *Store) applyTaskEventLocked(e *Event) {
	ts := s.tasks[e.TaskID]
	if ts == nil {
		ts = &taskState{firstSeen: e.Timestamp}
		s.tasks[e.TaskID] = ts
	}
	ts.lastSeen = e.Timestamp
	ts.lastType = e.Type
	ts.events++

	switch e.Type {
	case TypeTaskSubmitted:
		s.moveTaskLocked(ts, machineQueued)
	case TypeTaskAssigned:
		s.moveTaskLocked(ts, machineAssigned)
	case TypeTaskCompleted:
		ts.completed = true
		ts.succeeded = metadataSuccess(e.Metadata)
		s.moveTaskLocked(ts, machineTerminal)
	case TypeTaskFailed:
		ts.failed = true
		s.moveTaskLocked(ts, machineTerminal)
	}
}

// moveTaskLocked transitions a task and maintains the active/queued
// counters. Terminal is absorbing: late lifecycle events cannot resurrect a
// finished task.
func (s *Store) moveTaskLocked(ts *taskState, to int) {
	from := ts.machine
	if from == to || from == machineTerminal {
		return
	}
	switch from {
	case machineQueued:
		s.queuedTasks--
		s.activeTasks--
	case machineAssigned:
		s.activeTasks--
	}
	switch to {
	case machineQueued:
		s.queuedTasks++
		s.activeTasks++
	case machineAssigned:
		s.activeTasks++
	}
	ts.machine = to
}

// ActiveTasks returns the number of tasks in non-terminal machine states.
func (s *Store) ActiveTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeTasks
}

// QueuedTasks returns the number of tasks whose last lifecycle state is
// queued.
func (s *Store) QueuedTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queuedTasks
}

// TaskView merges the runtime's snapshot of a task with the observer's
// ring-derived timeline and reasoning phases.
type TaskView struct {
	TaskID         string           `json:"taskId"`
	State          string           `json:"state"`
	Runtime        *rt.TaskSnapshot `json:"runtime,omitempty"`
	FirstSeen      *Millis          `json:"firstSeen,omitempty"`
	LastSeen       *Millis          `json:"lastSeen,omitempty"`
	EventCount     int              `json:"eventCount"`
	Timeline       []*Event         `json:"timeline"`
	Phases         map[string]int   `json:"phases"`
	ReasoningSteps int              `json:"reasoningSteps"`
	Agents         []string         `json:"agents,omitempty"`
}

// GetTask returns the merged view of one task, or nil when neither the
// runtime nor any ingested record knows the id.
func (s *Store) GetTask(ctx context.Context, taskID string) *TaskView {
	var snap *rt.TaskSnapshot
	if s.runtime != nil {
		// A failing runtime degrades the view to local data only.
		if rs, err := s.runtime.TaskSnapshot(ctx, taskID); err == nil {
			snap = rs
		}
	}

	s.mu.RLock()
	ts := s.tasks[taskID]

	timeline := make([]*Event, 0, 16)
	for _, e := range s.eventRing.snapshot() {
		if e.TaskID == taskID {
			timeline = append(timeline, e)
		}
	}

	phases := make(map[string]int)
	for _, c := range s.cotRing.snapshot() {
		if c.TaskID == taskID {
			phases[c.Phase]++
		}
	}

	steps := s.counters.taskDepth[taskID]
	var agents []string
	if set := s.counters.taskAgents[taskID]; len(set) > 0 {
		agents = make([]string, 0, len(set))
		for a := range set {
			agents = append(agents, a)
		}
		sort.Strings(agents)
	}
	s.mu.RUnlock()

	if snap == nil && ts == nil && steps == 0 {
		return nil
	}

	view := &TaskView{
		TaskID:         taskID,
		State:          TaskStateRunning,
		Runtime:        snap,
		EventCount:     0,
		Timeline:       timeline,
		Phases:         phases,
		ReasoningSteps: steps,
		Agents:         agents,
	}
	if ts != nil {
		view.EventCount = ts.events
		first, last := ts.firstSeen, ts.lastSeen
		view.FirstSeen = &first
		view.LastSeen = &last
		switch {
		case ts.failed:
			view.State = TaskStateFailed
		case ts.completed:
			view.State = TaskStateCompleted
		}
	} else if snap != nil && snap.State != "" {
		view.State = snap.State
	}
	return view
}
