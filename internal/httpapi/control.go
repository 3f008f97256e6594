package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiterlabs/observer/internal/runtime"
	"github.com/arbiterlabs/observer/internal/store"
)

// submitTaskRequest matches POST /observer/tasks.
type submitTaskRequest struct {
	Description string                 `json:"description"`
	SpecPath    string                 `json:"specPath,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type submitTaskResponse struct {
	TaskID       string `json:"taskId"`
	AssignmentID string `json:"assignmentId,omitempty"`
	Queued       bool   `json:"queued"`
}

func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		a.writeError(w, badRequest("description is required"))
		return
	}

	if a.runtime == nil {
		// No runtime to queue on: mint an id so the caller can still
		// correlate events, and say so in the response and the log.
		resp := submitTaskResponse{TaskID: uuid.New().String(), Queued: false}
		a.systemEvent(store.TypeObserverSubmitTask, store.SeverityWarn, resp.TaskID, map[string]interface{}{
			"description": req.Description,
			"queued":      false,
			"reason":      "runtime controller not configured",
		})
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runtimeCallTimeout)
	defer cancel()
	receipt, err := a.runtime.SubmitTask(ctx, runtime.TaskRequest{
		Description: req.Description,
		SpecPath:    req.SpecPath,
		Metadata:    req.Metadata,
	})
	if err != nil {
		a.systemEvent(store.TypeObserverSubmitTask, store.SeverityError, "", map[string]interface{}{
			"description": req.Description,
			"error":       err.Error(),
		})
		a.writeError(w, runtimeUnavailable("task submission failed"))
		return
	}

	a.systemEvent(store.TypeObserverSubmitTask, store.SeverityInfo, receipt.TaskID, map[string]interface{}{
		"description":  req.Description,
		"queued":       receipt.Queued,
		"assignmentId": receipt.AssignmentID,
	})
	writeJSON(w, http.StatusOK, submitTaskResponse{
		TaskID:       receipt.TaskID,
		AssignmentID: receipt.AssignmentID,
		Queued:       receipt.Queued,
	})
}

// commandRequest matches POST /observer/commands.
type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Note         string `json:"note,omitempty"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		a.writeError(w, badRequest("command is required"))
		return
	}

	if a.runtime == nil {
		a.systemEvent(store.TypeObserverCommand, store.SeverityWarn, "", map[string]interface{}{
			"command":      req.Command,
			"acknowledged": false,
		})
		writeJSON(w, http.StatusOK, commandResponse{
			Acknowledged: false,
			Note:         "runtime controller not configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runtimeCallTimeout)
	defer cancel()
	res, err := a.runtime.ExecuteCommand(ctx, req.Command)
	if err != nil {
		a.systemEvent(store.TypeObserverCommand, store.SeverityError, "", map[string]interface{}{
			"command": req.Command,
			"error":   err.Error(),
		})
		a.writeError(w, runtimeUnavailable("command delegation failed"))
		return
	}

	a.systemEvent(store.TypeObserverCommand, store.SeverityInfo, "", map[string]interface{}{
		"command":      req.Command,
		"acknowledged": res.Acknowledged,
	})
	writeJSON(w, http.StatusOK, commandResponse{Acknowledged: res.Acknowledged, Note: res.Note})
}

type lifecycleResponse struct {
	Status string `json:"status"`
}

func (a *API) handleArbiterStart(w http.ResponseWriter, r *http.Request) {
	a.handleLifecycle(w, r, store.TypeObserverStart, "start", func(ctx context.Context) (string, error) {
		return a.runtime.Start(ctx)
	})
}

func (a *API) handleArbiterStop(w http.ResponseWriter, r *http.Request) {
	a.handleLifecycle(w, r, store.TypeObserverStop, "stop", func(ctx context.Context) (string, error) {
		return a.runtime.Stop(ctx)
	})
}

func (a *API) handleLifecycle(w http.ResponseWriter, r *http.Request, eventType, op string, call func(context.Context) (string, error)) {
	if a.runtime == nil {
		a.systemEvent(eventType, store.SeverityWarn, "", map[string]interface{}{
			"error": "runtime controller not configured",
		})
		a.writeError(w, runtimeUnavailable("runtime controller not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runtimeCallTimeout)
	defer cancel()
	state, err := call(ctx)
	if err != nil {
		a.systemEvent(eventType, store.SeverityError, "", map[string]interface{}{
			"error": err.Error(),
		})
		a.writeError(w, runtimeUnavailable(op+" delegation failed"))
		return
	}

	a.systemEvent(eventType, store.SeverityInfo, "", map[string]interface{}{"status": state})
	writeJSON(w, http.StatusOK, lifecycleResponse{Status: state})
}

// observationRequest matches POST /observer/observations.
type observationRequest struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
	Author  string `json:"author,omitempty"`
}

type observationResponse struct {
	ID        string       `json:"id"`
	Timestamp store.Millis `json:"timestamp"`
}

func (a *API) handleObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.writeError(w, badRequest("message is required"))
		return
	}

	id, ts := a.store.AppendObservation(req.Message, req.TaskID, req.Author)
	writeJSON(w, http.StatusOK, observationResponse{ID: id, Timestamp: ts})
}
