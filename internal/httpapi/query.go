package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterlabs/observer/internal/store"
)

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Status(r.Context()))
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Metrics(r.Context()))
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Progress(r.Context()))
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	since, err := parseTime(q.Get("since"), "since")
	if err != nil {
		a.writeError(w, err)
		return
	}
	until, err := parseTime(q.Get("until"), "until")
	if err != nil {
		a.writeError(w, err)
		return
	}

	page := a.store.ListEvents(store.EventQuery{
		Cursor:   q.Get("cursor"),
		Limit:    limit,
		Since:    since,
		Until:    until,
		Type:     q.Get("type"),
		TaskID:   q.Get("taskId"),
		Severity: q.Get("severity"),
	})
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleListCoT(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	since, err := parseTime(q.Get("since"), "since")
	if err != nil {
		a.writeError(w, err)
		return
	}

	page := a.store.ListChainOfThought(store.CoTQuery{
		Cursor: q.Get("cursor"),
		Limit:  limit,
		Since:  since,
		TaskID: q.Get("taskId"),
	})
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	view := a.store.GetTask(r.Context(), taskID)
	if view == nil {
		a.writeError(w, notFound("unknown task: "+taskID))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// parseLimit maps an absent limit to -1 so the store applies its default;
// an explicit 0 keeps its documented tail-cursor meaning.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("limit must be an integer")
	}
	return n, nil
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, badRequest("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
