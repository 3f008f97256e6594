package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/arbiterlabs/observer/internal/store"
)

func recordEvents(env *testEnv, n int, taskID string) {
	for i := 0; i < n; i++ {
		env.store.RecordEvent(&store.Event{
			Type:     "agent.step",
			Severity: store.SeverityInfo,
			Source:   "arbiter",
			TaskID:   taskID,
		})
	}
}

func TestListEventsPaginationRoundTrip(t *testing.T) {
	env := newEnv(t, nil)
	recordEvents(env, 150, "T")

	rec := env.do(t, http.MethodGet, "/observer/events?limit=100", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	first := decodeBody[store.EventPage](t, rec)
	if len(first.Events) != 100 {
		t.Fatalf("first page = %d events, want 100", len(first.Events))
	}
	if first.NextCursor == "" {
		t.Fatal("first page has no cursor")
	}
	if first.Events[0].Seq != 1 || first.Events[99].Seq != 100 {
		t.Fatalf("first page spans seq [%d,%d], want [1,100]",
			first.Events[0].Seq, first.Events[99].Seq)
	}

	rec = env.do(t, http.MethodGet, "/observer/events?limit=100&cursor="+url.QueryEscape(first.NextCursor), "")
	second := decodeBody[store.EventPage](t, rec)
	if len(second.Events) != 50 {
		t.Fatalf("second page = %d events, want 50", len(second.Events))
	}
	if second.NextCursor != "" {
		t.Fatalf("second page cursor = %q, want none", second.NextCursor)
	}
	if second.Events[0].Seq != 101 || second.Events[49].Seq != 150 {
		t.Fatalf("second page spans seq [%d,%d], want [101,150]",
			second.Events[0].Seq, second.Events[49].Seq)
	}
}

func TestListEventsGarbledCursorReadsFromStart(t *testing.T) {
	env := newEnv(t, nil)
	recordEvents(env, 5, "T")

	rec := env.do(t, http.MethodGet, "/observer/events?cursor=%21%21not-base64%21%21", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[store.EventPage](t, rec)
	if len(page.Events) != 5 || page.Events[0].Seq != 1 {
		t.Fatalf("garbled cursor did not read from start: %d events, first seq %d",
			len(page.Events), page.Events[0].Seq)
	}
}

func TestListEventsQueryValidation(t *testing.T) {
	env := newEnv(t, nil)

	for name, target := range map[string]string{
		"bad limit": "/observer/events?limit=abc",
		"bad since": "/observer/events?since=yesterday",
		"bad until": "/observer/events?until=13:00",
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, target, "")
			assertEnvelope(t, rec, http.StatusBadRequest, codeValidation)
		})
	}
}

func TestListEventsFilterParams(t *testing.T) {
	env := newEnv(t, nil)
	env.store.RecordEvent(&store.Event{Type: "agent.step", Severity: store.SeverityWarn, Source: "arbiter", TaskID: "T1"})
	env.store.RecordEvent(&store.Event{Type: "agent.step", Severity: store.SeverityInfo, Source: "arbiter", TaskID: "T2"})
	env.store.RecordEvent(&store.Event{Type: "tool.call", Severity: store.SeverityWarn, Source: "arbiter", TaskID: "T1"})

	rec := env.do(t, http.MethodGet, "/observer/events?type=agent.step&taskId=T1&severity=warn", "")
	page := decodeBody[store.EventPage](t, rec)
	if len(page.Events) != 1 {
		t.Fatalf("filtered page = %d events, want 1", len(page.Events))
	}
	e := page.Events[0]
	if e.Type != "agent.step" || e.TaskID != "T1" || e.Severity != store.SeverityWarn {
		t.Fatalf("wrong event matched: %+v", e)
	}
}

func TestListEventsInvertedWindowIsEmpty(t *testing.T) {
	env := newEnv(t, nil)
	recordEvents(env, 3, "T")

	since := time.Now().UTC().Format(time.RFC3339)
	until := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec := env.do(t, http.MethodGet,
		fmt.Sprintf("/observer/events?since=%s&until=%s", url.QueryEscape(since), url.QueryEscape(until)), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[store.EventPage](t, rec)
	if len(page.Events) != 0 {
		t.Fatalf("inverted window returned %d events", len(page.Events))
	}
}

func TestListEventsZeroLimitReturnsTailCursor(t *testing.T) {
	env := newEnv(t, nil)
	recordEvents(env, 4, "T")

	rec := env.do(t, http.MethodGet, "/observer/events?limit=0", "")
	page := decodeBody[store.EventPage](t, rec)
	if len(page.Events) != 0 {
		t.Fatalf("limit=0 returned %d events", len(page.Events))
	}
	if page.NextCursor == "" {
		t.Fatal("limit=0 should return the tail cursor")
	}
}

func TestListCoTEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.store.RecordChainOfThought(&store.CoTEntry{TaskID: "T", AgentID: "planner", Phase: store.PhasePlan, Content: "split into steps"})
	env.store.RecordChainOfThought(&store.CoTEntry{TaskID: "U", AgentID: "critic", Phase: store.PhaseCritique, Content: "step two is redundant"})
	env.store.RecordChainOfThought(&store.CoTEntry{TaskID: "T", AgentID: "planner", Phase: store.PhaseDecision, Content: "merge steps"})

	rec := env.do(t, http.MethodGet, "/observer/cot?taskId=T", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	page := decodeBody[store.CoTPage](t, rec)
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}
	if page.Entries[0].Phase != store.PhasePlan || page.Entries[1].Phase != store.PhaseDecision {
		t.Fatalf("unexpected order: %+v", page.Entries)
	}

	rec = env.do(t, http.MethodGet, "/observer/cot?limit=1", "")
	page = decodeBody[store.CoTPage](t, rec)
	if len(page.Entries) != 1 || page.NextCursor == "" {
		t.Fatalf("limit=1 page = %d entries, cursor %q", len(page.Entries), page.NextCursor)
	}
}

func TestGetTaskEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.store.RecordEvent(&store.Event{Type: store.TypeTaskSubmitted, Severity: store.SeverityInfo, Source: "arbiter", TaskID: "T1"})

	rec := env.do(t, http.MethodGet, "/observer/tasks/T1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[store.TaskView](t, rec)
	if view.TaskID != "T1" || view.State != store.TaskStateRunning {
		t.Fatalf("unexpected view: %+v", view)
	}

	rec = env.do(t, http.MethodGet, "/observer/tasks/ghost", "")
	assertEnvelope(t, rec, http.StatusNotFound, codeNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.store.RecordEvent(&store.Event{Type: store.TypeTaskSubmitted, Severity: store.SeverityInfo, Source: "arbiter", TaskID: "T"})
	env.store.RecordEvent(&store.Event{
		Type: store.TypeTaskCompleted, Severity: store.SeverityInfo, Source: "arbiter", TaskID: "T",
		Metadata: map[string]interface{}{"success": true},
	})

	rec := env.do(t, http.MethodGet, "/observer/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	snap := decodeBody[store.MetricsSnapshot](t, rec)
	if snap.TaskSuccessRate != 1 {
		t.Fatalf("taskSuccessRate = %v, want 1", snap.TaskSuccessRate)
	}
	if snap.ActiveTasks != 0 {
		t.Fatalf("activeTasks = %d, want 0", snap.ActiveTasks)
	}
}

func TestProgressEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	env.store.RecordChainOfThought(&store.CoTEntry{AgentID: "a", Phase: store.PhaseObservation, Content: "queue is draining"})
	env.store.RecordChainOfThought(&store.CoTEntry{AgentID: "a", Phase: store.PhaseHypothesis, Content: "disk was the bottleneck"})

	rec := env.do(t, http.MethodGet, "/observer/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	progress := decodeBody[store.ProgressSummary](t, rec)
	if progress.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", progress.Status)
	}
	if progress.TotalReasoningSteps != 2 {
		t.Fatalf("totalReasoningSteps = %d, want 2", progress.TotalReasoningSteps)
	}
	if progress.ReasoningSteps["observations"] != 1 || progress.ReasoningSteps["hypotheses"] != 1 {
		t.Fatalf("unexpected categories: %+v", progress.ReasoningSteps)
	}
}
