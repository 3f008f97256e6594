package broadcast

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/store"
)

func testEvent(seq uint64, typ, severity, taskID string) *store.Event {
	return &store.Event{
		Seq:       seq,
		ID:        "evt-" + typ,
		Type:      typ,
		Severity:  severity,
		Source:    "test",
		TaskID:    taskID,
		Timestamp: store.NowMillis(),
	}
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	cfg.Logger = zap.NewNop()
	h := NewHub(cfg)
	t.Cleanup(h.Close)
	return h
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10})

	all := h.Subscribe(Filter{}, false)
	taskOnly := h.Subscribe(Filter{TaskID: "T1"}, false)
	errOnly := h.Subscribe(Filter{Severity: "error"}, false)

	h.Publish(testEvent(1, "task.submitted", "info", "T1"))
	h.Publish(testEvent(2, "task.failed", "error", "T2"))

	if got := len(all.Frames()); got != 2 {
		t.Errorf("unfiltered subscriber got %d frames, want 2", got)
	}
	if got := len(taskOnly.Frames()); got != 1 {
		t.Errorf("task-filtered subscriber got %d frames, want 1", got)
	}
	if got := len(errOnly.Frames()); got != 1 {
		t.Errorf("severity-filtered subscriber got %d frames, want 1", got)
	}

	f := <-taskOnly.Frames()
	if f.Event != FrameEvent {
		t.Errorf("frame event = %q", f.Event)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if payload["taskId"] != "T1" {
		t.Errorf("payload taskId = %v", payload["taskId"])
	}
}

func TestFilterConjunction(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10})
	sub := h.Subscribe(Filter{TaskID: "T1", Severity: "error"}, false)

	h.Publish(testEvent(1, "a", "error", "T2")) // wrong task
	h.Publish(testEvent(2, "b", "info", "T1"))  // wrong severity
	h.Publish(testEvent(3, "c", "error", "T1")) // match

	if got := len(sub.Frames()); got != 1 {
		t.Fatalf("got %d frames, want 1", got)
	}
}

func TestVerboseAndMinifiedPayloads(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10})
	min := h.Subscribe(Filter{}, false)
	verb := h.Subscribe(Filter{}, true)

	e := testEvent(7, "task.assigned", "info", "T1")
	e.Metadata = map[string]interface{}{"agent": "a-1"}
	h.Publish(e)

	var minPayload map[string]interface{}
	if err := json.Unmarshal((<-min.Frames()).Data, &minPayload); err != nil {
		t.Fatalf("unmarshal minified: %v", err)
	}
	if _, ok := minPayload["metadata"]; ok {
		t.Error("minified payload must not carry metadata")
	}
	if _, ok := minPayload["seq"]; ok {
		t.Error("minified payload must not carry seq")
	}
	for _, k := range []string{"id", "type", "severity", "taskId", "timestamp", "source"} {
		if _, ok := minPayload[k]; !ok {
			t.Errorf("minified payload missing %q", k)
		}
	}

	var verbPayload map[string]interface{}
	if err := json.Unmarshal((<-verb.Frames()).Data, &verbPayload); err != nil {
		t.Fatalf("unmarshal verbose: %v", err)
	}
	if verbPayload["seq"] != float64(7) {
		t.Errorf("verbose seq = %v", verbPayload["seq"])
	}
	if _, ok := verbPayload["metadata"]; !ok {
		t.Error("verbose payload missing metadata")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 3})

	first := h.Subscribe(Filter{}, false)
	second := h.Subscribe(Filter{}, false)
	third := h.Subscribe(Filter{}, false)
	fourth := h.Subscribe(Filter{}, false)

	if n := h.Subscribers(); n != 3 {
		t.Fatalf("subscribers = %d, want 3", n)
	}

	// The oldest channel is closed; the survivors get the next broadcast.
	select {
	case _, open := <-first.Frames():
		if open {
			t.Fatal("expected first subscriber's channel to be closed")
		}
	default:
		t.Fatal("first subscriber's channel still open")
	}

	h.Publish(testEvent(1, "x", "info", ""))
	for i, s := range []*Subscription{second, third, fourth} {
		if got := len(s.Frames()); got != 1 {
			t.Errorf("survivor %d got %d frames, want 1", i, got)
		}
	}
}

func TestOverflowEvictsSlowSubscriber(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10, SubscriberBuffer: 2})
	slow := h.Subscribe(Filter{}, false)
	fast := h.Subscribe(Filter{}, false)

	// fast is drained after every publish; slow never is, so its third
	// frame overflows the queue and evicts it.
	for i := uint64(1); i <= 3; i++ {
		h.Publish(testEvent(i, "x", "info", ""))
		select {
		case <-fast.Frames():
		case <-time.After(time.Second):
			t.Fatal("fast subscriber starved")
		}
	}

	if n := h.Subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1 after overflow eviction", n)
	}

	// Drain slow: two buffered frames, then closed.
	got := 0
	for range slow.Frames() {
		got++
	}
	if got != 2 {
		t.Errorf("slow subscriber drained %d frames, want 2", got)
	}
}

func TestDeliveryOrderMatchesPublishOrder(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10, SubscriberBuffer: 128})
	sub := h.Subscribe(Filter{}, true)

	for i := uint64(1); i <= 50; i++ {
		h.Publish(testEvent(i, "x", "info", ""))
	}

	var last uint64
	for i := 0; i < 50; i++ {
		f := <-sub.Frames()
		var payload struct {
			Seq uint64 `json:"seq"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload.Seq != last+1 {
			t.Fatalf("out of order: got seq %d after %d", payload.Seq, last)
		}
		last = payload.Seq
	}
}

func TestHeartbeat(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10, HeartbeatInterval: 10 * time.Millisecond})
	a := h.Subscribe(Filter{}, false)
	b := h.Subscribe(Filter{}, false)

	waitPing := func(s *Subscription) Frame {
		t.Helper()
		select {
		case f := <-s.Frames():
			return f
		case <-time.After(time.Second):
			t.Fatal("no heartbeat within 1s")
			return Frame{}
		}
	}

	if f := waitPing(a); f.Event != FramePing || string(f.Data) != "{}" {
		t.Errorf("got frame %q %s", f.Event, f.Data)
	}

	// Heartbeats keep flowing to the survivor after an eviction.
	a.Close()
	f := waitPing(b)
	if f.Event != FramePing {
		t.Errorf("survivor got %q, want ping", f.Event)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10})
	s := h.Subscribe(Filter{}, false)
	s.Close()
	s.Close()
	if n := h.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestHubCloseClosesAll(t *testing.T) {
	h := NewHub(Config{MaxClients: 10, HeartbeatInterval: 5 * time.Millisecond, Logger: zap.NewNop()})
	subs := []*Subscription{
		h.Subscribe(Filter{}, false),
		h.Subscribe(Filter{}, false),
	}
	h.Close()

	// Channels drain any buffered heartbeats and then report closed.
	for _, s := range subs {
		for range s.Frames() {
		}
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}

	// Subscribing after close hands back an already-closed channel.
	s := h.Subscribe(Filter{}, false)
	if _, open := <-s.Frames(); open {
		t.Error("post-close subscription should be closed")
	}
}

func TestMinifiedTimestampFormat(t *testing.T) {
	h := newTestHub(t, Config{MaxClients: 10})
	sub := h.Subscribe(Filter{}, false)
	h.Publish(testEvent(1, "x", "info", ""))

	f := <-sub.Frames()
	var payload struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasSuffix(payload.Timestamp, "Z") || !strings.Contains(payload.Timestamp, ".") {
		t.Errorf("timestamp %q not ISO-8601 UTC with milliseconds", payload.Timestamp)
	}
}
