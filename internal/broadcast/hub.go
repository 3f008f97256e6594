// Package broadcast fans accepted events out to streaming subscribers.
// The hub owns the subscriber set, capacity eviction and heartbeats; the
// HTTP layer owns the sockets and drains each subscription's frame channel.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/metrics"
	"github.com/arbiterlabs/observer/internal/store"
)

// Frame names on the wire.
const (
	FrameEvent = "event"
	FramePing  = "ping"
	FrameClose = "close"
)

// DefaultMaxClients bounds the subscriber set when configuration does not.
const DefaultMaxClients = 100

// DefaultSubscriberBuffer is the per-subscriber outbound queue length.
const DefaultSubscriberBuffer = 64

// Frame is one unit of delivery to a subscriber.
type Frame struct {
	Event string
	Data  []byte
}

// Filter restricts which events a subscriber receives. Empty fields match
// everything; set fields are conjunctive.
type Filter struct {
	TaskID   string
	Type     string
	Severity string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *store.Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}

// minified is the non-verbose projection of an event.
type minified struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Severity  string       `json:"severity"`
	TaskID    string       `json:"taskId,omitempty"`
	Timestamp store.Millis `json:"timestamp"`
	Source    string       `json:"source"`
}

// Subscription is one connected subscriber. The owner drains Frames until
// it is closed; a closed channel means the subscriber was evicted or the
// hub shut down, and the owner should emit a close frame and disconnect.
type Subscription struct {
	ID          string
	Filter      Filter
	Verbose     bool
	ConnectedAt time.Time

	frames chan Frame
	hub    *Hub
}

// Frames returns the outbound frame channel.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Close removes the subscription from the hub. Safe to call more than once
// and after eviction.
func (s *Subscription) Close() {
	s.hub.remove(s.ID, "client")
}

// Config configures a Hub.
type Config struct {
	MaxClients        int
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
	Logger            *zap.Logger
}

// Hub is the broadcaster. All channel operations happen under mu so a
// send can never race a close.
type Hub struct {
	logger   *zap.Logger
	max      int
	buf      int
	interval time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	order  []string // insertion order, oldest first
	closed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHub creates a Hub and starts its heartbeat loop when an interval is
// configured.
func NewHub(cfg Config) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		logger:   cfg.Logger,
		max:      cfg.MaxClients,
		buf:      cfg.SubscriberBuffer,
		interval: cfg.HeartbeatInterval,
		subs:     make(map[string]*Subscription),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if h.interval > 0 {
		go h.heartbeatLoop()
	} else {
		close(h.doneCh)
	}
	return h
}

// Subscribe admits a new subscriber, evicting the oldest first when the
// set is at capacity.
func (h *Hub) Subscribe(filter Filter, verbose bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		// A closed channel tells the caller to hang up immediately.
		s := &Subscription{ID: uuid.New().String(), hub: h, frames: make(chan Frame)}
		close(s.frames)
		return s
	}

	for len(h.subs) >= h.max && len(h.order) > 0 {
		oldest := h.order[0]
		h.evictLocked(oldest, "capacity")
	}

	s := &Subscription{
		ID:          uuid.New().String(),
		Filter:      filter,
		Verbose:     verbose,
		ConnectedAt: time.Now(),
		frames:      make(chan Frame, h.buf),
		hub:         h,
	}
	h.subs[s.ID] = s
	h.order = append(h.order, s.ID)
	metrics.SubscribersActive.Set(float64(len(h.subs)))
	h.logger.Debug("Subscriber admitted",
		zap.String("subscriber_id", s.ID),
		zap.Int("subscribers", len(h.subs)),
	)
	return s
}

// Publish offers e to every matching subscriber. It never blocks: a
// subscriber whose queue is full is evicted. Callers serialize Publish
// (the store's single-writer section), which preserves per-subscriber
// delivery order.
func (h *Hub) Publish(e *store.Event) {
	var full, min []byte

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	// Iterate a copy of the order list; eviction mutates it.
	ids := make([]string, len(h.order))
	copy(ids, h.order)

	for _, id := range ids {
		s, ok := h.subs[id]
		if !ok || !s.Filter.Matches(e) {
			continue
		}

		var payload []byte
		if s.Verbose {
			if full == nil {
				var err error
				if full, err = json.Marshal(e); err != nil {
					h.logger.Error("Marshal event for broadcast", zap.Error(err))
					return
				}
			}
			payload = full
		} else {
			if min == nil {
				var err error
				min, err = json.Marshal(minified{
					ID:        e.ID,
					Type:      e.Type,
					Severity:  e.Severity,
					TaskID:    e.TaskID,
					Timestamp: e.Timestamp,
					Source:    e.Source,
				})
				if err != nil {
					h.logger.Error("Marshal event projection", zap.Error(err))
					return
				}
			}
			payload = min
		}

		select {
		case s.frames <- Frame{Event: FrameEvent, Data: payload}:
			metrics.FramesSent.WithLabelValues(FrameEvent).Inc()
		default:
			h.evictLocked(id, "overflow")
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops heartbeats and closes every subscription. Owners observe the
// closed channels and emit close frames on their own sockets.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.frames)
		delete(h.subs, id)
		metrics.SubscriberEvictions.WithLabelValues("shutdown").Inc()
	}
	h.order = nil
	metrics.SubscribersActive.Set(0)
	h.mu.Unlock()

	close(h.stopCh)
	<-h.doneCh
	h.logger.Info("Broadcaster closed")
}

func (h *Hub) heartbeatLoop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pingAll()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	ids := make([]string, len(h.order))
	copy(ids, h.order)
	for _, id := range ids {
		s, ok := h.subs[id]
		if !ok {
			continue
		}
		select {
		case s.frames <- Frame{Event: FramePing, Data: []byte("{}")}:
			metrics.FramesSent.WithLabelValues(FramePing).Inc()
		default:
			h.evictLocked(id, "overflow")
		}
	}
}

// evictLocked removes one subscriber and closes its channel. Caller holds mu.
func (h *Hub) evictLocked(id, reason string) {
	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	close(s.frames)
	metrics.SubscriberEvictions.WithLabelValues(reason).Inc()
	metrics.SubscribersActive.Set(float64(len(h.subs)))
	h.logger.Debug("Subscriber removed",
		zap.String("subscriber_id", id),
		zap.String("reason", reason),
		zap.Int("subscribers", len(h.subs)),
	)
}

func (h *Hub) remove(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(id, reason)
}
