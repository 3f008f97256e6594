package store

import "time"

// Page limits. A negative query limit selects the default; zero returns an
// empty page carrying the stream's current tail cursor.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 500
	DefaultCoTLimit   = 50
	MaxCoTLimit       = 200
)

// EventQuery selects a page of events. All set filters are conjunctive;
// Since/Until bound the record timestamp inclusively.
type EventQuery struct {
	Cursor   string
	Limit    int
	Since    time.Time
	Until    time.Time
	Type     string
	TaskID   string
	Severity string
}

// EventPage is one page of events in ascending seq order. NextCursor is set
// only when more matching records remain.
type EventPage struct {
	Events     []*Event `json:"events"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// CoTQuery selects a page of chain-of-thought entries.
type CoTQuery struct {
	Cursor string
	Limit  int
	Since  time.Time
	TaskID string
}

// CoTPage is one page of chain-of-thought entries in ascending seq order.
type CoTPage struct {
	Entries    []*CoTEntry `json:"entries"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// ListEvents pages over the in-memory event ring.
func (s *Store) ListEvents(q EventQuery) EventPage {
	limit := clampLimit(q.Limit, DefaultEventLimit, MaxEventLimit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit == 0 {
		return EventPage{Events: []*Event{}, NextCursor: EncodeCursor(s.eventSeq)}
	}
	if emptyWindow(q.Since, q.Until) {
		return EventPage{Events: []*Event{}}
	}

	after := DecodeCursor(q.Cursor)
	page := EventPage{Events: make([]*Event, 0, limit)}
	for _, e := range s.eventRing.snapshot() {
		if e.Seq <= after || !q.matches(e) {
			continue
		}
		if len(page.Events) == limit {
			page.NextCursor = EncodeCursor(page.Events[limit-1].Seq)
			break
		}
		page.Events = append(page.Events, e)
	}
	return page
}

// ListChainOfThought pages over the in-memory chain-of-thought ring.
func (s *Store) ListChainOfThought(q CoTQuery) CoTPage {
	limit := clampLimit(q.Limit, DefaultCoTLimit, MaxCoTLimit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit == 0 {
		return CoTPage{Entries: []*CoTEntry{}, NextCursor: EncodeCursor(s.cotSeq)}
	}

	after := DecodeCursor(q.Cursor)
	page := CoTPage{Entries: make([]*CoTEntry, 0, limit)}
	for _, c := range s.cotRing.snapshot() {
		if c.Seq <= after || !q.matches(c) {
			continue
		}
		if len(page.Entries) == limit {
			page.NextCursor = EncodeCursor(page.Entries[limit-1].Seq)
			break
		}
		page.Entries = append(page.Entries, c)
	}
	return page
}

func (q EventQuery) matches(e *Event) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	ts := e.Timestamp.Time()
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && ts.After(q.Until) {
		return false
	}
	return true
}

func (q CoTQuery) matches(c *CoTEntry) bool {
	if q.TaskID != "" && c.TaskID != q.TaskID {
		return false
	}
	if !q.Since.IsZero() && c.Timestamp.Time().Before(q.Since) {
		return false
	}
	return true
}

func clampLimit(limit, def, max int) int {
	switch {
	case limit < 0:
		return def
	case limit > max:
		return max
	default:
		return limit
	}
}

// emptyWindow reports whether an inverted since/until range makes the query
// trivially empty.
func emptyWindow(since, until time.Time) bool {
	return !since.IsZero() && !until.IsZero() && since.After(until)
}
