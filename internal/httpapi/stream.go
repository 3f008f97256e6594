package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/broadcast"
)

// handleStream serves GET /observer/stream as Server-Sent Events. Frames
// arrive pre-serialized from the hub; a closed frame channel means the
// subscriber was evicted or the hub shut down, and the client is told with
// a final close frame.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, internalError("streaming not supported"))
		return
	}

	sub := a.hub.Subscribe(streamFilter(r), streamVerbose(r))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Commit headers with a flushed blank line before the first frame.
	fmt.Fprint(w, "\n")
	flusher.Flush()

	a.logger.Debug("SSE subscriber connected",
		zap.String("subscriber_id", sub.ID),
		zap.String("remote", r.RemoteAddr),
	)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-sub.Frames():
			if !open {
				fmt.Fprintf(w, "event: %s\ndata: {}\n\n", broadcast.FrameClose)
				flusher.Flush()
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, frame.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func streamFilter(r *http.Request) broadcast.Filter {
	q := r.URL.Query()
	return broadcast.Filter{
		TaskID:   q.Get("taskId"),
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
	}
}

func streamVerbose(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("verbose"), "true")
}
