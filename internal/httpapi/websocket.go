package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbiterlabs/observer/internal/broadcast"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement already happened in the auth middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON projection of a broadcast frame.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleStreamWS serves GET /observer/stream/ws, mirroring the SSE stream
// over a WebSocket. Hub heartbeats become ping control messages; eviction
// and shutdown become a close control message.
func (a *API) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	filter := streamFilter(r)
	verbose := streamVerbose(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := a.hub.Subscribe(filter, verbose)
	defer sub.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	// Reader pump: client payloads are discarded, but reading surfaces
	// pongs and disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case frame, open := <-sub.Frames():
			if !open {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "evicted")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			if frame.Event == broadcast.FramePing {
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				continue
			}
			if err := conn.WriteJSON(wsFrame{Event: frame.Event, Data: frame.Data}); err != nil {
				return
			}
		}
	}
}
