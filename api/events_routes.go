package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perimetric/periscope/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// The GUI talks to a loopback server; cross-origin checks add nothing here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamEvent is one frame on the /api/events stream.
type StreamEvent struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// handleEvents upgrades to a WebSocket and relays the manager's event stream
// until the client hangs up or the server stops.
func handleEvents(cs *ControlSurface) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(rw, http.StatusMethodNotAllowed, "validation",
				"method "+r.Method+" not allowed")
			return
		}
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			// Upgrade has already answered the request.
			cs.Logger.Warnf("API:events", "websocket upgrade failed: %s", err)
			return
		}

		base := cs.RunCtx
		if base == nil {
			base = context.Background()
		}
		ctx, cancel := context.WithCancel(base)
		defer cancel()
		defer func() { _ = conn.Close() }()

		recordSubscriber(1)
		defer recordSubscriber(-1)

		ch := make(chan events.Event, 64)
		cs.Sessions.OnAll(ctx, ch)

		// Inbound frames are ignored; a read error is how we learn the peer
		// went away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pings := time.NewTicker(wsPingInterval)
		defer pings.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			case <-pings.C:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case ev := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				frame := StreamEvent{Type: ev.Type, Payload: ev.Data, Timestamp: time.Now()}
				if err := conn.WriteJSON(frame); err != nil {
					cs.Logger.Debugf("API:events", "subscriber write failed: %s", err)
					return
				}
			}
		}
	}
}
