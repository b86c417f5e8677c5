package rpc

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tessera-net/tessera-chain/internal/events"
)

const (
	// wsWriteTimeout bounds each event write to a client.
	wsWriteTimeout = 10 * time.Second

	// wsPingInterval is how often keepalive pings are sent.
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS policy for the RPC port is handled at the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams chain events as
// JSON. The optional "types" query parameter is a comma-separated list
// of event types to subscribe to; absent means all events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event streaming not enabled", http.StatusNotImplemented)
		return
	}

	var eventTypes []events.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, events.Type(t))
			}
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := s.bus.Subscribe(eventTypes...)

	go s.streamEvents(conn, sub)
}

// streamEvents forwards bus events to a single client until the
// connection drops or the subscription closes.
func (s *Server) streamEvents(conn *websocket.Conn, sub *events.Subscription) {
	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
	}()

	// Drain client frames so control messages (close, pong) are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
