package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleWSFeed serves the trace feed over WebSocket for clients that cannot
// consume SSE. Each event is one JSON text message.
func (s *Server) handleWSFeed(w http.ResponseWriter, r *http.Request) {
	agentFilter := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	executionFilter := strings.TrimSpace(r.URL.Query().Get("execution_id"))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, ch := s.cfg.Feed.subscribe(128)
	defer s.cfg.Feed.unsubscribe(id)

	// Reader goroutine: drain control frames and detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-ch:
			if !traceMatches(event, agentFilter, executionFilter, typeFilter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
