package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The endpoint authenticates by token, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAdminWS streams fleet events to an operator console. Browsers
// cannot set headers on WebSocket upgrades, so credentials arrive as a
// query parameter.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	if !s.wsAuthorized(r) {
		writeError(w, r, fault.New(fault.CodeAuthFailure, "admin authentication required"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := s.hub.Subscribe()
	metrics.WSSubscribers.Inc()
	defer func() {
		s.hub.Unsubscribe(client)
		metrics.WSSubscribers.Dec()
		conn.Close()
	}()

	// Reader only services control frames; its exit ends the session.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) wsAuthorized(r *http.Request) bool {
	if token := r.URL.Query().Get("token"); token != "" && s.sessions != nil {
		_, err := s.sessions.Validate(token)
		return err == nil
	}
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) == 1
	}
	return false
}
