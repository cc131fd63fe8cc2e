package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"screenrelay/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers are unauthenticated and can come from anywhere
	},
}

// handleWebSocket upgrades the connection and pumps inbound frames into the
// engine until the socket dies. Role classification happens inside the
// engine; the handler neither knows nor cares what kind of peer this is.
func (s *Server) handleWebSocket(c echo.Context) error {
	if !s.limiter.Acquire() {
		slog.Warn("Rejecting connection: server at capacity", "current", s.limiter.Current())
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server at capacity"})
	}
	defer s.limiter.Release()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	peer := relay.NewWSPeer(conn, s.clock)
	conn.SetPongHandler(func(string) error {
		s.engine.PongReceived(peer)
		return nil
	})

	s.engine.Connect(peer)
	defer s.engine.Disconnect(peer)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// Close and transport error are handled the same way.
			slog.Debug("Connection read ended", "addr", peer.RemoteAddr(), "error", err)
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.engine.HandleFrame(peer, data)
	}
}
