package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Relay endpoint (senders and browsers alike)
	s.echo.GET("/ws", s.handleWebSocket)
}
