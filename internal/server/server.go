package server

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"screenrelay/internal/config"
	"screenrelay/internal/relay"
)

// Server hosts the WebSocket endpoint and the observability routes.
type Server struct {
	echo    *echo.Echo
	config  *config.Config
	engine  *relay.Engine
	clock   clockwork.Clock
	limiter *ConnectionLimiter
}

func NewServer(cfg *config.Config, engine *relay.Engine, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:    e,
		config:  cfg,
		engine:  engine,
		clock:   clock,
		limiter: NewConnectionLimiter(int64(cfg.MaxConnections)),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
