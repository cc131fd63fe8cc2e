package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"screenrelay/internal/config"
	"screenrelay/internal/logging"
	"screenrelay/internal/relay"
	"screenrelay/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func engineOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		BufferCapacity: cfg.BufferCapacity,
		BufferTTL:      cfg.BufferTTL,
		SweepInterval:  cfg.SweepInterval,
		ClassifyGrace:  cfg.ClassifyGrace,
		FlushSettle:    cfg.FlushSettle,
		FlushPacing:    cfg.FlushPacing,
		ProbeInterval:  cfg.ProbeInterval,
	}
}

func runGracefulShutdown(srv *server.Server, engine *relay.Engine) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		engine.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay starting", "env", cfg.AppEnv, "port", cfg.Port)

	engine := relay.NewEngine(clock, engineOptions(cfg))
	srv := server.NewServer(cfg, engine, clock)

	done := runGracefulShutdown(srv, engine)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
