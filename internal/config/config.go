package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8765"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxConnections int `env:"MAX_CONNECTIONS" default:"10000"`

	BufferCapacity int           `env:"BUFFER_CAPACITY" default:"100"`
	BufferTTL      time.Duration `env:"BUFFER_TTL" default:"3h"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" default:"10m"`

	ClassifyGrace time.Duration `env:"CLASSIFY_GRACE" default:"800ms"`
	FlushSettle   time.Duration `env:"FLUSH_SETTLE" default:"200ms"`
	FlushPacing   time.Duration `env:"FLUSH_PACING" default:"50ms"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" default:"30s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.BufferCapacity <= 0 {
		return fmt.Errorf("BUFFER_CAPACITY must be positive, got %d", cfg.BufferCapacity)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}

	durations := map[string]time.Duration{
		"BUFFER_TTL":     cfg.BufferTTL,
		"SWEEP_INTERVAL": cfg.SweepInterval,
		"CLASSIFY_GRACE": cfg.ClassifyGrace,
		"FLUSH_SETTLE":   cfg.FlushSettle,
		"FLUSH_PACING":   cfg.FlushPacing,
		"PROBE_INTERVAL": cfg.ProbeInterval,
	}
	for name, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	return nil
}
