package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Overrides are command-line values that take precedence over the
// environment. Empty fields keep the environment value.
type Overrides struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
}

func (o Overrides) apply(cfg Config) Config {
	if o.HTTPAddr != "" {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	return cfg
}

// Run is the CLI entrypoint used by cmd/sigma.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(o Overrides) error {
	cfg := o.apply(LoadConfig())
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
