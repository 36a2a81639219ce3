// Command forwarder runs a voice forwarding node: it registers with the
// main daemon, heartbeats its load and serves a local health endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/noderuntime"
)

var version = "dev" // set via -ldflags

func main() {
	if err := run(); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("forwarder exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadForwarder()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "parley-forwarder"})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str(log.FieldRegion, cfg.Region).
		Str(log.FieldEndpoint, cfg.Endpoint).
		Int(log.FieldCapacity, cfg.Capacity).
		Msg("starting forwarding node")

	rt, err := noderuntime.New(cfg)
	if err != nil {
		return fmt.Errorf("node setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}
