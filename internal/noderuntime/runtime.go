// Package noderuntime orchestrates the full lifecycle of a standalone
// forwarding-node process: registration with retry, a health surface, the
// heartbeat loop and graceful deregistration. It keeps no database and no
// dispatcher; the registry's request/response endpoints are its only link
// to the main process.
package noderuntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/nodeclient"
)

// Runtime is one forwarding node's control loop.
type Runtime struct {
	cfg    config.Forwarder
	client *nodeclient.Client
	load   atomic.Int64
	logger zerolog.Logger
}

// New resolves the node identity (configured or persisted) and builds the
// runtime.
func New(cfg config.Forwarder) (*Runtime, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		var err error
		nodeID, err = loadOrCreateNodeID(cfg.StateDir)
		if err != nil {
			return nil, err
		}
	}

	opts := []nodeclient.Option{}
	if cfg.RegistryToken != "" {
		opts = append(opts, nodeclient.WithAuthToken(cfg.RegistryToken))
	}
	client := nodeclient.New(cfg.MainURL, nodeclient.Descriptor{
		ID:       nodeID,
		Endpoint: cfg.Endpoint,
		Region:   cfg.Region,
		Capacity: int64(cfg.Capacity),
	}, opts...)

	return &Runtime{
		cfg:    cfg,
		client: client,
		logger: log.WithComponent("node").With().Str(log.FieldNodeID, nodeID).Logger(),
	}, nil
}

// NodeID returns the resolved node id.
func (r *Runtime) NodeID() string {
	return r.client.NodeID()
}

// SetLoad records the node's current forwarding load, reported on the next
// heartbeat and on the health endpoint.
func (r *Runtime) SetLoad(n int64) {
	r.load.Store(n)
}

// Load returns the current self-reported load.
func (r *Runtime) Load() int64 {
	return r.load.Load()
}

// Run drives the node until ctx is cancelled: register (retried with
// exponential backoff), serve health, heartbeat on a fixed interval, then
// deregister best-effort on shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		// Only context cancellation ends the retry loop.
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.serveHealth(ctx) })
	g.Go(func() error { return r.heartbeatLoop(ctx) })

	err := g.Wait()
	r.deregister()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// register retries until the registry acknowledges or ctx is cancelled.
// Failures are logged, never fatal: the node may start before the central
// server is reachable.
func (r *Runtime) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.client.Register(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Dur("retry_in", next).Msg("registration failed")
		}),
	)
	if err != nil {
		return fmt.Errorf("registration aborted: %w", err)
	}
	r.logger.Info().Str("registry", r.cfg.MainURL).Msg("registered with central registry")
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			load := r.load.Load()
			if err := r.client.Heartbeat(ctx, load); err != nil {
				// Transient; the next tick retries on its own cadence.
				r.logger.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			r.logger.Debug().Int64(log.FieldLoad, load).Msg("heartbeat sent")
		}
	}
}

// serveHealth exposes the liveness surface until ctx is cancelled.
func (r *Runtime) serveHealth(ctx context.Context) error {
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"node_id":      r.NodeID(),
			"region":       r.cfg.Region,
			"current_load": r.load.Load(),
		})
	})

	srv := &http.Server{
		Addr:              r.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info().Str("addr", r.cfg.Listen).Msg("health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// deregister makes one bounded best-effort call; failure is tolerated since
// the reaper will expire the row anyway.
func (r *Runtime) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Deregister(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("deregistration failed")
		return
	}
	r.logger.Info().Msg("deregistered from central registry")
}
