// Command daemon runs the parley gateway daemon: the real-time WebSocket
// gateway, the voice node registry and the metrics listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/parley-im/parley/internal/api"
	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/daemon"
	"github.com/parley-im/parley/internal/gateway"
	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/telemetry"
	"github.com/parley-im/parley/internal/voice"
)

var version = "dev" // set via -ldflags

func main() {
	if err := run(); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadDaemon()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "parley-daemon"})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Msg("starting parley daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.NewProvider(ctx, cfg.Telemetry, "parley-daemon")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	// Token resolver. Without a tokens file every IDENTIFY is rejected,
	// which still leaves the health and registry surfaces usable.
	var resolver *auth.Static
	if cfg.TokensFile != "" {
		resolver, err = auth.LoadStatic(cfg.TokensFile)
		if err != nil {
			return fmt.Errorf("load tokens: %w", err)
		}
	} else {
		logger.Warn().Msg("PARLEY_TOKENS_FILE not set, all client tokens will be rejected")
		resolver = auth.NewStatic(nil)
	}

	// Resume store: Redis survives daemon restarts, memory does not.
	var resume gateway.ResumeStore
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		resume = gateway.NewRedisResumeStore(redisClient, cfg.Gateway.ResumeTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis resume store")
	} else {
		resume = gateway.NewMemoryResumeStore(cfg.Gateway.ResumeTTL)
		logger.Info().Msg("using in-memory resume store")
	}

	dispatcher := gateway.NewDispatcher()

	// Voice backend selection. The custom backend carries the node registry,
	// its REST surface and the reaper; the external backend only issues
	// credentials.
	var (
		backend      voice.Backend
		registryAPI  *registry.API
		reaper       *registry.Reaper
		nodeStore    *registry.BadgerStore
		nodeRegistry *registry.Registry
	)
	switch cfg.Voice.Backend {
	case config.VoiceBackendCustom:
		var opts []registry.Option
		if cfg.Registry.Dir != "" {
			nodeStore, err = registry.OpenBadgerStore(cfg.Registry.Dir)
			if err != nil {
				return fmt.Errorf("open registry store: %w", err)
			}
			opts = append(opts, registry.WithStore(nodeStore))
		}
		nodeRegistry, err = registry.New(opts...)
		if err != nil {
			return fmt.Errorf("registry setup: %w", err)
		}
		registryAPI = registry.NewAPI(nodeRegistry, cfg.Registry.Token)
		reaper = registry.NewReaper(nodeRegistry, cfg.Registry.ReaperInterval, cfg.Registry.StaleAfter)
		backend = voice.NewCustomBackend(nodeRegistry)
	case config.VoiceBackendExternal:
		backend = voice.NewExternalBackend(voice.NewHMACIssuer(cfg.Voice))
	}

	coordinator := voice.NewCoordinator(dispatcher, backend, resolver)
	tracker := presence.NewTracker(dispatcher.Publish)

	manager := gateway.NewManager(cfg.Gateway, dispatcher, gateway.ManagerDeps{
		Resolver:      resolver,
		Members:       resolver,
		Resume:        resume,
		Voice:         coordinator,
		Presence:      tracker,
		ServerVersion: version,
	})

	apiDeps := api.Deps{
		GatewayWS: manager.HandleWS,
		Ready: func() error {
			if redisClient != nil {
				return redisClient.Ping(ctx).Err()
			}
			return nil
		},
		Version: version,
	}
	if registryAPI != nil {
		apiDeps.Registry = registryAPI.Routes()
	}
	router := api.NewRouter(apiDeps)

	dm, err := daemon.NewManager(cfg, daemon.Deps{
		APIHandler:     router,
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		return fmt.Errorf("daemon setup: %w", err)
	}

	if reaper != nil {
		reaper.Start(ctx)
		dm.RegisterShutdownHook("reaper", func(context.Context) error {
			reaper.Stop()
			return nil
		})
	}
	if nodeStore != nil {
		dm.RegisterShutdownHook("registry-store", func(context.Context) error {
			return nodeStore.Close()
		})
	}
	if redisClient != nil {
		dm.RegisterShutdownHook("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	dm.RegisterShutdownHook("tokens", func(context.Context) error {
		return resolver.Close()
	})
	dm.RegisterShutdownHook("telemetry", tracer.Shutdown)

	return dm.Start(ctx)
}
