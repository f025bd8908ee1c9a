// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package main runs the dashsync server.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. Key-value storage for session snapshots and the durable cache
//  3. Dataset store, cache reconciler, stream connection, direct fetcher
//  4. Event bus (in-process or NATS) and WebSocket hub
//  5. Refresh orchestrator
//  6. Supervisor tree: orchestrator (resume), hub, bridge, HTTP server
//
// SIGINT or SIGTERM stops the tree. A refresh cycle still in flight is
// written to the session snapshot and resumed by the next process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/dashsync/internal/api"
	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/config"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/events"
	"github.com/tomtom215/dashsync/internal/fetch"
	"github.com/tomtom215/dashsync/internal/kv"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/orchestrator"
	"github.com/tomtom215/dashsync/internal/snapshot"
	"github.com/tomtom215/dashsync/internal/stream"
	"github.com/tomtom215/dashsync/internal/supervisor"
	"github.com/tomtom215/dashsync/internal/supervisor/services"
	"github.com/tomtom215/dashsync/internal/throttle"
	"github.com/tomtom215/dashsync/internal/watchdog"
	ws "github.com/tomtom215/dashsync/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("dashsync stopped with an error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

func run(cfg *config.Config) error {
	logging.Info().
		Str("stream_url", cfg.Stream.URL).
		Str("storage", cfg.Storage.Backend).
		Int("datasets", len(cfg.Datasets)).
		Msg("Starting dashsync")

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	datasets, err := dataset.NewStore(dataset.DescriptorsFromConfig(cfg.Datasets))
	if err != nil {
		return fmt.Errorf("dataset catalog: %w", err)
	}

	var cacheOpts []cache.Option
	if cfg.Cache.Persist {
		cacheOpts = append(cacheOpts, cache.WithBacking(store))
	}
	reconciler := cache.New(cfg.Cache.AuxiliaryTTL, cacheOpts...)

	conn, err := stream.New(stream.ConfigFromSettings(cfg.Stream), datasets, stream.WithReconciler(reconciler))
	if err != nil {
		return fmt.Errorf("stream connection: %w", err)
	}

	fetcher, err := fetch.New(fetch.ConfigFromSettings(cfg.Fetch))
	if err != nil {
		return fmt.Errorf("direct fetcher: %w", err)
	}

	bus, stopNATS, err := openBus(cfg.Events)
	if err != nil {
		return err
	}
	defer stopNATS()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Warn().Err(err).Msg("Error closing event bus")
		}
	}()

	hub := ws.NewHub()

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:   datasets,
		Stream:  conn,
		Fetcher: fetcher,
		Cache:   reconciler,
		Throttle: throttle.New(throttle.Settings{
			GlobalCooldown: cfg.Throttle.GlobalCooldown,
			CallerInterval: cfg.Throttle.CallerInterval,
			Debounce:       cfg.Throttle.Debounce,
		}, nil),
		Watchdog: watchdog.New(datasets, watchdog.Settings{
			Interval:       cfg.Watchdog.Interval,
			DefaultTimeout: cfg.Watchdog.DefaultTimeout,
			HeavyTimeout:   cfg.Watchdog.HeavyTimeout,
		}, nil),
		Snapshots:        snapshot.New(store, cfg.Snapshot.SessionID, cfg.Snapshot.MaxAge, nil),
		Events:           bus,
		Hub:              hub,
		FetchConcurrency: cfg.Fetch.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	hub.SetStateProvider(func() any {
		return map[string]any{
			"datasets": orch.State(),
			"progress": orch.Progress(),
			"complete": orch.Complete(),
			"cycle_id": orch.CycleID(),
		}
	})

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.Timeout,
	})
	if err != nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	router := api.NewRouter(
		api.NewHandler(orch, datasets.Descriptors()),
		api.NewChiMiddleware(api.ChiMiddlewareConfigFromServer(cfg.Server)),
		hub,
		cfg.Server.CORSOrigins,
	)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		// /ws connections are long-lived; the hub handles write deadlines.
		IdleTimeout: 2 * time.Minute,
	}

	tree.AddSyncService(services.NewOrchestratorService(orch, cfg.Server.Timeout))
	tree.AddMessagingService(hub)
	if cfg.Events.Enabled {
		tree.AddMessagingService(ws.NewBridge(hub, bus))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}
	return nil
}

// openStorage opens the key-value backend shared by snapshots and the
// durable cache.
func openStorage(cfg config.StorageConfig) (kv.Store, func(), error) {
	if cfg.Backend == "memory" {
		return kv.NewMemoryStore(), func() {}, nil
	}
	db, err := kv.OpenBadger(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing badger")
		}
	}, nil
}

// openBus picks the NATS backend when a URL is configured or an embedded
// server is requested, and the in-process gochannel backend otherwise. A
// disabled bus is in-process with no bridge listening. The returned func
// stops the embedded server, if any, and must run after the bus is closed.
func openBus(cfg config.EventsConfig) (*events.Bus, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return events.NewInProcess(cfg.TopicPrefix), noop, nil
	}

	url := cfg.NATSURL
	stop := noop
	if cfg.EmbeddedNATS {
		srv, err := events.StartEmbedded(events.EmbeddedConfig{Host: cfg.EmbeddedHost, Port: cfg.EmbeddedPort})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		url = srv.ClientURL()
		stop = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logging.Warn().Err(err).Msg("Error stopping embedded NATS server")
			}
		}
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}
	if url == "" {
		return events.NewInProcess(cfg.TopicPrefix), noop, nil
	}

	bus, err := events.NewNATS(events.NATSConfig{URL: url, Prefix: cfg.TopicPrefix})
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("connect event bus: %w", err)
	}
	logging.Info().Str("url", url).Msg("Lifecycle events published to NATS")
	return bus, stop, nil
}
