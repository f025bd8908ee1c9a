// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/logging"
)

// EmbeddedConfig configures an in-process NATS server. Port -1 picks a
// random free port.
type EmbeddedConfig struct {
	Host         string
	Port         int
	ReadyTimeout time.Duration
}

// EmbeddedServer is a NATS server running inside the dashsync process, for
// single-node deployments that still want other processes to observe
// lifecycle events over NATS. Only core subjects are served.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// StartEmbedded starts a NATS server and waits until it accepts clients.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	opts := &server.Options{
		ServerName: "dashsync-events",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	ns.SetLogger(natsLogger{logging.WithComponent("nats-server")}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within %s", cfg.ReadyTimeout)
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Running reports whether the server is up.
func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the server and waits for it unless ctx ends first.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// natsLogger routes NATS server logs to zerolog.
type natsLogger struct {
	zl zerolog.Logger
}

func (l natsLogger) Noticef(format string, v ...any) { l.zl.Info().Msgf(format, v...) }
func (l natsLogger) Warnf(format string, v ...any)   { l.zl.Warn().Msgf(format, v...) }
func (l natsLogger) Errorf(format string, v ...any)  { l.zl.Error().Msgf(format, v...) }
func (l natsLogger) Debugf(format string, v ...any)  { l.zl.Debug().Msgf(format, v...) }
func (l natsLogger) Tracef(format string, v ...any)  { l.zl.Trace().Msgf(format, v...) }

// Fatalf logs at error level; the embedded server must not exit the process.
func (l natsLogger) Fatalf(format string, v ...any) { l.zl.Error().Msgf(format, v...) }
