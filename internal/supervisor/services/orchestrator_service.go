// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/orchestrator"
)

// Lifecycle is the part of *orchestrator.Orchestrator this service drives.
type Lifecycle interface {
	Resume(ctx context.Context) (orchestrator.ResumeResult, error)
	Shutdown(ctx context.Context) error
}

// OrchestratorService resumes an interrupted session when it starts and
// shuts the orchestrator down when the tree stops, which writes the final
// snapshot for a cycle still in flight.
type OrchestratorService struct {
	orch            Lifecycle
	shutdownTimeout time.Duration
	resumed         bool
}

// NewOrchestratorService wraps orch. A non-positive shutdownTimeout means
// 10s.
func NewOrchestratorService(orch Lifecycle, shutdownTimeout time.Duration) *OrchestratorService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &OrchestratorService{orch: orch, shutdownTimeout: shutdownTimeout}
}

// Serve resumes once, then waits for ctx. Shutdown is final, so the service
// asks not to be restarted afterwards.
func (s *OrchestratorService) Serve(ctx context.Context) error {
	logger := logging.WithComponent("orchestrator-service")

	// The snapshot is read at most once per process.
	if !s.resumed {
		s.resumed = true
		res, err := s.orch.Resume(ctx)
		switch {
		case errors.Is(err, orchestrator.ErrShutdown):
			return suture.ErrDoNotRestart
		case err != nil:
			logger.Warn().Err(err).Msg("session resume failed")
		default:
			logger.Info().
				Str("verdict", res.Verdict.String()).
				Int("restored", res.Restored).
				Strs("resumed", res.Resumed).
				Msg("session resume checked")
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("orchestrator shutdown: %w", err)
	}
	return suture.ErrDoNotRestart
}

func (s *OrchestratorService) String() string {
	return "orchestrator"
}
