// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package orchestrator

import (
	"context"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
	"github.com/tomtom215/dashsync/internal/snapshot"
	"github.com/tomtom215/dashsync/internal/stream"
)

// Stop closes the stream, cancels the watchdog and drops debounced
// requests. Dataset states are left as they are and in-flight direct
// fetches keep running.
//
// With ResetCompletion unset the cycle counts as interrupted: its snapshot
// is written so a later Resume can pick it up. With ResetCompletion set the
// cycle counts as finished and the snapshot is removed.
func (o *Orchestrator) Stop(ctx context.Context, opts StopOptions) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.throttle.CancelPending()
	o.stream.Stop()
	o.watchdog.Stop()

	o.mu.Lock()
	cyc := o.cycle
	o.complete = opts.ResetCompletion
	o.mu.Unlock()

	if cyc == nil {
		return
	}
	wasEnded := cyc.ended()
	cyc.stop()
	if !wasEnded {
		metrics.CycleActive.Set(0)
	}

	if o.snapshots != nil && cyc.streamed {
		switch {
		case opts.ResetCompletion:
			o.snapshots.Clear(ctx)
		case !wasEnded:
			o.snapshots.Save(ctx, o.store.Snapshot(), cyc.id)
		}
	}

	logging.Ctx(ctx).Info().
		Str("cycle_id", cyc.id).
		Bool("reset_completion", opts.ResetCompletion).
		Bool("was_finished", wasEnded).
		Msg("refresh stopped")
}

// ResumeResult reports what Resume did.
type ResumeResult struct {
	Verdict  snapshot.Verdict `json:"verdict"`
	Restored int              `json:"restored"`
	// Resumed lists the streamed datasets the stream was restarted for.
	Resumed []string `json:"resumed,omitempty"`
	CycleID string   `json:"cycle_id,omitempty"`
}

// Resume reads the session snapshot once. An interrupted session is
// restored into the store immediately; the stream is then restarted for the
// streamed datasets that were still loading. Auxiliary datasets are not
// fetched again. While a cycle started by this process is still running the
// snapshot is left alone and the verdict is none.
//
// Resume bypasses the refresh throttle.
func (o *Orchestrator) Resume(ctx context.Context) (ResumeResult, error) {
	if o.snapshots == nil {
		return ResumeResult{Verdict: snapshot.VerdictNone}, nil
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ResumeResult{}, ErrShutdown
	}
	// A snapshot never overrides a cycle this process already started.
	o.mu.Lock()
	running := o.cycle != nil && !o.complete
	o.mu.Unlock()
	if running {
		return ResumeResult{Verdict: snapshot.VerdictNone}, nil
	}

	snap, verdict := o.snapshots.Load(ctx)
	res := ResumeResult{Verdict: verdict}
	if verdict != snapshot.VerdictResume {
		return res, nil
	}

	now := o.clock.Now()
	states := snap.States()
	for key, st := range states {
		if st.Status != dataset.StatusReady {
			continue
		}
		// Payloads are not part of the snapshot; the cache may still have
		// them.
		if entry, ok := o.cache.Get(ctx, key); ok {
			st.Payload = entry.Payload
			st.RowCount = entry.RowCount
			states[key] = st
		}
	}
	o.store.Restore(states, now)
	res.Restored = len(states)

	loading := snap.Loading()
	if len(loading) == 0 {
		o.snapshots.Clear(ctx)
		return res, nil
	}

	var streamed []string
	for _, key := range loading {
		if desc, ok := o.store.Descriptor(key); ok && desc.Streamed() {
			streamed = append(streamed, key)
		}
	}

	id := snap.CycleID
	if id == "" {
		id = logging.GenerateCycleID()
	}
	cyc := newCycle(id, "resume", loading, len(streamed) > 0, now)
	ctx = logging.ContextWithCycleID(ctx, id)
	o.setCycle(cyc)
	metrics.CyclesStarted.WithLabelValues("resume").Inc()
	metrics.CycleActive.Set(1)

	if len(streamed) > 0 {
		if err := o.stream.Start(context.WithoutCancel(ctx), streamed, false, nil); err != nil {
			cyc.recordStreamEnd(stream.EndFailed)
			o.failKeys(streamed, err.Error())
			logging.Ctx(ctx).Error().Err(err).Msg("failed to restart stream for resumed session")
		}
	}
	o.watchdog.Start()

	res.Resumed = streamed
	res.CycleID = id
	logging.Ctx(ctx).Info().
		Int("restored", res.Restored).
		Strs("loading", loading).
		Strs("resumed", streamed).
		Msg("resumed interrupted session")

	o.checkEnd(cyc, o.store.Snapshot())
	return res, nil
}

// Shutdown tears the orchestrator down. A cycle still in flight gets a
// final snapshot so the next process can resume it; otherwise any leftover
// snapshot is removed. In-flight direct fetches are cancelled and awaited
// until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.opMu.Lock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.opMu.Unlock()
		return nil
	}
	o.closed = true
	cyc := o.cycle
	complete := o.complete
	o.mu.Unlock()

	o.throttle.CancelPending()

	midFlight := cyc != nil && cyc.streamed && !cyc.ended() && !complete
	if o.snapshots != nil {
		if midFlight {
			o.snapshots.Save(ctx, o.store.Snapshot(), cyc.id)
		} else {
			o.snapshots.Clear(ctx)
		}
	}

	o.stream.Stop()
	o.watchdog.Stop()
	o.opMu.Unlock()

	if n, ok := o.stream.(EndNotifier); ok {
		n.SetEndHandler(nil)
	}
	o.unsubscribe()
	o.bgCancel()
	metrics.CycleActive.Set(0)

	done := make(chan struct{})
	go func() {
		o.fetches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.logger.Info().Bool("snapshot_kept", midFlight).Msg("orchestrator shut down")
	return nil
}
