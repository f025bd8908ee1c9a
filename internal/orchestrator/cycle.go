// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package orchestrator

import (
	"sync"
	"time"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/events"
	"github.com/tomtom215/dashsync/internal/metrics"
	"github.com/tomtom215/dashsync/internal/stream"
	"github.com/tomtom215/dashsync/internal/websocket"
)

// Cycle end reasons.
const (
	EndComplete         = "complete"
	EndCeiling          = "ceiling"
	EndConnectionFailed = "connection_failed"
)

// cycle is one accepted refresh, from begin to the moment every dataset it
// covers is terminal.
type cycle struct {
	id        string
	kind      string
	keys      []string
	members   map[string]bool
	streamed  bool
	startedAt time.Time

	mu        sync.Mutex
	ending    bool
	stopped   bool
	streamEnd stream.EndReason
}

func newCycle(id, kind string, keys []string, streamed bool, at time.Time) *cycle {
	c := &cycle{
		id:        id,
		kind:      kind,
		keys:      keys,
		members:   make(map[string]bool, len(keys)),
		streamed:  streamed,
		startedAt: at,
	}
	for _, k := range keys {
		c.members[k] = true
	}
	return c
}

// persisting reports whether store changes should be written to the
// session snapshot.
func (c *cycle) persisting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamed && !c.ending && !c.stopped
}

// ended reports whether the cycle reached its end.
func (c *cycle) ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ending
}

func (c *cycle) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// recordStreamEnd keeps the first reason the stream reported for this
// cycle's session.
func (c *cycle) recordStreamEnd(r stream.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamEnd == "" {
		c.streamEnd = r
	}
}

// reason names why the cycle ended. Only the stream's own end report turns
// a cycle into ceiling or connection_failed; dataset error texts never do.
func (c *cycle) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.streamEnd {
	case stream.EndCeiling:
		return EndCeiling
	case stream.EndFailed:
		return EndConnectionFailed
	default:
		return EndComplete
	}
}

// claimEnd returns true exactly once, for the caller that gets to end the
// cycle.
func (c *cycle) claimEnd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending || c.stopped {
		return false
	}
	c.ending = true
	return true
}

func allTerminal(states map[string]dataset.State, keys []string) bool {
	for _, k := range keys {
		if !states[k].Status.Terminal() {
			return false
		}
	}
	return true
}

// observe runs inside the store's notification path. It must not call
// store mutators or the stream connection.
func (o *Orchestrator) observe(ch dataset.Change) {
	o.mu.Lock()
	cyc := o.cycle
	closed := o.closed
	o.mu.Unlock()

	loading := 0
	for _, st := range ch.All {
		if st.Status == dataset.StatusLoading {
			loading++
		}
	}
	metrics.DatasetsLoading.Set(float64(loading))

	if ch.Prev.Status != ch.Next.Status && ch.Next.Status.Terminal() {
		var startedAt time.Time
		if ch.Next.StartedAt != nil {
			startedAt = *ch.Next.StartedAt
		}
		metrics.RecordDatasetResult(ch.Key, string(ch.Next.Status), startedAt, ch.At)
		o.publishResult(cyc, ch)
	}

	if cyc == nil || !cyc.members[ch.Key] {
		return
	}
	if !closed && o.snapshots != nil && cyc.persisting() {
		o.snapshots.Save(o.bg, ch.All, cyc.id)
	}
	if o.hub != nil {
		o.hub.BroadcastJSON(websocket.MessageTypeProgress, dataset.ComputeProgress(ch.All, cyc.keys))
	}
	o.checkEnd(cyc, ch.All)
}

func (o *Orchestrator) publishResult(cyc *cycle, ch dataset.Change) {
	ev := events.Lifecycle{
		Topic:    events.TopicDatasetReady,
		Dataset:  ch.Key,
		Status:   ch.Next.Status,
		RowCount: ch.Next.RowCount,
		Cached:   ch.Next.Cached,
		At:       ch.At,
	}
	if ch.Next.Status == dataset.StatusError {
		ev.Topic = events.TopicDatasetError
		ev.Error = ch.Next.ErrorMessage
	}
	if cyc != nil {
		ev.CycleID = cyc.id
	}
	o.publish(ev)
}

// checkEnd hands the cycle to endCycle once every dataset it covers is
// terminal.
func (o *Orchestrator) checkEnd(cyc *cycle, states map[string]dataset.State) {
	if !allTerminal(states, cyc.keys) || !cyc.claimEnd() {
		return
	}
	go o.endCycle(cyc)
}

func (o *Orchestrator) endCycle(cyc *cycle) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	now := o.clock.Now()
	states := o.store.Snapshot()
	reason := cyc.reason()
	progress := dataset.ComputeProgress(states, cyc.keys)

	o.mu.Lock()
	current := o.cycle == cyc
	if current {
		o.complete = true
	}
	o.mu.Unlock()

	if current {
		o.watchdog.Stop()
		if cyc.streamed {
			o.stream.Stop()
		}
		if o.snapshots != nil {
			o.snapshots.Clear(o.bg)
		}
		metrics.RecordCycleEnd(reason, now.Sub(cyc.startedAt))
	}

	o.logger.Info().
		Str("cycle_id", cyc.id).
		Str("reason", reason).
		Int("completed", progress.Completed).
		Int("total", progress.Total).
		Dur("duration", now.Sub(cyc.startedAt)).
		Bool("superseded", !current).
		Msg("refresh cycle finished")

	o.publish(events.Lifecycle{
		Topic:    events.TopicCycleCompleted,
		CycleID:  cyc.id,
		Reason:   reason,
		Datasets: cyc.keys,
		Progress: &progress,
		At:       now,
	})
}

// streamEnded runs on the stream's goroutine before the session's remaining
// datasets are settled. It must not call store mutators or the stream.
func (o *Orchestrator) streamEnded(e stream.End) {
	o.mu.Lock()
	cyc := o.cycle
	o.mu.Unlock()
	if cyc == nil || !cyc.streamed {
		return
	}
	for _, k := range e.Keys {
		if cyc.members[k] {
			cyc.recordStreamEnd(e.Reason)
			return
		}
	}
}

func (o *Orchestrator) broadcastProgress() {
	if o.hub != nil {
		o.hub.BroadcastJSON(websocket.MessageTypeProgress, o.Progress())
	}
}
