// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package snapshot persists refresh progress so an interrupted cycle can be
// resumed after a restart.
//
// While a stream is active every store change writes the current statuses
// to a fixed slot. A normal completion deletes the slot. At startup the slot
// is read once and judged:
//
//	None     nothing was persisted
//	Resume   the cycle was incomplete and is younger than MaxAge
//	Discard  the cycle completed or is too old; the slot is deleted
//
// Persistence is best effort. Failures are logged and counted, never
// returned to callers.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/kv"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

const keyPrefix = "snapshot:"

// DefaultMaxAge is how long an incomplete snapshot stays resumable.
const DefaultMaxAge = 10 * time.Minute

// Entry is the persisted part of one dataset state.
type Entry struct {
	Status    dataset.Status `json:"status"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Cached    bool           `json:"cached,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Snapshot is the persisted session record.
type Snapshot struct {
	Statuses   map[string]Entry `json:"statuses"`
	IsComplete bool             `json:"isComplete"`
	HadStream  bool             `json:"hadStream"`
	CapturedAt time.Time        `json:"capturedAt"`
	CycleID    string           `json:"cycleId,omitempty"`
}

// Verdict is the startup decision for a loaded snapshot.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictResume
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictResume:
		return "resume"
	case VerdictDiscard:
		return "discard"
	default:
		return "none"
	}
}

// Evaluate judges snap at now. It is pure.
func Evaluate(snap *Snapshot, now time.Time, maxAge time.Duration) Verdict {
	if snap == nil {
		return VerdictNone
	}
	if snap.IsComplete || !snap.HadStream {
		return VerdictDiscard
	}
	if now.Sub(snap.CapturedAt) >= maxAge {
		return VerdictDiscard
	}
	return VerdictResume
}

// Capture builds an in-progress snapshot from store states.
func Capture(states map[string]dataset.State, cycleID string, now time.Time) Snapshot {
	out := Snapshot{
		Statuses:   make(map[string]Entry, len(states)),
		HadStream:  true,
		CapturedAt: now,
		CycleID:    cycleID,
	}
	for k, st := range states {
		out.Statuses[k] = Entry{
			Status:    st.Status,
			UpdatedAt: st.UpdatedAt,
			Cached:    st.Cached,
			Error:     st.ErrorMessage,
		}
	}
	return out
}

// States converts the snapshot back into store states without payloads.
// Unknown statuses are skipped.
func (s Snapshot) States() map[string]dataset.State {
	out := make(map[string]dataset.State, len(s.Statuses))
	for k, e := range s.Statuses {
		if !e.Status.Valid() {
			continue
		}
		out[k] = dataset.State{
			Status:       e.Status,
			Cached:       e.Cached,
			ErrorMessage: e.Error,
			UpdatedAt:    e.UpdatedAt,
		}
	}
	return out
}

// Loading lists the datasets that were still loading, in key order.
func (s Snapshot) Loading() []string {
	var keys []string
	for k, e := range s.Statuses {
		if e.Status == dataset.StatusLoading {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Persister reads and writes the snapshot slot of one user session.
type Persister struct {
	store  kv.Store
	key    string
	maxAge time.Duration
	clock  quartz.Clock
	logger zerolog.Logger
}

// New creates a Persister for sessionID.
func New(store kv.Store, sessionID string, maxAge time.Duration, clock quartz.Clock) *Persister {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Persister{
		store:  store,
		key:    keyPrefix + sessionID,
		maxAge: maxAge,
		clock:  clock,
		logger: logging.WithComponent("snapshot"),
	}
}

// Key returns the slot key.
func (p *Persister) Key() string {
	return p.key
}

// Save writes an in-progress snapshot of states.
func (p *Persister) Save(ctx context.Context, states map[string]dataset.State, cycleID string) {
	snap := Capture(states, cycleID, p.clock.Now())
	raw, err := json.Marshal(snap)
	if err == nil {
		err = p.store.Set(ctx, p.key, raw)
	}
	metrics.RecordSnapshotOp("save", err)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", p.key).Msg("failed to persist session snapshot")
	}
}

// Clear deletes the slot.
func (p *Persister) Clear(ctx context.Context) {
	err := p.store.Delete(ctx, p.key)
	metrics.RecordSnapshotOp("delete", err)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", p.key).Msg("failed to delete session snapshot")
	}
}

// Load reads the slot once and judges it. A discarded snapshot is deleted
// before returning; an unreadable one counts as discarded.
func (p *Persister) Load(ctx context.Context) (*Snapshot, Verdict) {
	raw, err := p.store.Get(ctx, p.key)
	if errors.Is(err, kv.ErrNotFound) {
		metrics.RecordSnapshotOp("load", nil)
		return nil, VerdictNone
	}
	metrics.RecordSnapshotOp("load", err)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", p.key).Msg("failed to read session snapshot")
		return nil, VerdictNone
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.logger.Warn().Err(err).Str("key", p.key).Msg("discarding unreadable session snapshot")
		p.Clear(ctx)
		return nil, VerdictDiscard
	}

	verdict := Evaluate(&snap, p.clock.Now(), p.maxAge)
	p.logger.Info().
		Str("verdict", verdict.String()).
		Bool("complete", snap.IsComplete).
		Time("captured_at", snap.CapturedAt).
		Int("datasets", len(snap.Statuses)).
		Msg("session snapshot loaded")

	if verdict == VerdictDiscard {
		p.Clear(ctx)
	}
	return &snap, verdict
}
