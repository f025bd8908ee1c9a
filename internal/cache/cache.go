// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package cache reconciles freshly delivered dataset payloads into a shared,
// timestamped cache and decides which datasets still need fetching.
//
// Freshness depends on the dataset class:
//   - primary datasets have no freshness window and are always refetched
//   - auxiliary datasets are served from cache for AuxiliaryTTL (30 minutes
//     by default) unless the refresh is forced
//
// Entries are written unconditionally on every successful delivery, including
// deliveries that arrive after their cycle was stopped. They are only removed
// by Invalidate or Clear.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/kv"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

const keyPrefix = "cache:"

// Entry is one cached dataset payload.
type Entry struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	RowCount   int             `json:"count"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

// Stats tracks reconciler efficiency.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	Entries int   `json:"entries"`
}

// HitRate returns hits / (hits + misses) as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Reconciler is the single writer of cache entries.
type Reconciler struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	auxiliaryTTL time.Duration
	backing      kv.Store
	clock        quartz.Clock
	stats        Stats
	logger       zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBacking persists entries to store so they survive restarts.
func WithBacking(store kv.Store) Option {
	return func(r *Reconciler) { r.backing = store }
}

// WithClock overrides the clock used for capture timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// New creates a Reconciler with the given auxiliary freshness window.
func New(auxiliaryTTL time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		entries:      make(map[string]Entry),
		auxiliaryTTL: auxiliaryTTL,
		clock:        quartz.NewReal(),
		logger:       logging.WithComponent("cache"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the freshness window for a descriptor. Zero means the
// dataset is never considered fresh.
func (r *Reconciler) Window(desc dataset.Descriptor) time.Duration {
	if desc.Class == dataset.ClassAuxiliary {
		return r.auxiliaryTTL
	}
	return 0
}

// Fresh returns the cached entry for desc if it is within its freshness
// window at now. A forced refresh never finds anything fresh.
func (r *Reconciler) Fresh(ctx context.Context, desc dataset.Descriptor, now time.Time, force bool) (Entry, bool) {
	window := r.Window(desc)
	if force || window <= 0 {
		r.recordMiss()
		return Entry{}, false
	}
	e, ok := r.Get(ctx, desc.Key)
	if !ok || e.Age(now) >= window {
		r.recordMiss()
		return Entry{}, false
	}
	r.recordHit()
	return e, true
}

// Get returns the entry for key regardless of age, loading it from the
// backing store on first access.
func (r *Reconciler) Get(ctx context.Context, key string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok || r.backing == nil {
		return e, ok
	}

	raw, err := r.backing.Get(ctx, keyPrefix+key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			r.logger.Warn().Err(err).Str("dataset", key).Msg("failed to read cached payload")
		}
		return Entry{}, false
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		r.logger.Warn().Err(err).Str("dataset", key).Msg("discarding unreadable cached payload")
		return Entry{}, false
	}

	r.mu.Lock()
	if existing, ok := r.entries[key]; ok {
		e = existing
	} else {
		r.entries[key] = e
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.CacheEntries.Set(float64(n))
	return e, true
}

// Put records a delivered payload captured now. It is unconditional.
func (r *Reconciler) Put(ctx context.Context, key string, payload json.RawMessage, rowCount int) Entry {
	if len(payload) == 0 {
		payload = json.RawMessage("[]")
	}
	e := Entry{Key: key, Payload: payload, RowCount: rowCount, CapturedAt: r.clock.Now()}

	r.mu.Lock()
	r.entries[key] = e
	r.stats.Writes++
	n := len(r.entries)
	r.mu.Unlock()
	metrics.CacheEntries.Set(float64(n))

	if r.backing != nil {
		raw, err := json.Marshal(e)
		if err == nil {
			err = r.backing.Set(ctx, keyPrefix+key, raw)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("dataset", key).Msg("failed to persist cached payload")
		}
	}
	return e
}

// Invalidate removes the given keys.
func (r *Reconciler) Invalidate(ctx context.Context, keys ...string) {
	r.mu.Lock()
	for _, k := range keys {
		delete(r.entries, k)
	}
	n := len(r.entries)
	r.mu.Unlock()
	metrics.CacheEntries.Set(float64(n))

	if r.backing == nil {
		return
	}
	for _, k := range keys {
		if err := r.backing.Delete(ctx, keyPrefix+k); err != nil {
			r.logger.Warn().Err(err).Str("dataset", k).Msg("failed to delete cached payload")
		}
	}
}

// Clear removes every entry, including entries persisted by an earlier
// process that were never loaded into memory.
func (r *Reconciler) Clear(ctx context.Context) {
	r.mu.RLock()
	seen := make(map[string]bool, len(r.entries))
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		seen[k] = true
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	if r.backing != nil {
		stored, err := r.backing.Keys(ctx, keyPrefix)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to list cached payloads")
		}
		for _, sk := range stored {
			if k := strings.TrimPrefix(sk, keyPrefix); !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	r.Invalidate(ctx, keys...)
}

// Stats returns a copy of the current statistics.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Entries = len(r.entries)
	return s
}

func (r *Reconciler) recordHit() {
	r.mu.Lock()
	r.stats.Hits++
	r.mu.Unlock()
	metrics.CacheHits.Inc()
}

func (r *Reconciler) recordMiss() {
	r.mu.Lock()
	r.stats.Misses++
	r.mu.Unlock()
	metrics.CacheMisses.Inc()
}
