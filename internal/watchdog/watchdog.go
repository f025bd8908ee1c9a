// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package watchdog force-fails datasets that stay loading for too long.
//
// While a refresh cycle is active the watchdog sweeps the store every
// Interval. A loading dataset whose elapsed time since StartedAt has reached
// its class timeout (HeavyTimeout for heavy datasets, DefaultTimeout for the
// rest) is moved to error. The stream connection itself is left alone.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

// Settings holds the sweep cadence and per-class timeouts.
type Settings struct {
	Interval       time.Duration
	DefaultTimeout time.Duration
	HeavyTimeout   time.Duration
}

// DefaultSettings returns a 5s sweep with 120s / 600s timeouts.
func DefaultSettings() Settings {
	return Settings{
		Interval:       5 * time.Second,
		DefaultTimeout: 120 * time.Second,
		HeavyTimeout:   600 * time.Second,
	}
}

// Timeout returns the loading budget for desc.
func (s Settings) Timeout(desc dataset.Descriptor) time.Duration {
	if desc.Heavy {
		return s.HeavyTimeout
	}
	return s.DefaultTimeout
}

// Expiry names a dataset that ran out of time.
type Expiry struct {
	Key     string
	Elapsed time.Duration
	Timeout time.Duration
	Heavy   bool
}

// Expired lists loading datasets whose elapsed time has reached their
// timeout at now, in key order. Composites are skipped; they settle from
// their sources.
func Expired(descs []dataset.Descriptor, states map[string]dataset.State, s Settings, now time.Time) []Expiry {
	var out []Expiry
	for _, d := range descs {
		if d.IsComposite() {
			continue
		}
		st, ok := states[d.Key]
		if !ok || st.Status != dataset.StatusLoading || st.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*st.StartedAt)
		if timeout := s.Timeout(d); elapsed >= timeout {
			out = append(out, Expiry{Key: d.Key, Elapsed: elapsed, Timeout: timeout, Heavy: d.Heavy})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Watchdog runs Sweep on a ticker between Start and Stop.
type Watchdog struct {
	store    *dataset.Store
	settings Settings
	clock    quartz.Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a stopped Watchdog.
func New(store *dataset.Store, settings Settings, clock quartz.Clock) *Watchdog {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Watchdog{
		store:    store,
		settings: settings,
		clock:    clock,
		logger:   logging.WithComponent("watchdog"),
	}
}

// Start begins periodic sweeps. Starting a running watchdog is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.clock.TickerFunc(ctx, w.settings.Interval, func() error {
		w.Sweep()
		return nil
	}, "watchdog", "sweep")
	w.logger.Debug().Dur("interval", w.settings.Interval).Msg("watchdog started")
}

// Stop cancels periodic sweeps.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.logger.Debug().Msg("watchdog stopped")
	}
}

// Running reports whether sweeps are scheduled.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Sweep fails every expired dataset once and returns what it failed.
func (w *Watchdog) Sweep() []Expiry {
	now := w.clock.Now()
	expired := Expired(w.store.Descriptors(), w.store.Snapshot(), w.settings, now)

	failed := expired[:0]
	for _, e := range expired {
		if !w.store.SetError(e.Key, fmt.Sprintf("timeout after %s", e.Timeout), now) {
			continue
		}
		failed = append(failed, e)

		class := "default"
		if e.Heavy {
			class = "heavy"
		}
		metrics.WatchdogTimeouts.WithLabelValues(class).Inc()
		w.logger.Warn().
			Str("dataset", e.Key).
			Dur("elapsed", e.Elapsed).
			Dur("timeout", e.Timeout).
			Msg("dataset timed out while loading")
	}
	return failed
}
