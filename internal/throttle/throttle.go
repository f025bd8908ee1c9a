// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package throttle

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

// Outcome is the result of a refresh request. A throttled request is an
// outcome, not an error.
type Outcome string

const (
	// OutcomeStarted means the work ran synchronously (no debounce).
	OutcomeStarted Outcome = "started"
	// OutcomeScheduled means the work will run when the debounce elapses.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeThrottled means a gate rejected the request. Calls that
	// collapse into a pending debounced request are throttled too.
	OutcomeThrottled Outcome = "throttled"
)

type pendingCall struct {
	timer *quartz.Timer
	due   time.Time
	run   func() error
}

// Throttle applies the gates and owns debounce timers.
type Throttle struct {
	mu       sync.Mutex
	state    State
	settings Settings
	clock    quartz.Clock
	pending  map[string]*pendingCall
	logger   zerolog.Logger
}

// New creates a Throttle.
func New(settings Settings, clock quartz.Clock) *Throttle {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Throttle{
		settings: settings,
		clock:    clock,
		pending:  make(map[string]*pendingCall),
		logger:   logging.WithComponent("throttle"),
	}
}

// Request asks to run work on behalf of caller. The error is non-nil only
// when work ran synchronously and failed; scheduled work logs its own error.
func (t *Throttle) Request(caller string, force bool, work func() error) (Outcome, Decision, error) {
	t.mu.Lock()
	now := t.clock.Now()

	var d Decision
	if pc, ok := t.pending[caller]; ok {
		// The accepted request keeps its work; this call collapses into it.
		d = Decision{Reason: ReasonDebounce, RetryAfter: max(pc.due.Sub(now), 0)}
	} else {
		d = Decide(t.state, t.settings, caller, now, force)
	}
	if !d.Allowed {
		t.state.LastCallAt = now
		t.mu.Unlock()
		metrics.ThrottleDecisions.WithLabelValues(string(OutcomeThrottled)).Inc()
		t.logger.Info().
			Str("caller", caller).
			Str("reason", string(d.Reason)).
			Dur("retry_after", d.RetryAfter).
			Msg("refresh throttled")
		return OutcomeThrottled, d, nil
	}

	// Stamp before any work is scheduled so a concurrent caller sees it.
	t.state = Accept(t.state, caller, now)
	metrics.ThrottleDecisions.WithLabelValues("accepted").Inc()

	if t.settings.Debounce <= 0 {
		t.mu.Unlock()
		return OutcomeStarted, d, work()
	}

	pc := &pendingCall{run: work, due: now.Add(t.settings.Debounce)}
	t.pending[caller] = pc
	pc.timer = t.clock.AfterFunc(t.settings.Debounce, func() { t.fire(caller) }, "throttle", "debounce")
	t.mu.Unlock()
	return OutcomeScheduled, d, nil
}

func (t *Throttle) fire(caller string) {
	t.mu.Lock()
	pc, ok := t.pending[caller]
	delete(t.pending, caller)
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := pc.run(); err != nil {
		t.logger.Error().Err(err).Str("caller", caller).Msg("debounced refresh failed")
	}
}

// CancelPending stops every debounce timer without running its work.
func (t *Throttle) CancelPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for caller, pc := range t.pending {
		pc.timer.Stop()
		delete(t.pending, caller)
	}
}

// State returns a copy of the gate state.
func (t *Throttle) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.state
	cp.LastAcceptedAt = make(map[string]time.Time, len(t.state.LastAcceptedAt))
	for k, v := range t.state.LastAcceptedAt {
		cp.LastAcceptedAt[k] = v
	}
	return cp
}
