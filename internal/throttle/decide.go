// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package throttle gates refresh requests.
//
// Three gates apply process-wide:
//   - a global cooldown since the last accepted request (Force bypasses it)
//   - a minimum interval between accepted requests from the same caller
//   - a debounce window: an accepted request runs once the window elapses,
//     and further calls from the same caller collapse into it as throttled
//     calls with ReasonDebounce
//
// Decide and Accept are pure functions over State. Throttle wraps them with a
// lock and the debounce timers.
package throttle

import (
	"time"
)

// Settings holds the gate durations.
type Settings struct {
	GlobalCooldown time.Duration
	CallerInterval time.Duration
	Debounce       time.Duration
}

// DefaultSettings returns the 60s / 30s / 5s gates.
func DefaultSettings() Settings {
	return Settings{
		GlobalCooldown: 60 * time.Second,
		CallerInterval: 30 * time.Second,
		Debounce:       5 * time.Second,
	}
}

// State is the persistent part of the throttle. Pending timers are not
// part of it.
type State struct {
	LastGlobalRefreshAt time.Time
	LastCallAt          time.Time
	LastAcceptedAt      map[string]time.Time
}

// Reason explains a rejection.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonGlobalCooldown Reason = "global_cooldown"
	ReasonCallerInterval Reason = "caller_interval"
	ReasonDebounce       Reason = "debounce"
)

// Decision is the result of Decide.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Decide reports whether caller may refresh at now.
func Decide(s State, cfg Settings, caller string, now time.Time, force bool) Decision {
	if !force && !s.LastGlobalRefreshAt.IsZero() {
		if elapsed := now.Sub(s.LastGlobalRefreshAt); elapsed < cfg.GlobalCooldown {
			return Decision{Reason: ReasonGlobalCooldown, RetryAfter: cfg.GlobalCooldown - elapsed}
		}
	}
	if last, ok := s.LastAcceptedAt[caller]; ok {
		if elapsed := now.Sub(last); elapsed < cfg.CallerInterval {
			return Decision{Reason: ReasonCallerInterval, RetryAfter: cfg.CallerInterval - elapsed}
		}
	}
	return Decision{Allowed: true}
}

// Accept returns s with caller's acceptance at now recorded.
func Accept(s State, caller string, now time.Time) State {
	accepted := make(map[string]time.Time, len(s.LastAcceptedAt)+1)
	for k, v := range s.LastAcceptedAt {
		accepted[k] = v
	}
	accepted[caller] = now
	return State{
		LastGlobalRefreshAt: now,
		LastCallAt:          now,
		LastAcceptedAt:      accepted,
	}
}
