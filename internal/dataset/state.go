// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package dataset

import (
	"time"

	"github.com/goccy/go-json"
)

// Status is the lifecycle position of a dataset.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Terminal reports whether the status ends a dataset's cycle.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusLoading, StatusReady, StatusError:
		return true
	}
	return false
}

// State is the mutable record of one dataset. Values handed out by the Store
// are copies; Payload is never modified after it is stored.
type State struct {
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"data,omitempty"`
	Cached       bool            `json:"cached"`
	RowCount     int             `json:"count"`
	ErrorMessage string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	UpdatedAt    *time.Time      `json:"updated_at,omitempty"`
}

// Change describes one applied mutation. All holds every dataset's state
// after the operation that produced the change; it is shared between
// observers and must be treated as read-only.
type Change struct {
	Key  string
	Prev State
	Next State
	At   time.Time
	All  map[string]State
}

// Observer receives every applied change, in mutation order. Observers run
// synchronously and must not mutate the Store.
type Observer func(Change)

// Progress summarizes how many datasets of a cycle have finished.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// ComputeProgress counts the datasets in keys that are ready or error.
func ComputeProgress(states map[string]State, keys []string) Progress {
	p := Progress{Total: len(keys)}
	for _, k := range keys {
		if states[k].Status.Terminal() {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = p.Completed * 100 / p.Total
	}
	return p
}

// emptyPayload is stored for ready datasets that delivered no rows.
var emptyPayload = json.RawMessage("[]")

func timePtr(t time.Time) *time.Time {
	return &t
}
