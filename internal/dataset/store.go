// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package dataset

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/logging"
)

// Store holds the state of every declared dataset.
//
// Transition rules within a cycle:
//   - SetLoading moves any dataset to loading and stamps StartedAt.
//   - SetReady and SetError apply only to a loading dataset. The single
//     exception is idle -> ready for a payload served from cache.
//   - Anything else is a late result and is dropped.
//
// Composite datasets follow their sources: loading when a source starts,
// ready as soon as any source is ready (payload re-merged on every source
// arrival), and error only when no source is loading or ready.
type Store struct {
	// emitMu is held across a mutation and its notifications so observers
	// see changes in the order they were applied.
	emitMu sync.Mutex

	mu         sync.RWMutex
	descs      []Descriptor
	byKey      map[string]Descriptor
	composites map[string][]string
	states     map[string]State

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	logger zerolog.Logger
}

// NewStore creates a Store with every dataset idle.
func NewStore(descs []Descriptor) (*Store, error) {
	if err := validateDescriptors(descs); err != nil {
		return nil, err
	}

	s := &Store{
		descs:      append([]Descriptor(nil), descs...),
		byKey:      make(map[string]Descriptor, len(descs)),
		composites: make(map[string][]string),
		states:     make(map[string]State, len(descs)),
		observers:  make(map[int]Observer),
		logger:     logging.WithComponent("dataset"),
	}
	for _, d := range descs {
		s.byKey[d.Key] = d
		s.states[d.Key] = State{Status: StatusIdle}
		for _, src := range d.Sources {
			s.composites[src] = append(s.composites[src], d.Key)
		}
	}
	return s, nil
}

// Descriptors returns the declared datasets in declaration order.
func (s *Store) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.descs...)
}

// Descriptor returns the descriptor for key.
func (s *Store) Descriptor(key string) (Descriptor, bool) {
	d, ok := s.byKey[key]
	return d, ok
}

// Keys returns every dataset key in declaration order.
func (s *Store) Keys() []string {
	keys := make([]string, len(s.descs))
	for i, d := range s.descs {
		keys[i] = d.Key
	}
	return keys
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store) Subscribe(o Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Get returns a copy of one dataset's state.
func (s *Store) Get(key string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	return st, ok
}

// Snapshot returns a consistent copy of every dataset's state.
func (s *Store) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() map[string]State {
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// SetLoading moves keys to loading and records at as their start time.
// Composites of those keys follow. Unknown keys are ignored.
func (s *Store) SetLoading(keys []string, at time.Time) {
	s.apply(at, func() []Change {
		var changes []Change
		touched := make(map[string]bool)
		for _, key := range keys {
			if _, ok := s.byKey[key]; !ok {
				s.logger.Debug().Str("dataset", key).Msg("ignoring loading for unknown dataset")
				continue
			}
			changes = append(changes, s.setLoadingLocked(key, at))
			touched[key] = true
		}
		for _, key := range keys {
			for _, comp := range s.composites[key] {
				if touched[comp] {
					continue
				}
				touched[comp] = true
				changes = append(changes, s.setLoadingLocked(comp, at))
			}
		}
		return changes
	})
}

func (s *Store) setLoadingLocked(key string, at time.Time) Change {
	prev := s.states[key]
	next := State{
		Status:    StatusLoading,
		Payload:   prev.Payload,
		RowCount:  prev.RowCount,
		StartedAt: timePtr(at),
		UpdatedAt: prev.UpdatedAt,
	}
	s.states[key] = next
	return Change{Key: key, Prev: prev, Next: next, At: at}
}

// RestartTiming re-anchors StartedAt for the given datasets that are still
// loading. It does not notify observers.
func (s *Store) RestartTiming(keys []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		st, ok := s.states[key]
		if !ok || st.Status != StatusLoading {
			continue
		}
		st.StartedAt = timePtr(at)
		s.states[key] = st
	}
}

// SetReady stores a payload for key and reports whether it was applied.
// An empty or null payload is stored as an empty array.
func (s *Store) SetReady(key string, payload json.RawMessage, cached bool, rowCount int, at time.Time) bool {
	applied := false
	s.apply(at, func() []Change {
		if _, ok := s.byKey[key]; !ok {
			return nil
		}
		prev := s.states[key]
		if prev.Status != StatusLoading && (prev.Status != StatusIdle || !cached) {
			s.logger.Debug().Str("dataset", key).Str("status", string(prev.Status)).Msg("dropping late ready result")
			return nil
		}
		applied = true

		if len(payload) == 0 || string(payload) == "null" {
			payload = emptyPayload
		}
		next := State{
			Status:    StatusReady,
			Payload:   payload,
			Cached:    cached,
			RowCount:  rowCount,
			StartedAt: prev.StartedAt,
			UpdatedAt: timePtr(at),
		}
		s.states[key] = next

		changes := []Change{{Key: key, Prev: prev, Next: next, At: at}}
		return append(changes, s.settleCompositesLocked(key, at)...)
	})
	return applied
}

// SetError marks a loading dataset failed and reports whether it was applied.
func (s *Store) SetError(key, message string, at time.Time) bool {
	applied := false
	s.apply(at, func() []Change {
		prev, ok := s.states[key]
		if !ok || prev.Status != StatusLoading {
			s.logger.Debug().Str("dataset", key).Str("status", string(prev.Status)).Msg("dropping late error result")
			return nil
		}
		applied = true

		next := State{
			Status:       StatusError,
			Payload:      prev.Payload,
			RowCount:     prev.RowCount,
			ErrorMessage: message,
			StartedAt:    prev.StartedAt,
			UpdatedAt:    timePtr(at),
		}
		s.states[key] = next

		changes := []Change{{Key: key, Prev: prev, Next: next, At: at}}
		return append(changes, s.settleCompositesLocked(key, at)...)
	})
	return applied
}

// settleCompositesLocked re-derives every composite that depends on source.
func (s *Store) settleCompositesLocked(source string, at time.Time) []Change {
	var changes []Change
	for _, comp := range s.composites[source] {
		desc := s.byKey[comp]
		prev := s.states[comp]

		var ready []json.RawMessage
		loading := false
		allCached := true
		for _, src := range desc.Sources {
			switch st := s.states[src]; st.Status {
			case StatusReady:
				ready = append(ready, st.Payload)
				allCached = allCached && st.Cached
			case StatusLoading:
				loading = true
			}
		}

		// A composite only moves within a cycle it is part of, except for
		// an idle composite whose sources were all served from cache.
		if prev.Status != StatusLoading && prev.Status != StatusReady && !(prev.Status == StatusIdle && allCached && len(ready) > 0) {
			continue
		}

		var next State
		switch {
		case len(ready) > 0:
			merged, rows := MergeRows(ready...)
			next = State{
				Status:    StatusReady,
				Payload:   merged,
				Cached:    allCached,
				RowCount:  rows,
				StartedAt: prev.StartedAt,
				UpdatedAt: timePtr(at),
			}
		case !loading && prev.Status == StatusLoading:
			next = State{
				Status:       StatusError,
				Payload:      prev.Payload,
				RowCount:     prev.RowCount,
				ErrorMessage: "all sources failed",
				StartedAt:    prev.StartedAt,
				UpdatedAt:    timePtr(at),
			}
		default:
			continue
		}
		s.states[comp] = next
		changes = append(changes, Change{Key: comp, Prev: prev, Next: next, At: at})
	}
	return changes
}

// Restore overwrites the given datasets without transition checks. It is
// used to reinstate a persisted session.
func (s *Store) Restore(states map[string]State, at time.Time) {
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.apply(at, func() []Change {
		var changes []Change
		for _, key := range keys {
			if _, ok := s.byKey[key]; !ok {
				continue
			}
			next := states[key]
			if next.Status == StatusReady && len(next.Payload) == 0 {
				next.Payload = emptyPayload
			}
			if next.Status == StatusLoading && next.StartedAt == nil {
				next.StartedAt = timePtr(at)
			}
			prev := s.states[key]
			s.states[key] = next
			changes = append(changes, Change{Key: key, Prev: prev, Next: next, At: at})
		}
		return changes
	})
}

// apply runs mutate under the store lock, then notifies observers of the
// resulting changes before the next mutation can start.
func (s *Store) apply(at time.Time, mutate func() []Change) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	changes := mutate()
	var all map[string]State
	if len(changes) > 0 {
		all = s.copyLocked()
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		return
	}

	s.obsMu.RLock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]Observer, len(ids))
	for i, id := range ids {
		observers[i] = s.observers[id]
	}
	s.obsMu.RUnlock()

	for _, c := range changes {
		c.All = all
		if c.At.IsZero() {
			c.At = at
		}
		for _, o := range observers {
			o(c)
		}
	}
}
