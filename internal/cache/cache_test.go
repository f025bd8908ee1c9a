// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/kv"
)

var (
	t0         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	currencies = dataset.Descriptor{Key: "currencies", Class: dataset.ClassAuxiliary}
	users      = dataset.Descriptor{Key: "users", Class: dataset.ClassPrimary}
)

func newMockClock(t *testing.T) *quartz.Mock {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(t0)
	return mClock
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(30*time.Minute, WithClock(newMockClock(t)))
	r.Put(ctx, "currencies", json.RawMessage(`[{"code":"EUR"}]`), 1)
	r.Put(ctx, "users", json.RawMessage(`[{"id":1}]`), 1)

	tests := []struct {
		name  string
		desc  dataset.Descriptor
		age   time.Duration
		force bool
		fetch bool
	}{
		{"auxiliary fresh at 29m", currencies, 29 * time.Minute, false, false},
		{"auxiliary stale at 31m", currencies, 31 * time.Minute, false, true},
		{"auxiliary stale exactly at window", currencies, 30 * time.Minute, false, true},
		{"auxiliary forced", currencies, time.Minute, true, true},
		{"primary never fresh", users, time.Second, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fresh := r.Fresh(ctx, tt.desc, t0.Add(tt.age), tt.force)
			if fresh == tt.fetch {
				t.Errorf("Fresh() = %v, want %v", fresh, !tt.fetch)
			}
		})
	}
}

func TestPutIsUnconditional(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mClock := newMockClock(t)
	r := New(30*time.Minute, WithClock(mClock))

	r.Put(ctx, "currencies", json.RawMessage(`[1]`), 1)
	mClock.Advance(time.Minute)
	r.Put(ctx, "currencies", json.RawMessage(`[1,2]`), 2)

	e, ok := r.Get(ctx, "currencies")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.RowCount != 2 || !e.CapturedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected latest write to win, got %+v", e)
	}
	if s := r.Stats(); s.Writes != 2 || s.Entries != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestBackingStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	mClock := newMockClock(t)

	first := New(30*time.Minute, WithClock(mClock), WithBacking(store))
	first.Put(ctx, "currencies", json.RawMessage(`[{"code":"USD"}]`), 1)

	second := New(30*time.Minute, WithClock(mClock), WithBacking(store))
	e, ok := second.Fresh(ctx, currencies, t0.Add(10*time.Minute), false)
	if !ok {
		t.Fatal("expected persisted entry to be fresh after restart")
	}
	if string(e.Payload) != `[{"code":"USD"}]` {
		t.Errorf("unexpected payload %s", e.Payload)
	}

	second.Invalidate(ctx, "currencies")
	if _, err := store.Get(ctx, "cache:currencies"); err == nil {
		t.Error("Invalidate should delete the persisted entry")
	}
}

func TestClearRemovesEntriesPersistedByEarlierProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	mClock := newMockClock(t)

	first := New(30*time.Minute, WithClock(mClock), WithBacking(store))
	first.Put(ctx, "currencies", json.RawMessage(`[{"code":"USD"}]`), 1)
	first.Put(ctx, "regions", json.RawMessage(`[{"code":"EU"}]`), 1)
	if err := store.Set(ctx, "snapshot:default", []byte(`{}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second := New(30*time.Minute, WithClock(mClock), WithBacking(store))
	second.Clear(ctx)

	if _, ok := second.Fresh(ctx, currencies, t0.Add(time.Minute), false); ok {
		t.Error("cleared entry should not be fresh")
	}
	if store.Len() != 1 {
		t.Errorf("backing store holds %d keys, want only the snapshot", store.Len())
	}
	if _, err := store.Get(ctx, "snapshot:default"); err != nil {
		t.Errorf("Clear must not touch non-cache keys: %v", err)
	}
}

func TestStatsHitRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(30*time.Minute, WithClock(newMockClock(t)))
	r.Put(ctx, "currencies", json.RawMessage(`[]`), 0)

	r.Fresh(ctx, currencies, t0, false)
	r.Fresh(ctx, currencies, t0.Add(time.Hour), false)

	s := r.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate() != 50 {
		t.Errorf("unexpected stats %+v (hit rate %v)", s, s.HitRate())
	}

	r.Clear(ctx)
	if r.Stats().Entries != 0 {
		t.Error("Clear should remove all entries")
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(30*time.Minute, WithClock(newMockClock(t)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Put(ctx, "currencies", json.RawMessage(`[]`), 0)
			r.Fresh(ctx, currencies, t0, false)
		}()
	}
	wg.Wait()

	if s := r.Stats(); s.Writes != 20 {
		t.Errorf("expected 20 writes, got %d", s.Writes)
	}
}
