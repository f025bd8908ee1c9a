// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/dataset"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var scenarioKeys = []string{"users", "orders", "metrics"}

func newTestStore(t *testing.T) *dataset.Store {
	t.Helper()
	s, err := dataset.NewStore([]dataset.Descriptor{
		{Key: "users", Class: dataset.ClassPrimary},
		{Key: "orders", Class: dataset.ClassPrimary},
		{Key: "metrics", Class: dataset.ClassPrimary, Heavy: true},
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func testConfig(rawURL string) Config {
	return Config{
		URL:              rawURL,
		Ceiling:          10 * time.Minute,
		ReconnectFloor:   time.Millisecond,
		ReconnectCeiling: 5 * time.Millisecond,
		MaxReconnects:    2,
	}
}

func endChannel() (chan End, Option) {
	ch := make(chan End, 4)
	return ch, WithEndHandler(func(e End) { ch <- e })
}

// waitEnd returns the end report once the session's datasets are settled.
// The handler fires before settlement; the connection goes inactive after.
func waitEnd(t *testing.T, conn *Connection, ch <-chan End) End {
	t.Helper()
	select {
	case e := <-ch:
		eventually(t, func() bool { return !conn.Active() }, "session never went inactive")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stream session to end")
		return End{}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func scenarioEvents() []string {
	users := make([]map[string]int, 10)
	for i := range users {
		users[i] = map[string]int{"id": i + 1}
	}
	rows, _ := json.Marshal(users)
	return []string{
		`{"type":"init","datasets":[{"name":"users","status":"loading"},{"name":"orders","status":"loading"},{"name":"metrics","status":"loading"}]}`,
		fmt.Sprintf(`{"type":"dataset-complete","dataset":"users","data":%s,"cached":false,"count":10}`, rows),
		`{"type":"dataset-error","dataset":"orders","error":"db timeout"}`,
		`{"type":"dataset-complete","dataset":"metrics","data":[],"cached":true,"count":0}`,
		`{"type":"complete"}`,
	}
}

func assertScenarioOutcome(t *testing.T, store *dataset.Store) {
	t.Helper()

	users, _ := store.Get("users")
	if users.Status != dataset.StatusReady || users.RowCount != 10 || users.Cached {
		t.Errorf("users = %+v, want ready with 10 rows", users)
	}
	orders, _ := store.Get("orders")
	if orders.Status != dataset.StatusError || orders.ErrorMessage != "db timeout" {
		t.Errorf("orders = %+v, want error(db timeout)", orders)
	}
	metrics, _ := store.Get("metrics")
	if metrics.Status != dataset.StatusReady || metrics.RowCount != 0 || !metrics.Cached {
		t.Errorf("metrics = %+v, want ready, cached, 0 rows", metrics)
	}

	p := dataset.ComputeProgress(store.Snapshot(), scenarioKeys)
	if p.Completed != 3 || p.Total != 3 || p.Percentage != 100 {
		t.Errorf("progress = %+v, want {3 3 100}", p)
	}
}

func TestConnectionSSEScenario(t *testing.T) {
	t.Parallel()

	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range scenarioEvents() {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	mClock := quartz.NewMock(t)
	mClock.Set(t0)
	reconciler := cache.New(30*time.Minute, cache.WithClock(mClock))
	ends, onEnd := endChannel()

	cfg := testConfig(srv.URL + "/api/stream")
	cfg.Concurrency = 2
	conn, err := New(cfg, store, WithClock(mClock), WithReconciler(reconciler), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := conn.Start(context.Background(), scenarioKeys, true, map[string]string{"region": "eu"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	end := waitEnd(t, conn, ends)
	if end.Reason != EndComplete {
		t.Fatalf("end reason = %s, want complete (err %v)", end.Reason, end.Err)
	}
	assertScenarioOutcome(t, store)

	q := <-queries
	if q.Get("datasets") != "users,orders,metrics" || q.Get("bypassCache") != "true" ||
		q.Get("concurrency") != "2" || q.Get("region") != "eu" {
		t.Errorf("unexpected request query %v", q)
	}

	if conn.Active() {
		t.Error("connection should be inactive after complete")
	}
	if e, ok := reconciler.Get(context.Background(), "users"); !ok || e.RowCount != 10 {
		t.Errorf("delivered payload should be cached, got %+v", e)
	}
}

func TestConnectionNDJSONInitMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"init","datasets":[{"name":"users","status":"loading"},{"name":"orders","status":"loading"},{"name":"bogus","status":"loading"}]}`)
		fmt.Fprintln(w, `{"type":"dataset-complete","dataset":"users","data":[{"id":1}],"count":1}`)
		fmt.Fprintln(w, `{"type":"complete"}`)
	}))
	defer srv.Close()

	store := newTestStore(t)
	ends, onEnd := endChannel()
	conn, err := New(testConfig(srv.URL), store, WithClock(quartz.NewMock(t)), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitEnd(t, conn, ends)

	tests := map[string]struct {
		status dataset.Status
		msg    string
	}{
		"users":   {dataset.StatusReady, ""},
		"orders":  {dataset.StatusError, MsgNoResult},
		"metrics": {dataset.StatusError, MsgNotStarted},
	}
	for key, want := range tests {
		st, _ := store.Get(key)
		if st.Status != want.status || st.ErrorMessage != want.msg {
			t.Errorf("%s = %s(%q), want %s(%q)", key, st.Status, st.ErrorMessage, want.status, want.msg)
		}
	}
}

func TestConnectionWebSocket(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("datasets") == "" {
			http.Error(w, "missing datasets", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, ev := range scenarioEvents() {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
		// Hold the socket until the client hangs up.
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	store := newTestStore(t)
	ends, onEnd := endChannel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := New(testConfig(wsURL), store, WithClock(quartz.NewMock(t)), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if end := waitEnd(t, conn, ends); end.Reason != EndComplete {
		t.Fatalf("end reason = %s, want complete (err %v)", end.Reason, end.Err)
	}
	assertScenarioOutcome(t, store)
}

func TestConnectionPermanentFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "no such stream", http.StatusNotFound)
	}))
	defer srv.Close()

	store := newTestStore(t)
	ends, onEnd := endChannel()
	conn, err := New(testConfig(srv.URL), store, WithClock(quartz.NewMock(t)), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	end := waitEnd(t, conn, ends)
	var se *StatusError
	if end.Reason != EndFailed || !errors.As(end.Err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("unexpected end %+v", end)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("permanent failures must not be retried, got %d requests", n)
	}
	for _, key := range scenarioKeys {
		if st, _ := store.Get(key); st.Status != dataset.StatusError || st.ErrorMessage != MsgConnectionFailed {
			t.Errorf("%s = %+v, want error(connection failed)", key, st)
		}
	}
}

func TestConnectionReconnectsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range scenarioEvents() {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	ends, onEnd := endChannel()
	conn, err := New(testConfig(srv.URL), store, WithClock(quartz.NewMock(t)), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if end := waitEnd(t, conn, ends); end.Reason != EndComplete {
		t.Fatalf("end reason = %s, want complete (err %v)", end.Reason, end.Err)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected one reconnect, got %d requests", n)
	}
	assertScenarioOutcome(t, store)
}

func TestConnectionReconnectBudget(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newTestStore(t)
	ends, onEnd := endChannel()
	conn, err := New(testConfig(srv.URL), store, WithClock(quartz.NewMock(t)), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if end := waitEnd(t, conn, ends); end.Reason != EndFailed {
		t.Fatalf("end reason = %s, want connection_failed", end.Reason)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("expected 1 attempt + 2 reconnects, got %d requests", n)
	}
}

// fakeDialer hands out sources that the test feeds directly.
type fakeDialer struct {
	mu      sync.Mutex
	targets []*url.URL
	dialed  chan *fakeSource
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSource, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, target *url.URL) (Source, error) {
	src := &fakeSource{events: make(chan Event, 8), done: make(chan struct{})}
	d.mu.Lock()
	d.targets = append(d.targets, target)
	d.mu.Unlock()
	d.dialed <- src
	return src, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeSource {
	t.Helper()
	select {
	case src := <-d.dialed:
		return src
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

type fakeSource struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *fakeSource) Next() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return Event{}, errors.New("source closed")
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestConnectionCeiling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(t0)
	store := newTestStore(t)
	dialer := newFakeDialer()
	ends, onEnd := endChannel()

	conn, err := New(testConfig("http://stream.test/events"), store, WithClock(mClock), WithDialer(dialer), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(ctx, scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src := dialer.next(t)
	src.events <- Event{Type: EventDatasetComplete, Dataset: "users", Data: json.RawMessage(`[]`)}
	eventually(t, func() bool {
		st, _ := store.Get("users")
		return st.Status == dataset.StatusReady
	}, "users never became ready")

	mClock.Advance(10 * time.Minute).MustWait(ctx)

	if end := waitEnd(t, conn, ends); end.Reason != EndCeiling {
		t.Fatalf("end reason = %s, want ceiling", end.Reason)
	}
	for _, key := range []string{"orders", "metrics"} {
		if st, _ := store.Get(key); st.Status != dataset.StatusError || st.ErrorMessage != MsgTimeout {
			t.Errorf("%s = %+v, want error(timeout)", key, st)
		}
	}
	if st, _ := store.Get("users"); st.Status != dataset.StatusReady {
		t.Errorf("settled datasets must keep their result, got %s", st.Status)
	}
	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Error("ceiling should close the connection")
	}
	if conn.Active() {
		t.Error("ceiling should end the session")
	}
}

func TestConnectionInitResetsTiming(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mClock := quartz.NewMock(t)
	mClock.Set(t0)
	store := newTestStore(t)
	dialer := newFakeDialer()

	conn, err := New(testConfig("http://stream.test/events"), store, WithClock(mClock), WithDialer(dialer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer conn.Stop()

	if err := conn.Start(ctx, []string{"users"}, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src := dialer.next(t)

	mClock.Advance(30 * time.Second).MustWait(ctx)
	src.events <- Event{Type: EventInit, Datasets: []Ack{{Name: "users", Status: "loading"}}}

	want := t0.Add(30 * time.Second)
	eventually(t, func() bool {
		st, _ := store.Get("users")
		return st.StartedAt != nil && st.StartedAt.Equal(want)
	}, "init should re-anchor StartedAt")
}

func TestConnectionStopDropsLateEvents(t *testing.T) {
	t.Parallel()

	mClock := quartz.NewMock(t)
	mClock.Set(t0)
	store := newTestStore(t)
	dialer := newFakeDialer()
	reconciler := cache.New(30*time.Minute, cache.WithClock(mClock))
	ends, onEnd := endChannel()

	conn, err := New(testConfig("http://stream.test/events"), store,
		WithClock(mClock), WithDialer(dialer), WithReconciler(reconciler), onEnd)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), scenarioKeys, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src := dialer.next(t)

	conn.mu.Lock()
	sess := conn.active
	conn.mu.Unlock()

	conn.Stop()
	if conn.Active() {
		t.Fatal("Stop should close the session")
	}
	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop should close the connection")
	}

	conn.apply(sess, Event{Type: EventDatasetComplete, Dataset: "users", Data: json.RawMessage(`[{"id":1}]`), Count: 1})
	if st, _ := store.Get("users"); st.Status != dataset.StatusLoading {
		t.Errorf("late event must not reach the store, got %s", st.Status)
	}
	if _, ok := reconciler.Get(context.Background(), "users"); !ok {
		t.Error("late payload should still update the cache")
	}

	// A second Stop is a no-op.
	conn.Stop()
	select {
	case e := <-ends:
		t.Errorf("Stop must not report a session end, got %+v", e)
	default:
	}
}

func TestConnectionRestartClosesPrevious(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	dialer := newFakeDialer()
	conn, err := New(testConfig("http://stream.test/events"), store, WithClock(quartz.NewMock(t)), WithDialer(dialer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer conn.Stop()

	if err := conn.Start(context.Background(), []string{"users"}, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := dialer.next(t)

	if err := conn.Start(context.Background(), []string{"orders"}, false, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second := dialer.next(t)

	select {
	case <-first.done:
	case <-time.After(5 * time.Second):
		t.Fatal("starting again should close the previous connection")
	}
	select {
	case <-second.done:
		t.Fatal("the new connection must stay open")
	default:
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if got := dialer.targets[1].Query().Get("datasets"); got != "orders" {
		t.Errorf("second request datasets = %q, want orders", got)
	}
}

func TestStartRequiresDatasets(t *testing.T) {
	t.Parallel()

	conn, err := New(testConfig("http://stream.test/events"), newTestStore(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := conn.Start(context.Background(), nil, false, nil); !errors.Is(err, ErrNoDatasets) {
		t.Errorf("expected ErrNoDatasets, got %v", err)
	}
	if _, err := New(testConfig("/relative"), newTestStore(t)); err == nil {
		t.Error("relative stream url should be rejected")
	}
}
