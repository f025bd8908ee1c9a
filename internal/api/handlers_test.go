// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/orchestrator"
	"github.com/tomtom215/dashsync/internal/throttle"
)

func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

type fakeController struct {
	mu          sync.Mutex
	result      orchestrator.Result
	err         error
	subset      []string
	opts        orchestrator.Options
	stopped     *orchestrator.StopOptions
	invalidated []string
	states      map[string]dataset.State
}

func (f *fakeController) StartAll(_ context.Context, opts orchestrator.Options) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	return f.result, f.err
}

func (f *fakeController) StartSubset(_ context.Context, keys []string, opts orchestrator.Options) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subset, f.opts = keys, opts
	return f.result, f.err
}

func (f *fakeController) Stop(_ context.Context, opts orchestrator.StopOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = &opts
}

func (f *fakeController) State() map[string]dataset.State { return f.states }

func (f *fakeController) Progress() dataset.Progress {
	return dataset.ComputeProgress(f.states, []string{"users", "orders"})
}

func (f *fakeController) Complete() bool  { return false }
func (f *fakeController) CycleID() string { return "cyc-42" }

func (f *fakeController) Invalidate(_ context.Context, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append([]string{}, keys...)
}

func (f *fakeController) Throttle() throttle.State {
	return throttle.State{LastGlobalRefreshAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeController) CacheStats() cache.Stats {
	return cache.Stats{Hits: 3, Misses: 1, Writes: 1, Entries: 1}
}

func (f *fakeController) StreamActive() bool { return true }

func newTestServer(t *testing.T, ctrl *fakeController) *httptest.Server {
	t.Helper()
	if ctrl.states == nil {
		ctrl.states = map[string]dataset.State{
			"users":  {Status: dataset.StatusReady, Payload: []byte(`[{"id":1}]`), RowCount: 1},
			"orders": {Status: dataset.StatusLoading},
		}
	}
	descs := []dataset.Descriptor{
		{Key: "users", DisplayName: "Users", Class: dataset.ClassPrimary},
		{Key: "orders", DisplayName: "Orders", Class: dataset.ClassPrimary},
	}
	mwCfg := DefaultChiMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = []string{"https://dash.example.com"}
	router := NewRouter(NewHandler(ctrl, descs), NewChiMiddleware(mwCfg), nil, nil)
	srv := httptest.NewServer(router.SetupChi())
	t.Cleanup(srv.Close)
	return srv
}

type envelope struct {
	Status   string          `json:"status"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
	Error    *APIError       `json:"error"`
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, env
}

func TestRefreshStarted(t *testing.T) {
	ctrl := &fakeController{result: orchestrator.Result{Outcome: throttle.OutcomeStarted, CycleID: "cyc-1"}}
	srv := newTestServer(t, ctrl)

	resp, env := do(t, srv, http.MethodPost, "/api/v1/refresh", `{"bypass_cache":true,"caller":"toolbar","extra":{"region":"eu"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var res orchestrator.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Outcome != throttle.OutcomeStarted || res.CycleID != "cyc-1" || env.Metadata.CycleID != "cyc-1" {
		t.Errorf("response = %+v / %+v", res, env.Metadata)
	}
	if !ctrl.opts.BypassCache || ctrl.opts.Caller != "toolbar" || ctrl.opts.Extra["region"] != "eu" {
		t.Errorf("options passed = %+v", ctrl.opts)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestRefreshWithoutBody(t *testing.T) {
	ctrl := &fakeController{result: orchestrator.Result{Outcome: throttle.OutcomeScheduled}}
	srv := newTestServer(t, ctrl)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/refresh", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestRefreshThrottledIsNotAnError(t *testing.T) {
	ctrl := &fakeController{result: orchestrator.Result{
		Outcome:    throttle.OutcomeThrottled,
		Reason:     throttle.ReasonGlobalCooldown,
		RetryAfter: 1500 * time.Millisecond,
	}}
	srv := newTestServer(t, ctrl)

	resp, env := do(t, srv, http.MethodPost, "/api/v1/refresh", `{}`)
	if resp.StatusCode != http.StatusAccepted || env.Status != "success" {
		t.Fatalf("status = %d/%s, want 202 success", resp.StatusCode, env.Status)
	}
	if got := resp.Header.Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if !strings.Contains(string(env.Data), `"outcome":"throttled"`) {
		t.Errorf("data = %s", env.Data)
	}
}

func TestRefreshSubset(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"valid", `{"datasets":["users","orders"]}`, nil, http.StatusAccepted, ""},
		{"missing datasets", `{}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad key", `{"datasets":["DROP TABLE"]}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed", `{"datasets":`, nil, http.StatusBadRequest, "INVALID_BODY"},
		{"unknown", `{"datasets":["nope"]}`, fmt.Errorf("%w: nope", orchestrator.ErrUnknownDataset), http.StatusBadRequest, "UNKNOWN_DATASET"},
		{"shutting down", `{"datasets":["users"]}`, orchestrator.ErrShutdown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{result: orchestrator.Result{Outcome: throttle.OutcomeStarted}, err: tt.err}
			srv := newTestServer(t, ctrl)

			resp, env := do(t, srv, http.MethodPost, "/api/v1/refresh/subset", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode == "" {
				if len(ctrl.subset) != 2 {
					t.Errorf("subset = %v", ctrl.subset)
				}
				return
			}
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want %s", env.Error, tt.wantCode)
			}
		})
	}
}

func TestStop(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	resp, env := do(t, srv, http.MethodPost, "/api/v1/stop", `{"reset_completion":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ctrl.stopped == nil || !ctrl.stopped.ResetCompletion {
		t.Errorf("Stop called with %+v", ctrl.stopped)
	}
	var view ProgressView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Completed != 1 || view.Total != 2 || view.Percentage != 50 {
		t.Errorf("progress = %+v", view)
	}
}

func TestDatasetsOmitPayload(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	_, env := do(t, srv, http.MethodGet, "/api/v1/datasets", "")
	var views []map[string]any
	if err := json.Unmarshal(env.Data, &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0]["key"] != "users" || views[0]["status"] != "ready" {
		t.Fatalf("views = %v", views)
	}
	if _, ok := views[0]["data"]; ok {
		t.Error("list view should omit payloads")
	}

	_, env = do(t, srv, http.MethodGet, "/api/v1/datasets/users", "")
	if !strings.Contains(string(env.Data), `"data":[{"id":1}]`) {
		t.Errorf("single view = %s, want payload", env.Data)
	}

	resp, env := do(t, srv, http.MethodGet, "/api/v1/datasets/missing", "")
	if resp.StatusCode != http.StatusNotFound || env.Error.Code != "NOT_FOUND" {
		t.Errorf("missing dataset = %d %+v", resp.StatusCode, env.Error)
	}
}

func TestProgress(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	_, env := do(t, srv, http.MethodGet, "/api/v1/progress", "")
	var view ProgressView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if view.CycleID != "cyc-42" || view.LastRefreshAt == nil || view.Total != 2 {
		t.Errorf("progress = %+v", view)
	}
}

func TestInvalidateCache(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl)

	resp, _ := do(t, srv, http.MethodDelete, "/api/v1/cache", `{"datasets":["rates"]}`)
	if resp.StatusCode != http.StatusOK || len(ctrl.invalidated) != 1 || ctrl.invalidated[0] != "rates" {
		t.Errorf("invalidate = %d %v", resp.StatusCode, ctrl.invalidated)
	}

	do(t, srv, http.MethodDelete, "/api/v1/cache", "")
	if len(ctrl.invalidated) != 0 {
		t.Errorf("empty body should clear everything, got %v", ctrl.invalidated)
	}
}

func TestHealthAndUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, env := do(t, srv, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || env.Status != "success" {
		t.Errorf("healthz = %d %s", resp.StatusCode, env.Status)
	}
	var health struct {
		StreamActive bool      `json:"stream_active"`
		Cache        CacheView `json:"cache"`
	}
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if !health.StreamActive || health.Cache.Hits != 3 || health.Cache.Misses != 1 || health.Cache.HitRate != 75 {
		t.Errorf("healthz = %+v", health)
	}
	if resp, env := do(t, srv, http.MethodGet, "/api/v1/nope", ""); resp.StatusCode != http.StatusNotFound || env.Error.Code != "NOT_FOUND" {
		t.Errorf("unknown route = %d %+v", resp.StatusCode, env.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/refresh", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	mwCfg := DefaultChiMiddlewareConfig()
	mwCfg.RateLimitRequests = 2
	router := NewRouter(NewHandler(&fakeController{states: map[string]dataset.State{}}, nil), NewChiMiddleware(mwCfg), nil, nil)
	srv := httptest.NewServer(router.SetupChi())
	defer srv.Close()

	var last *http.Response
	for i := 0; i < 3; i++ {
		last, _ = do(t, srv, http.MethodGet, "/api/v1/progress", "")
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last.StatusCode)
	}
}
