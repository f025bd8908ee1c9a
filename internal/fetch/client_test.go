// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/dashsync/internal/dataset"
)

func aux(key, path string) dataset.Descriptor {
	return dataset.Descriptor{Key: key, Class: dataset.ClassAuxiliary, Path: path}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestFetchResponseShapes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/currencies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"code":"EUR"},{"code":"USD"}],"count":2,"cached":true}`))
	})
	mux.HandleFunc("/api/regions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"eu"},{"id":"us"},{"id":"apac"}]`))
	})
	mux.HandleFunc("/api/holidays", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"day":"2026-12-25"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	tests := []struct {
		desc   dataset.Descriptor
		count  int
		cached bool
	}{
		{aux("currencies", "/api/currencies"), 2, true},
		{aux("regions", "api/regions"), 3, false},
		{aux("holidays", "/api/holidays"), 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.desc.Key, func(t *testing.T) {
			res, err := c.Fetch(context.Background(), tt.desc)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Count != tt.count || res.Cached != tt.cached || len(res.Data) == 0 {
				t.Errorf("Fetch() = %+v, want count=%d cached=%v", res, tt.count, tt.cached)
			}
		})
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[1]`))
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).Fetch(context.Background(), aux("rates", "/rates"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Count != 1 || calls.Load() != 3 {
		t.Errorf("expected success on third attempt, got %+v after %d calls", res, calls.Load())
	}
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Fetch(context.Background(), aux("rates", "/rates"))
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/broken" {
			_, _ = w.Write([]byte(`{not json`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Fetch(context.Background(), aux("missing", "/missing")); err == nil {
		t.Fatal("expected 404 error")
	}
	if _, err := c.Fetch(context.Background(), aux("broken", "/broken")); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestFetchWithoutBaseURL(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Fetch(context.Background(), aux("x", "/x")); !errors.Is(err, ErrNoBaseURL) {
		t.Errorf("expected ErrNoBaseURL, got %v", err)
	}
	if _, err := New(Config{BaseURL: "not a url"}); err == nil {
		t.Error("expected invalid base url error")
	}
}

func TestDecodeResultEmptyBody(t *testing.T) {
	t.Parallel()

	res, err := decodeResult([]byte("  "))
	if err != nil || string(res.Data) != "[]" || res.Count != 0 {
		t.Errorf("decodeResult(empty) = %+v, %v", res, err)
	}
}
