// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

func TestRequestIDGeneratesID(t *testing.T) {
	var fromCtx, correlation string
	handler := RequestID(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = logging.RequestIDFromContext(r.Context())
		correlation = logging.CorrelationIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil))

	header := rec.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(header); err != nil {
		t.Fatalf("X-Request-ID %q is not a UUID: %v", header, err)
	}
	if fromCtx != header {
		t.Errorf("context request id = %q, header = %q", fromCtx, header)
	}
	if correlation == "" {
		t.Error("expected a correlation id in the context")
	}
}

func TestRequestIDKeepsUpstreamID(t *testing.T) {
	handler := RequestID(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "upstream-123" {
		t.Errorf("X-Request-ID = %q, want upstream-123", got)
	}
}

func TestPrometheusMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return PrometheusMetrics(next.ServeHTTP) })
	r.Get("/api/v1/datasets/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/datasets/{key}", "418")
	before := testutil.ToFloat64(counter)

	for _, key := range []string{"users", "orders"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+key, nil))
		if rec.Code != http.StatusTeapot {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("requests recorded under the route pattern = %v, want 2", got)
	}
}

func TestPrometheusMetricsDefaultsToOK(t *testing.T) {
	handler := PrometheusMetrics(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	counter := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/plain", "200")
	before := testutil.ToFloat64(counter)
	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plain", nil))
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("recorded = %v, want 1", got)
	}
}
