// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

/*
Package middleware provides the HTTP middleware shared by the API router.

  - RequestID: tags each request with an X-Request-ID and puts it, plus a
    fresh correlation ID, into the logging context
  - PrometheusMetrics: records request counts and latency per route pattern

Both are plain http.HandlerFunc wrappers; the router adapts them to chi.
*/
package middleware
