// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/dashsync/internal/middleware"
	"github.com/tomtom215/dashsync/internal/websocket"
)

// chiMiddleware adapts http.HandlerFunc middleware to chi's r.Use.
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Router wires handlers, middleware and the WebSocket endpoint.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
	hub           *websocket.Hub
	wsOrigins     []string
}

// NewRouter creates a Router. hub may be nil, in which case /ws is not
// served.
func NewRouter(handler *Handler, mw *ChiMiddleware, hub *websocket.Hub, wsOrigins []string) *Router {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	return &Router{handler: handler, chiMiddleware: mw, hub: hub, wsOrigins: wsOrigins}
}

// SetupChi builds the route tree.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	if router.hub != nil {
		r.Get("/ws", websocket.Handler(router.hub, router.wsOrigins))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		r.Post("/refresh", router.handler.Refresh)
		r.Post("/refresh/subset", router.handler.RefreshSubset)
		r.Post("/stop", router.handler.Stop)
		r.Get("/datasets", router.handler.Datasets)
		r.Get("/datasets/{key}", router.handler.Dataset)
		r.Get("/progress", router.handler.Progress)
		r.Delete("/cache", router.handler.InvalidateCache)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return r
}
