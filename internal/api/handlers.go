// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/orchestrator"
	"github.com/tomtom215/dashsync/internal/throttle"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	StartAll(ctx context.Context, opts orchestrator.Options) (orchestrator.Result, error)
	StartSubset(ctx context.Context, keys []string, opts orchestrator.Options) (orchestrator.Result, error)
	Stop(ctx context.Context, opts orchestrator.StopOptions)
	State() map[string]dataset.State
	Progress() dataset.Progress
	Complete() bool
	CycleID() string
	Invalidate(ctx context.Context, keys ...string)
	Throttle() throttle.State
	CacheStats() cache.Stats
	StreamActive() bool
}

// Handler serves the refresh API.
type Handler struct {
	ctrl        Controller
	descriptors []dataset.Descriptor
	startTime   time.Time
}

// NewHandler creates a Handler. descriptors is the configured catalog in
// display order.
func NewHandler(ctrl Controller, descriptors []dataset.Descriptor) *Handler {
	return &Handler{ctrl: ctrl, descriptors: descriptors, startTime: time.Now()}
}

// RefreshRequest is the body of POST /api/v1/refresh.
type RefreshRequest struct {
	BypassCache bool              `json:"bypass_cache"`
	Force       bool              `json:"force"`
	Caller      string            `json:"caller" validate:"omitempty,max=64"`
	Extra       map[string]string `json:"extra" validate:"omitempty,max=32"`
}

func (r RefreshRequest) options() orchestrator.Options {
	return orchestrator.Options{
		BypassCache: r.BypassCache,
		Force:       r.Force,
		Caller:      r.Caller,
		Extra:       r.Extra,
	}
}

// SubsetRequest is the body of POST /api/v1/refresh/subset.
type SubsetRequest struct {
	RefreshRequest
	Datasets []string `json:"datasets" validate:"required,min=1,max=64,dive,datasetkey"`
}

// StopRequest is the body of POST /api/v1/stop.
type StopRequest struct {
	ResetCompletion bool `json:"reset_completion"`
}

// InvalidateRequest is the body of DELETE /api/v1/cache. No datasets
// clears the whole cache.
type InvalidateRequest struct {
	Datasets []string `json:"datasets" validate:"omitempty,max=64,dive,datasetkey"`
}

// DatasetView is one catalog entry with its state. List views omit the
// payload.
type DatasetView struct {
	dataset.Descriptor
	dataset.State
}

// ProgressView is the body of GET /api/v1/progress.
type ProgressView struct {
	dataset.Progress
	Complete      bool       `json:"complete"`
	CycleID       string     `json:"cycle_id,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

// Refresh starts a full refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.ctrl.StartAll(r.Context(), req.options())
	h.respondRefresh(w, r, res, err)
}

// RefreshSubset refreshes the named datasets.
func (h *Handler) RefreshSubset(w http.ResponseWriter, r *http.Request) {
	var req SubsetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.ctrl.StartSubset(r.Context(), req.Datasets, req.options())
	h.respondRefresh(w, r, res, err)
}

func (h *Handler) respondRefresh(w http.ResponseWriter, r *http.Request, res orchestrator.Result, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownDataset):
		respondError(w, http.StatusBadRequest, "UNKNOWN_DATASET", err.Error(), nil)
		return
	case errors.Is(err, orchestrator.ErrShutdown):
		respondError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
		return
	case err != nil:
		// The cycle was accepted; its datasets carry the failure.
		logging.Ctx(r.Context()).Warn().Err(err).Msg("refresh started with errors")
	}

	if res.Outcome == throttle.OutcomeThrottled {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	respondData(w, http.StatusAccepted, res, res.CycleID)
}

// Stop stops the current cycle.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.ctrl.Stop(r.Context(), orchestrator.StopOptions{ResetCompletion: req.ResetCompletion})
	respondData(w, http.StatusOK, h.progress(), h.ctrl.CycleID())
}

// Datasets lists every dataset with its state, without payloads.
func (h *Handler) Datasets(w http.ResponseWriter, r *http.Request) {
	states := h.ctrl.State()
	views := make([]DatasetView, 0, len(h.descriptors))
	for _, d := range h.descriptors {
		st := states[d.Key]
		st.Payload = nil
		views = append(views, DatasetView{Descriptor: d, State: st})
	}
	respondData(w, http.StatusOK, views, h.ctrl.CycleID())
}

// Dataset returns one dataset including its payload.
func (h *Handler) Dataset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	for _, d := range h.descriptors {
		if d.Key != key {
			continue
		}
		respondData(w, http.StatusOK, DatasetView{Descriptor: d, State: h.ctrl.State()[key]}, h.ctrl.CycleID())
		return
	}
	respondError(w, http.StatusNotFound, "NOT_FOUND", "Unknown dataset", nil)
}

// Progress reports the current cycle's progress.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.progress(), h.ctrl.CycleID())
}

func (h *Handler) progress() ProgressView {
	view := ProgressView{
		Progress: h.ctrl.Progress(),
		Complete: h.ctrl.Complete(),
		CycleID:  h.ctrl.CycleID(),
	}
	if last := h.ctrl.Throttle().LastGlobalRefreshAt; !last.IsZero() {
		view.LastRefreshAt = &last
	}
	return view
}

// InvalidateCache drops cached auxiliary datasets.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.ctrl.Invalidate(r.Context(), req.Datasets...)
	keys := append([]string(nil), req.Datasets...)
	sort.Strings(keys)
	respondData(w, http.StatusOK, map[string]any{"invalidated": keys, "all": len(keys) == 0}, "")
}

// CacheView is the cache section of GET /healthz.
type CacheView struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

// Health reports liveness, uptime and cache effectiveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.ctrl.CacheStats()
	respondData(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"cycle_complete": h.ctrl.Complete(),
		"stream_active":  h.ctrl.StreamActive(),
		"cache":          CacheView{Stats: stats, HitRate: stats.HitRate()},
	}, "")
}
