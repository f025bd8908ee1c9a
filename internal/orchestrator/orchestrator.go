// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package orchestrator drives refresh cycles.
//
// A refresh request flows through:
//  1. the refresh throttle (global cooldown, per-caller interval, debounce)
//  2. the cache freshness filter (fresh auxiliary datasets are served from
//     cache instead of being fetched)
//  3. the stream connection for streamed datasets, concurrently with direct
//     fetches for auxiliary datasets (errgroup, bounded)
//  4. the staleness watchdog, which runs while the cycle is active
//
// A store observer follows the cycle: it persists the session snapshot while
// a stream is active, records metrics, publishes lifecycle events and
// detects the end of the cycle (every dataset of the cycle terminal). Cycle
// end work runs on its own goroutine because observers must not call back
// into the store or the stream connection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/events"
	"github.com/tomtom215/dashsync/internal/fetch"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
	"github.com/tomtom215/dashsync/internal/snapshot"
	"github.com/tomtom215/dashsync/internal/stream"
	"github.com/tomtom215/dashsync/internal/throttle"
	"github.com/tomtom215/dashsync/internal/watchdog"
)

// DefaultCaller is used when a request does not name its caller.
const DefaultCaller = "default"

// ErrUnknownDataset is returned by StartSubset for keys that were never
// declared.
var ErrUnknownDataset = errors.New("unknown dataset")

// ErrShutdown is returned after Shutdown.
var ErrShutdown = errors.New("orchestrator shut down")

// Streamer is the stream connection as seen by the orchestrator.
type Streamer interface {
	Start(ctx context.Context, keys []string, bypassCache bool, extra map[string]string) error
	Stop()
	Active() bool
}

// EndNotifier is implemented by streams that report why a session ended
// on its own. *stream.Connection implements it.
type EndNotifier interface {
	SetEndHandler(fn func(stream.End))
}

// Broadcaster pushes messages to connected dashboards.
type Broadcaster interface {
	BroadcastJSON(messageType string, data interface{})
}

// Options qualify a refresh request.
type Options struct {
	// BypassCache asks the server to recompute and skips the auxiliary
	// freshness window.
	BypassCache bool `json:"bypass_cache"`
	// Force skips the global cooldown. Per-caller spacing still applies.
	Force bool `json:"force"`
	// Caller identifies the UI entry point for per-caller throttling.
	Caller string `json:"caller,omitempty"`
	// Extra is passed through to the stream endpoint.
	Extra map[string]string `json:"extra,omitempty"`
}

// StopOptions qualify Stop.
type StopOptions struct {
	// ResetCompletion marks the cycle complete. Leave it false when
	// stopping mid-cycle so the session snapshot survives for resumption.
	ResetCompletion bool `json:"reset_completion"`
}

// Result describes what happened to a refresh request.
type Result struct {
	Outcome    throttle.Outcome `json:"outcome"`
	Reason     throttle.Reason  `json:"reason,omitempty"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
	// CycleID is set when the cycle started synchronously.
	CycleID string `json:"cycle_id,omitempty"`
}

// Deps are the collaborators of an Orchestrator. Store, Stream, Cache,
// Throttle and Watchdog are required.
type Deps struct {
	Store     *dataset.Store
	Stream    Streamer
	Fetcher   fetch.Fetcher
	Cache     *cache.Reconciler
	Throttle  *throttle.Throttle
	Watchdog  *watchdog.Watchdog
	Snapshots *snapshot.Persister
	Events    events.Publisher
	Hub       Broadcaster
	Clock     quartz.Clock

	// FetchConcurrency bounds concurrent direct fetches. Zero means 4.
	FetchConcurrency int
}

// Orchestrator coordinates refresh cycles over one dataset store.
type Orchestrator struct {
	store     *dataset.Store
	stream    Streamer
	fetcher   fetch.Fetcher
	cache     *cache.Reconciler
	throttle  *throttle.Throttle
	watchdog  *watchdog.Watchdog
	snapshots *snapshot.Persister
	bus       events.Publisher
	hub       Broadcaster
	clock     quartz.Clock
	fetchMax  int
	logger    zerolog.Logger

	// opMu serializes cycle lifecycle operations. Store observers never
	// take it.
	opMu sync.Mutex

	// mu guards the fields below and is only held for field access, never
	// across store or stream calls.
	mu       sync.Mutex
	cycle    *cycle
	complete bool
	closed   bool

	// bg outlives request contexts; direct fetches run under it so Stop
	// does not cancel them. Shutdown cancels it.
	bg       context.Context
	bgCancel context.CancelFunc
	fetches  sync.WaitGroup

	unsubscribe func()
}

// New wires an Orchestrator and subscribes it to the store.
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil || d.Stream == nil || d.Cache == nil || d.Throttle == nil || d.Watchdog == nil {
		return nil, errors.New("orchestrator: store, stream, cache, throttle and watchdog are required")
	}
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if d.Events == nil {
		d.Events = events.Discard{}
	}
	if d.FetchConcurrency <= 0 {
		d.FetchConcurrency = 4
	}

	bg, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:     d.Store,
		stream:    d.Stream,
		fetcher:   d.Fetcher,
		cache:     d.Cache,
		throttle:  d.Throttle,
		watchdog:  d.Watchdog,
		snapshots: d.Snapshots,
		bus:       d.Events,
		hub:       d.Hub,
		clock:     d.Clock,
		fetchMax:  d.FetchConcurrency,
		logger:    logging.WithComponent("orchestrator"),
		bg:        bg,
		bgCancel:  cancel,
	}
	o.unsubscribe = o.store.Subscribe(o.observe)
	if n, ok := d.Stream.(EndNotifier); ok {
		n.SetEndHandler(o.streamEnded)
	}
	return o, nil
}

// StartAll refreshes every declared dataset.
func (o *Orchestrator) StartAll(ctx context.Context, opts Options) (Result, error) {
	return o.request(ctx, "all", o.store.Keys(), opts)
}

// StartSubset refreshes the named datasets. Composite keys pull in their
// sources.
func (o *Orchestrator) StartSubset(ctx context.Context, keys []string, opts Options) (Result, error) {
	if len(keys) == 0 {
		return Result{}, fmt.Errorf("%w: empty subset", ErrUnknownDataset)
	}
	for _, k := range keys {
		if _, ok := o.store.Descriptor(k); !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownDataset, k)
		}
	}
	return o.request(ctx, "subset", keys, opts)
}

func (o *Orchestrator) request(ctx context.Context, kind string, keys []string, opts Options) (Result, error) {
	if o.isClosed() {
		return Result{}, ErrShutdown
	}
	caller := opts.Caller
	if caller == "" {
		caller = DefaultCaller
	}

	// Debounced work runs after the request returns.
	ctx = context.WithoutCancel(ctx)
	var cycleID string
	work := func() error {
		id, err := o.begin(ctx, kind, keys, opts)
		cycleID = id
		return err
	}

	outcome, decision, err := o.throttle.Request(caller, opts.Force, work)
	res := Result{Outcome: outcome, Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	if outcome == throttle.OutcomeStarted {
		res.CycleID = cycleID
	}
	return res, err
}

// plan splits a request into what each path has to do.
type plan struct {
	keys      []string // every dataset the cycle reports on
	streamed  []string
	fetched   []dataset.Descriptor
	fromCache map[string]cache.Entry
}

func (o *Orchestrator) plan(ctx context.Context, keys []string, opts Options, now time.Time) plan {
	p := plan{fromCache: make(map[string]cache.Entry)}
	seen := make(map[string]bool)

	var visit func(key string)
	visit = func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		desc, ok := o.store.Descriptor(key)
		if !ok {
			return
		}
		p.keys = append(p.keys, key)
		switch {
		case desc.IsComposite():
			for _, src := range desc.Sources {
				visit(src)
			}
		case desc.Streamed():
			p.streamed = append(p.streamed, key)
		default:
			if entry, fresh := o.cache.Fresh(ctx, desc, now, opts.BypassCache); fresh {
				p.fromCache[key] = entry
				return
			}
			p.fetched = append(p.fetched, desc)
		}
	}
	for _, k := range keys {
		visit(k)
	}
	return p
}

// begin starts a cycle. It runs after the throttle accepted the request,
// possibly on a debounce timer goroutine.
func (o *Orchestrator) begin(ctx context.Context, kind string, keys []string, opts Options) (string, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return "", ErrShutdown
	}

	now := o.clock.Now()
	p := o.plan(ctx, keys, opts, now)
	cyc := newCycle(logging.GenerateCycleID(), kind, p.keys, len(p.streamed) > 0, now)
	ctx = logging.ContextWithCycleID(ctx, cyc.id)

	o.watchdog.Stop()
	o.setCycle(cyc)
	metrics.CyclesStarted.WithLabelValues(kind).Inc()
	metrics.CycleActive.Set(1)

	// Served from cache: re-enter loading first so ready is a valid
	// transition from any status.
	for key, entry := range p.fromCache {
		if st, _ := o.store.Get(key); st.Status == dataset.StatusReady {
			continue
		}
		o.store.SetLoading([]string{key}, now)
		o.store.SetReady(key, entry.Payload, true, entry.RowCount, now)
	}

	if len(p.fetched) > 0 {
		fetchKeys := make([]string, len(p.fetched))
		for i, d := range p.fetched {
			fetchKeys[i] = d.Key
		}
		o.store.SetLoading(fetchKeys, now)
	}

	if len(p.streamed) > 0 {
		if err := o.stream.Start(ctx, p.streamed, opts.BypassCache, opts.Extra); err != nil {
			cyc.recordStreamEnd(stream.EndFailed)
			o.failKeys(p.streamed, err.Error())
			logging.Ctx(ctx).Error().Err(err).Msg("failed to start stream")
		}
	} else {
		o.stream.Stop()
	}

	if len(p.fetched) > 0 {
		o.fetchAll(ctx, p.fetched)
	}

	o.watchdog.Start()

	logging.Ctx(ctx).Info().
		Str("kind", kind).
		Strs("datasets", p.keys).
		Strs("streamed", p.streamed).
		Int("fetched", len(p.fetched)).
		Int("from_cache", len(p.fromCache)).
		Bool("bypass_cache", opts.BypassCache).
		Msg("refresh cycle started")

	o.publish(events.Lifecycle{
		Topic:    events.TopicCycleStarted,
		CycleID:  cyc.id,
		Reason:   kind,
		Datasets: p.keys,
		At:       now,
	})
	o.broadcastProgress()

	// Everything may already be settled (all served from cache).
	o.checkEnd(cyc, o.store.Snapshot())
	return cyc.id, nil
}

// fetchAll runs direct fetches in the background, bounded by fetchMax.
// The fetches are not tied to the request or to Stop; late results still
// reach the cache.
func (o *Orchestrator) fetchAll(ctx context.Context, descs []dataset.Descriptor) {
	cycleID := logging.CycleIDFromContext(ctx)
	fctx := logging.ContextWithCycleID(o.bg, cycleID)

	g, gctx := errgroup.WithContext(fctx)
	g.SetLimit(o.fetchMax)

	o.fetches.Add(1)
	go func() {
		defer o.fetches.Done()
		for _, desc := range descs {
			g.Go(func() error {
				o.fetchOne(gctx, desc)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (o *Orchestrator) fetchOne(ctx context.Context, desc dataset.Descriptor) {
	if o.fetcher == nil {
		o.store.SetError(desc.Key, fetch.ErrNoBaseURL.Error(), o.clock.Now())
		return
	}
	res, err := o.fetcher.Fetch(ctx, desc)
	now := o.clock.Now()
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("dataset", desc.Key).Msg("direct fetch failed")
		if !o.store.SetError(desc.Key, err.Error(), now) {
			metrics.LateResultsDropped.Inc()
		}
		return
	}
	o.cache.Put(ctx, desc.Key, res.Data, res.Count)
	if !o.store.SetReady(desc.Key, res.Data, res.Cached, res.Count, now) {
		metrics.LateResultsDropped.Inc()
	}
}

func (o *Orchestrator) failKeys(keys []string, msg string) {
	now := o.clock.Now()
	for _, k := range keys {
		o.store.SetError(k, msg, now)
	}
}

// State returns every dataset's state.
func (o *Orchestrator) State() map[string]dataset.State {
	return o.store.Snapshot()
}

// Progress reports the current cycle's completion. With no cycle it covers
// every dataset.
func (o *Orchestrator) Progress() dataset.Progress {
	keys := o.store.Keys()
	o.mu.Lock()
	if o.cycle != nil {
		keys = o.cycle.keys
	}
	o.mu.Unlock()
	return dataset.ComputeProgress(o.store.Snapshot(), keys)
}

// Complete reports whether the last cycle finished (or was stopped with
// ResetCompletion).
func (o *Orchestrator) Complete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.complete
}

// CycleID returns the id of the current or last cycle.
func (o *Orchestrator) CycleID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycle == nil {
		return ""
	}
	return o.cycle.id
}

// Invalidate drops cached payloads so the next refresh fetches them. No
// keys means every entry.
func (o *Orchestrator) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		o.cache.Clear(ctx)
		return
	}
	o.cache.Invalidate(ctx, keys...)
}

// Throttle exposes the gate state.
func (o *Orchestrator) Throttle() throttle.State {
	return o.throttle.State()
}

// CacheStats returns the auxiliary cache counters.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// StreamActive reports whether a stream session is open.
func (o *Orchestrator) StreamActive() bool {
	return o.stream.Active()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// setCycle makes c current. A superseded cycle never reports an end.
func (o *Orchestrator) setCycle(c *cycle) {
	o.mu.Lock()
	prev := o.cycle
	o.cycle = c
	o.complete = false
	o.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
}

func (o *Orchestrator) publish(ev events.Lifecycle) {
	if err := o.bus.Publish(o.bg, ev); err != nil {
		o.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("failed to publish lifecycle event")
	}
}
