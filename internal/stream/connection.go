// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/cache"
	"github.com/tomtom215/dashsync/internal/config"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

// Error messages written to datasets the server never settled.
const (
	MsgConnectionFailed = "connection failed"
	MsgTimeout          = "timeout"
	MsgNotStarted       = "not started by server"
	MsgNoResult         = "no result from server"
)

// ErrNoDatasets is returned by Start when no keys are requested.
var ErrNoDatasets = errors.New("no datasets requested")

// EndReason says why a stream session ended on its own.
type EndReason string

const (
	EndComplete EndReason = "complete"
	EndFailed   EndReason = "connection_failed"
	EndCeiling  EndReason = "ceiling"
)

// End describes a session that finished without Stop being called.
type End struct {
	Reason EndReason
	Keys   []string
	Err    error
	At     time.Time
}

// Config holds the connection settings.
type Config struct {
	URL              string
	Transport        Transport
	Concurrency      int
	Ceiling          time.Duration
	HandshakeTimeout time.Duration
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration
	MaxReconnects    int
}

// ConfigFromSettings converts the loaded stream configuration.
func ConfigFromSettings(c config.StreamConfig) Config {
	return Config{
		URL:              c.URL,
		Transport:        Transport(c.Transport),
		Concurrency:      c.Concurrency,
		Ceiling:          c.Ceiling,
		HandshakeTimeout: c.HandshakeTimeout,
		ReconnectFloor:   c.ReconnectFloor,
		ReconnectCeiling: c.ReconnectCeiling,
		MaxReconnects:    c.MaxReconnects,
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the transport chosen from the URL.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

// WithClock sets the clock used for the ceiling timer and timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(c *Connection) { c.clock = clock }
}

// WithReconciler writes every delivered payload into the cache.
func WithReconciler(r *cache.Reconciler) Option {
	return func(c *Connection) { c.reconciler = r }
}

// WithEndHandler registers fn to run when a session ends by itself
// (complete, terminal failure or ceiling). It is not called for Stop.
//
// fn runs before the session's remaining datasets are settled, so a store
// observer reacting to the last settlement already knows the reason. It
// must not call Start or Stop.
func WithEndHandler(fn func(End)) Option {
	return func(c *Connection) { c.onEnd = fn }
}

// SetEndHandler replaces the handler registered with WithEndHandler.
func (c *Connection) SetEndHandler(fn func(End)) {
	c.mu.Lock()
	c.onEnd = fn
	c.mu.Unlock()
}

// Connection owns at most one active stream session.
type Connection struct {
	cfg        Config
	base       *url.URL
	store      *dataset.Store
	dialer     Dialer
	clock      quartz.Clock
	reconciler *cache.Reconciler
	onEnd      func(End)
	logger     zerolog.Logger

	// startMu serializes Start and Stop.
	startMu sync.Mutex

	mu     sync.Mutex
	active *session
	nextID uint64
}

// New validates cfg and creates an idle Connection bound to store.
func New(cfg Config, store *dataset.Store, opts ...Option) (*Connection, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("stream url %q must be absolute", cfg.URL)
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 10 * time.Minute
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = time.Second
	}
	if cfg.ReconnectCeiling < cfg.ReconnectFloor {
		cfg.ReconnectCeiling = cfg.ReconnectFloor
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportAuto
	}

	c := &Connection{
		cfg:    cfg,
		base:   base,
		store:  store,
		clock:  quartz.NewReal(),
		logger: logging.WithComponent("stream"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewDialer(cfg.Transport, base.Scheme, cfg.HandshakeTimeout)
	}
	return c, nil
}

// session is one Start call. Store writes made on its behalf happen under
// mu and stop as soon as ended is set.
type session struct {
	id          uint64
	keys        []string
	requested   map[string]bool
	bypassCache bool
	extra       map[string]string
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	items   chan item
	ceiling *quartz.Timer

	mu    sync.Mutex
	acked map[string]bool
	ended bool
}

type item struct {
	event Event
	err   error
}

// Start opens a new session for keys, closing any previous one first.
//
// This method:
//  1. Stops the active session (its datasets keep their current state)
//  2. Moves every requested dataset to loading
//  3. Arms the ceiling timer
//  4. Connects and consumes events in the background
//
// ctx supplies logging fields only; the session outlives it.
func (c *Connection) Start(ctx context.Context, keys []string, bypassCache bool, extra map[string]string) error {
	if len(keys) == 0 {
		return ErrNoDatasets
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.stopActive()

	now := c.clock.Now()
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.nextID++
	sess := &session{
		id:          c.nextID,
		keys:        append([]string(nil), keys...),
		requested:   make(map[string]bool, len(keys)),
		bypassCache: bypassCache,
		extra:       extra,
		startedAt:   now,
		ctx:         sctx,
		cancel:      cancel,
		items:       make(chan item, 64),
	}
	for _, k := range keys {
		sess.requested[k] = true
	}
	c.active = sess
	c.mu.Unlock()

	c.store.SetLoading(sess.keys, now)

	sess.ceiling = c.clock.AfterFunc(c.cfg.Ceiling, func() {
		c.finish(sess, EndCeiling, nil)
	}, "stream", "ceiling")

	logging.Ctx(sctx).Info().
		Str("component", "stream").
		Strs("datasets", sess.keys).
		Bool("bypass_cache", bypassCache).
		Dur("ceiling", c.cfg.Ceiling).
		Msg("stream session started")

	go c.pump(sess)
	go c.consume(sess)
	return nil
}

// Stop closes the active session and cancels its ceiling timer. Datasets
// are left as they are.
func (c *Connection) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopActive()
}

func (c *Connection) stopActive() {
	c.mu.Lock()
	sess := c.active
	c.active = nil
	c.mu.Unlock()

	if sess == nil {
		return
	}
	sess.mu.Lock()
	wasEnded := sess.ended
	sess.ended = true
	sess.mu.Unlock()
	sess.close()
	if !wasEnded {
		c.logger.Info().Uint64("session", sess.id).Msg("stream session stopped")
	}
}

func (s *session) close() {
	s.cancel()
	if s.ceiling != nil {
		s.ceiling.Stop()
	}
}

// Active reports whether a session is open.
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// pump connects, reads events into the session queue and reconnects on
// transient failures. Reconnects only ask for datasets still loading.
func (c *Connection) pump(sess *session) {
	r := retry.New(c.cfg.ReconnectFloor, c.cfg.ReconnectCeiling)
	attempts := 0
	for {
		keys := c.pendingKeys(sess)
		if len(keys) == 0 {
			// Everything settled without a complete event.
			c.enqueue(sess, item{event: Event{Type: EventComplete}})
			return
		}
		target := buildTarget(c.base, keys, sess.bypassCache, c.cfg.Concurrency, sess.extra)

		err := c.readOnce(sess, target)
		if err == nil || sess.ctx.Err() != nil {
			return
		}

		if IsPermanent(err) || attempts >= c.cfg.MaxReconnects {
			c.enqueue(sess, item{err: err})
			return
		}
		attempts++
		metrics.StreamReconnects.Inc()
		c.logger.Warn().
			Err(err).
			Uint64("session", sess.id).
			Int("attempt", attempts).
			Int("max_attempts", c.cfg.MaxReconnects).
			Msg("stream interrupted, reconnecting")

		if !r.Wait(sess.ctx) {
			return
		}
	}
}

// readOnce runs one connection until complete, a transport error or
// session end. It returns nil once complete has been queued.
func (c *Connection) readOnce(sess *session, target *url.URL) error {
	src, err := c.dialer.Dial(sess.ctx, target)
	if err != nil {
		metrics.StreamConnects.WithLabelValues("failure").Inc()
		return err
	}
	metrics.StreamConnects.WithLabelValues("success").Inc()
	stop := context.AfterFunc(sess.ctx, func() { src.Close() })
	defer func() {
		if stop() {
			src.Close()
		}
	}()

	for {
		ev, err := src.Next()
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				c.logger.Warn().Err(err).Uint64("session", sess.id).Msg("skipping malformed stream event")
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream closed before complete: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		metrics.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
		if !c.enqueue(sess, item{event: ev}) {
			return nil
		}
		if ev.Type == EventComplete {
			return nil
		}
	}
}

func (c *Connection) enqueue(sess *session, it item) bool {
	select {
	case sess.items <- it:
		return true
	case <-sess.ctx.Done():
		return false
	}
}

// consume is the only goroutine that applies stream events to the store.
func (c *Connection) consume(sess *session) {
	for {
		select {
		case it := <-sess.items:
			if it.err != nil {
				c.finish(sess, EndFailed, it.err)
				return
			}
			if it.event.Type == EventComplete {
				c.finish(sess, EndComplete, nil)
				return
			}
			c.apply(sess, it.event)
		case <-sess.ctx.Done():
			return
		}
	}
}

func (c *Connection) apply(sess *session, ev Event) {
	now := c.clock.Now()

	// The cache takes every delivered payload, even one that arrives too
	// late for the store.
	if ev.Type == EventDatasetComplete && c.reconciler != nil && sess.requested[ev.Dataset] {
		c.reconciler.Put(sess.ctx, ev.Dataset, ev.Data, ev.Count)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		metrics.LateResultsDropped.Inc()
		c.logger.Debug().Str("type", string(ev.Type)).Str("dataset", ev.Dataset).Msg("dropping event for closed session")
		return
	}

	switch ev.Type {
	case EventInit:
		sess.acked = make(map[string]bool, len(ev.Datasets))
		acked := make([]string, 0, len(ev.Datasets))
		for _, a := range ev.Datasets {
			if !sess.requested[a.Name] {
				c.logger.Debug().Str("dataset", a.Name).Msg("server acknowledged a dataset that was not requested")
				continue
			}
			sess.acked[a.Name] = true
			acked = append(acked, a.Name)
		}
		c.store.RestartTiming(acked, now)
		c.logger.Debug().Uint64("session", sess.id).Strs("datasets", acked).Msg("stream init received")

	case EventDatasetComplete:
		if !sess.requested[ev.Dataset] {
			c.logger.Debug().Str("dataset", ev.Dataset).Msg("ignoring result for unrequested dataset")
			return
		}
		if !c.store.SetReady(ev.Dataset, ev.Data, ev.Cached, ev.Count, now) {
			metrics.LateResultsDropped.Inc()
		}

	case EventDatasetError:
		if !sess.requested[ev.Dataset] {
			c.logger.Debug().Str("dataset", ev.Dataset).Msg("ignoring error for unrequested dataset")
			return
		}
		msg := ev.Error
		if msg == "" {
			msg = "unknown error"
		}
		if !c.store.SetError(ev.Dataset, msg, now) {
			metrics.LateResultsDropped.Inc()
		}

	default:
		c.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown stream event")
	}
}

// finish ends sess once, settling every requested dataset still loading.
func (c *Connection) finish(sess *session, reason EndReason, cause error) {
	now := c.clock.Now()

	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	sess.ended = true
	sess.mu.Unlock()

	c.mu.Lock()
	onEnd := c.onEnd
	c.mu.Unlock()
	if onEnd != nil {
		onEnd(End{Reason: reason, Keys: sess.keys, Err: cause, At: now})
	}

	sess.mu.Lock()
	var unsettled []string
	for _, key := range sess.keys {
		st, ok := c.store.Get(key)
		if !ok || st.Status != dataset.StatusLoading {
			continue
		}
		msg := MsgConnectionFailed
		switch reason {
		case EndCeiling:
			msg = MsgTimeout
		case EndComplete:
			msg = MsgNoResult
			if !sess.acked[key] {
				msg = MsgNotStarted
			}
		}
		if c.store.SetError(key, msg, now) {
			unsettled = append(unsettled, key)
		}
	}
	sess.mu.Unlock()
	sess.close()

	c.mu.Lock()
	if c.active == sess {
		c.active = nil
	}
	c.mu.Unlock()

	ev := c.logger.Info()
	if reason != EndComplete {
		ev = c.logger.Warn().Err(cause)
	}
	ev.Uint64("session", sess.id).
		Str("reason", string(reason)).
		Strs("unsettled", unsettled).
		Dur("duration", now.Sub(sess.startedAt)).
		Msg("stream session ended")
}

func (c *Connection) pendingKeys(sess *session) []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		return nil
	}
	var keys []string
	for _, k := range sess.keys {
		if st, ok := c.store.Get(k); ok && st.Status == dataset.StatusLoading {
			keys = append(keys, k)
		}
	}
	return keys
}
