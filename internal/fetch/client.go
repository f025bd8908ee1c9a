// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package fetch retrieves auxiliary datasets with plain request/response
// calls, outside the stream.
//
// Every call goes through three guards, in order:
//   - a token bucket limiter (x/time/rate) shared by all datasets
//   - a circuit breaker (gobreaker) that stops hammering a failing backend
//   - bounded retries with exponential backoff (coder/retry) for transient
//     failures (network errors, 5xx, 408, 429)
//
// The endpoint answers either {"data": [...], "count": n, "cached": bool}
// or a bare JSON array.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/retry"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/dashsync/internal/config"
	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

// maxBody bounds a single direct-fetch response.
const maxBody = 64 << 20

// ErrNoBaseURL is returned when an auxiliary fetch is attempted without a
// configured base URL.
var ErrNoBaseURL = errors.New("fetch base url not configured")

// ErrMalformedResponse is returned when a 2xx body is not valid JSON.
var ErrMalformedResponse = errors.New("malformed response")

// Result is one fetched dataset.
type Result struct {
	Data   json.RawMessage `json:"data"`
	Count  int             `json:"count"`
	Cached bool            `json:"cached"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Config holds the client settings.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RetryAttempts     int
	RetryDelay        time.Duration
}

// ConfigFromSettings converts the loaded fetch configuration.
func ConfigFromSettings(c config.FetchConfig) Config {
	return Config{
		BaseURL:           c.BaseURL,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		RetryAttempts:     c.RetryAttempts,
		RetryDelay:        c.RetryDelay,
	}
}

// Fetcher retrieves one auxiliary dataset.
type Fetcher interface {
	Fetch(ctx context.Context, desc dataset.Descriptor) (Result, error)
}

// Client is the HTTP Fetcher.
type Client struct {
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[Result]
	name     string
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client. An empty BaseURL is allowed; Fetch then fails with
// ErrNoBaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid fetch base url %q", cfg.BaseURL)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	name := "fetch-api"
	c := &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  newBreaker(name),
		name:     name,
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logging.WithComponent("fetch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch retrieves desc from <base><desc.Path>.
//
// Retries stop early for client errors and when the circuit is open.
func (c *Client) Fetch(ctx context.Context, desc dataset.Descriptor) (Result, error) {
	if c.base == "" {
		return Result{}, ErrNoBaseURL
	}
	target := c.base + "/" + strings.TrimLeft(desc.Path, "/")
	started := time.Now()

	var (
		res     Result
		lastErr error
		attempt int
	)
	for r := retry.New(c.delay, c.delay*8); attempt < c.attempts; {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = fmt.Errorf("rate limiter: %w", err)
			break
		}

		res, lastErr = c.execute(ctx, target)
		if lastErr == nil || ctx.Err() != nil || !retryable(lastErr) || attempt >= c.attempts {
			break
		}
		c.logger.Warn().
			Err(lastErr).
			Str("dataset", desc.Key).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Msg("direct fetch failed, retrying")
		if !r.Wait(ctx) {
			lastErr = ctx.Err()
			break
		}
	}

	metrics.RecordFetch(desc.Key, time.Since(started), lastErr)
	if lastErr != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", desc.Key, lastErr)
	}
	return res, nil
}

func (c *Client) execute(ctx context.Context, target string) (Result, error) {
	res, err := c.breaker.Execute(func() (Result, error) {
		return c.do(ctx, target)
	})
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "success").Inc()
	case isRejected(err):
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(c.name, "failure").Inc()
	}
	return res, err
}

func (c *Client) do(ctx context.Context, target string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return Result{}, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return decodeResult(body)
}

// decodeResult accepts an envelope or a bare array. A missing count is
// derived from the array length.
func decodeResult(body []byte) (Result, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Result{Data: json.RawMessage("[]")}, nil
	}

	if body[0] == '[' {
		var rows []json.RawMessage
		if err := json.Unmarshal(body, &rows); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return Result{Data: json.RawMessage(body), Count: len(rows)}, nil
	}

	var env struct {
		Data   json.RawMessage `json:"data"`
		Count  *int            `json:"count"`
		Cached bool            `json:"cached"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	res := Result{Data: env.Data, Cached: env.Cached}
	if env.Count != nil {
		res.Count = *env.Count
	} else {
		var rows []json.RawMessage
		if json.Unmarshal(env.Data, &rows) == nil {
			res.Count = len(rows)
		}
	}
	return res, nil
}

func retryable(err error) bool {
	if isRejected(err) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
