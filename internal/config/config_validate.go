// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}
	if err := c.validateTimers(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	if err := c.validateDatasets(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !c.Server.RateLimitDisabled && c.Server.RateLimitReqs < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive when rate limiting is enabled")
	}
	return nil
}

func (c *Config) validateStream() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("STREAM_URL is required")
	}
	u, err := url.Parse(c.Stream.URL)
	if err != nil {
		return fmt.Errorf("STREAM_URL failed to parse: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("STREAM_URL scheme must be http, https, ws or wss, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("STREAM_URL host is required")
	}

	switch c.Stream.Transport {
	case "auto", "sse", "ndjson", "websocket":
	default:
		return fmt.Errorf("STREAM_TRANSPORT must be auto, sse, ndjson or websocket, got: %s", c.Stream.Transport)
	}
	if c.Stream.MaxReconnects < 0 {
		return fmt.Errorf("STREAM_MAX_RECONNECTS must not be negative")
	}
	if c.Stream.Concurrency < 0 {
		return fmt.Errorf("STREAM_CONCURRENCY must not be negative")
	}
	return nil
}

func (c *Config) validateTimers() error {
	positive := map[string]int64{
		"STREAM_CEILING":           int64(c.Stream.Ceiling),
		"WATCHDOG_INTERVAL":        int64(c.Watchdog.Interval),
		"WATCHDOG_DEFAULT_TIMEOUT": int64(c.Watchdog.DefaultTimeout),
		"WATCHDOG_HEAVY_TIMEOUT":   int64(c.Watchdog.HeavyTimeout),
		"SNAPSHOT_MAX_AGE":         int64(c.Snapshot.MaxAge),
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Throttle.GlobalCooldown < 0 || c.Throttle.CallerInterval < 0 || c.Throttle.Debounce < 0 {
		return fmt.Errorf("throttle durations must not be negative")
	}
	if c.Fetch.RequestsPerSecond <= 0 {
		return fmt.Errorf("FETCH_RPS must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("STORAGE_PATH is required when STORAGE_BACKEND=badger")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be badger or memory, got: %s", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Snapshot.SessionID) == "" {
		return fmt.Errorf("SESSION_ID must not be empty")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if !c.Events.Enabled {
		return nil
	}
	if c.Events.EmbeddedNATS {
		if c.Events.NATSURL != "" {
			return fmt.Errorf("NATS_URL and NATS_EMBEDDED are mutually exclusive")
		}
		if c.Events.EmbeddedPort < -1 || c.Events.EmbeddedPort > 65535 {
			return fmt.Errorf("NATS_EMBEDDED_PORT must be between -1 and 65535, got: %d", c.Events.EmbeddedPort)
		}
		return nil
	}
	if c.Events.NATSURL == "" {
		return nil
	}
	u, err := url.Parse(c.Events.NATSURL)
	if err != nil {
		return fmt.Errorf("NATS_URL failed to parse: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("NATS_URL scheme must be nats, tls, ws, or wss, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("NATS_URL host is required")
	}
	return nil
}

func (c *Config) validateDatasets() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset must be declared under datasets")
	}

	seen := make(map[string]bool, len(c.Datasets))
	for _, d := range c.Datasets {
		if d.Key == "" {
			return fmt.Errorf("dataset key must not be empty")
		}
		if seen[d.Key] {
			return fmt.Errorf("duplicate dataset key %q", d.Key)
		}
		seen[d.Key] = true

		switch d.Class {
		case "primary", "auxiliary":
		default:
			return fmt.Errorf("dataset %q: class must be primary or auxiliary, got: %s", d.Key, d.Class)
		}
		if d.Class == "auxiliary" && d.Path == "" {
			return fmt.Errorf("dataset %q: auxiliary datasets need a fetch path", d.Key)
		}
		if d.Class == "auxiliary" && c.Fetch.BaseURL == "" {
			return fmt.Errorf("FETCH_BASE_URL is required when auxiliary datasets are declared")
		}
	}

	for _, d := range c.Datasets {
		for _, src := range d.Sources {
			if src == d.Key {
				return fmt.Errorf("dataset %q: a composite cannot list itself as a source", d.Key)
			}
			if !seen[src] {
				return fmt.Errorf("dataset %q: unknown source %q", d.Key, src)
			}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL is invalid: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got: %s", c.Logging.Format)
	}
	return nil
}
