// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package config loads dashsync configuration.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in defaults for every optional setting
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any scalar setting
//
// Dataset descriptors can only be declared in the config file, since they are
// lists of structured records:
//
//	datasets:
//	  - key: users
//	    display_name: Users
//	  - key: metrics
//	    display_name: Metrics
//	    heavy: true
//	  - key: currencies
//	    class: auxiliary
//	    path: /api/currencies
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Stream   StreamConfig    `koanf:"stream"`
	Fetch    FetchConfig     `koanf:"fetch"`
	Watchdog WatchdogConfig  `koanf:"watchdog"`
	Throttle ThrottleConfig  `koanf:"throttle"`
	Storage  StorageConfig   `koanf:"storage"`
	Snapshot SnapshotConfig  `koanf:"snapshot"`
	Cache    CacheConfig     `koanf:"cache"`
	Events   EventsConfig    `koanf:"events"`
	Datasets []DatasetConfig `koanf:"datasets"`
	Logging  LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	Timeout           time.Duration `koanf:"timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StreamConfig describes the aggregation server's streaming endpoint.
type StreamConfig struct {
	// URL is the full endpoint URL. http(s) URLs are read as SSE or NDJSON
	// depending on the response content type; ws(s) URLs use WebSocket frames.
	URL string `koanf:"url"`

	// Transport forces a wire format: auto, sse, ndjson, websocket.
	Transport string `koanf:"transport"`

	// Concurrency is sent to the server as a parallelism hint. 0 omits it.
	Concurrency int `koanf:"concurrency"`

	// Ceiling bounds a whole cycle measured from Start.
	Ceiling time.Duration `koanf:"ceiling"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	ReconnectFloor   time.Duration `koanf:"reconnect_floor"`
	ReconnectCeiling time.Duration `koanf:"reconnect_ceiling"`

	// MaxReconnects is the number of transparent reconnects before a
	// transport failure is treated as terminal.
	MaxReconnects int `koanf:"max_reconnects"`
}

// FetchConfig configures direct request/response fetches of auxiliary datasets.
type FetchConfig struct {
	BaseURL           string        `koanf:"base_url"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	RetryAttempts     int           `koanf:"retry_attempts"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
	Concurrency       int           `koanf:"concurrency"`
}

// WatchdogConfig sets the staleness sweep cadence and per-class timeouts.
type WatchdogConfig struct {
	Interval       time.Duration `koanf:"interval"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
	HeavyTimeout   time.Duration `koanf:"heavy_timeout"`
}

// ThrottleConfig sets the refresh gates.
type ThrottleConfig struct {
	GlobalCooldown time.Duration `koanf:"global_cooldown"`
	CallerInterval time.Duration `koanf:"caller_interval"`
	Debounce       time.Duration `koanf:"debounce"`
}

// StorageConfig selects the key-value persistence backend shared by the
// session snapshot and the durable cache.
type StorageConfig struct {
	Backend string `koanf:"backend"` // badger or memory
	Path    string `koanf:"path"`
}

// SnapshotConfig controls session snapshot resumption.
type SnapshotConfig struct {
	SessionID string        `koanf:"session_id"`
	MaxAge    time.Duration `koanf:"max_age"`
}

// CacheConfig controls the cache reconciler.
type CacheConfig struct {
	AuxiliaryTTL time.Duration `koanf:"auxiliary_ttl"`
	Persist      bool          `koanf:"persist"`
}

// EventsConfig configures the lifecycle event bus. An empty NATSURL keeps the
// bus in-process unless EmbeddedNATS is set, in which case a NATS server is
// started inside the process and the bus connects to it.
type EventsConfig struct {
	Enabled      bool   `koanf:"enabled"`
	NATSURL      string `koanf:"nats_url"`
	TopicPrefix  string `koanf:"topic_prefix"`
	EmbeddedNATS bool   `koanf:"embedded_nats"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`
}

// DatasetConfig declares one dataset descriptor.
type DatasetConfig struct {
	Key         string   `koanf:"key"`
	DisplayName string   `koanf:"display_name"`
	Heavy       bool     `koanf:"heavy"`
	Class       string   `koanf:"class"` // primary (default) or auxiliary
	Sources     []string `koanf:"sources"`
	Path        string   `koanf:"path"`
}

// LoggingConfig holds zerolog settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
