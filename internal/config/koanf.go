// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/dashsync/config.yaml",
	"/etc/dashsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every default applied.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8484,
			Timeout:           30 * time.Second,
			CORSOrigins:       []string{"*"},
			RateLimitReqs:     60,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
		},
		Stream: StreamConfig{
			URL:              "",
			Transport:        "auto",
			Concurrency:      0,
			Ceiling:          10 * time.Minute,
			HandshakeTimeout: 10 * time.Second,
			ReconnectFloor:   time.Second,
			ReconnectCeiling: 32 * time.Second,
			MaxReconnects:    5,
		},
		Fetch: FetchConfig{
			BaseURL:           "",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			RetryAttempts:     3,
			RetryDelay:        500 * time.Millisecond,
			Concurrency:       4,
		},
		Watchdog: WatchdogConfig{
			Interval:       5 * time.Second,
			DefaultTimeout: 120 * time.Second,
			HeavyTimeout:   600 * time.Second,
		},
		Throttle: ThrottleConfig{
			GlobalCooldown: 60 * time.Second,
			CallerInterval: 30 * time.Second,
			Debounce:       5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Path:    "/data/dashsync",
		},
		Snapshot: SnapshotConfig{
			SessionID: "default",
			MaxAge:    10 * time.Minute,
		},
		Cache: CacheConfig{
			AuxiliaryTTL: 30 * time.Minute,
			Persist:      true,
		},
		Events: EventsConfig{
			Enabled:     true,
			NATSURL:      "",
			TopicPrefix:  "dashsync",
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration with koanf from defaults, an optional YAML file
// and environment variables, in increasing priority, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.applyDatasetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyDatasetDefaults fills the optional descriptor fields.
func (c *Config) applyDatasetDefaults() {
	for i := range c.Datasets {
		d := &c.Datasets[i]
		if d.Class == "" {
			d.Class = "primary"
		}
		if d.DisplayName == "" {
			d.DisplayName = d.Key
		}
	}
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when set from env.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to koanf paths.
// Variables not listed here are ignored.
var envMappings = map[string]string{
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_timeout":        "server.timeout",
	"cors_origins":        "server.cors_origins",
	"rate_limit_requests": "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",

	"stream_url":               "stream.url",
	"stream_transport":         "stream.transport",
	"stream_concurrency":       "stream.concurrency",
	"stream_ceiling":           "stream.ceiling",
	"stream_handshake_timeout": "stream.handshake_timeout",
	"stream_max_reconnects":    "stream.max_reconnects",

	"fetch_base_url":       "fetch.base_url",
	"fetch_timeout":        "fetch.timeout",
	"fetch_rps":            "fetch.requests_per_second",
	"fetch_burst":          "fetch.burst",
	"fetch_retry_attempts": "fetch.retry_attempts",
	"fetch_concurrency":    "fetch.concurrency",

	"watchdog_interval":        "watchdog.interval",
	"watchdog_default_timeout": "watchdog.default_timeout",
	"watchdog_heavy_timeout":   "watchdog.heavy_timeout",

	"throttle_global_cooldown": "throttle.global_cooldown",
	"throttle_caller_interval": "throttle.caller_interval",
	"throttle_debounce":        "throttle.debounce",

	"storage_backend": "storage.backend",
	"storage_path":    "storage.path",

	"session_id":       "snapshot.session_id",
	"snapshot_max_age": "snapshot.max_age",

	"cache_auxiliary_ttl": "cache.auxiliary_ttl",
	"cache_persist":       "cache.persist",

	"events_enabled":      "events.enabled",
	"nats_url":            "events.nats_url",
	"events_topic_prefix": "events.topic_prefix",
	"nats_embedded":       "events.embedded_nats",
	"nats_embedded_host":  "events.embedded_host",
	"nats_embedded_port":  "events.embedded_port",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf paths.
// A DASHSYNC_ prefix is accepted and stripped:
//   - DASHSYNC_STREAM_URL -> stream.url
//   - HTTP_PORT -> server.port
//   - LOG_LEVEL -> logging.level
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), "dashsync_")
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
