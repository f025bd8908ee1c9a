// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfigYAML = `
stream:
  url: http://aggregator.local:9000/api/stream
  concurrency: 3
fetch:
  base_url: http://aggregator.local:9000
datasets:
  - key: users
    display_name: Users
  - key: orders
  - key: metrics
    heavy: true
  - key: currencies
    class: auxiliary
    path: /api/currencies
  - key: activity
    sources: [users, orders]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Stream.Ceiling != 10*time.Minute {
		t.Errorf("Stream.Ceiling = %v, want 10m", cfg.Stream.Ceiling)
	}
	if cfg.Watchdog.Interval != 5*time.Second {
		t.Errorf("Watchdog.Interval = %v, want 5s", cfg.Watchdog.Interval)
	}
	if cfg.Watchdog.DefaultTimeout != 120*time.Second {
		t.Errorf("Watchdog.DefaultTimeout = %v, want 120s", cfg.Watchdog.DefaultTimeout)
	}
	if cfg.Watchdog.HeavyTimeout != 600*time.Second {
		t.Errorf("Watchdog.HeavyTimeout = %v, want 600s", cfg.Watchdog.HeavyTimeout)
	}
	if cfg.Throttle.GlobalCooldown != 60*time.Second {
		t.Errorf("Throttle.GlobalCooldown = %v, want 60s", cfg.Throttle.GlobalCooldown)
	}
	if cfg.Throttle.CallerInterval != 30*time.Second {
		t.Errorf("Throttle.CallerInterval = %v, want 30s", cfg.Throttle.CallerInterval)
	}
	if cfg.Throttle.Debounce != 5*time.Second {
		t.Errorf("Throttle.Debounce = %v, want 5s", cfg.Throttle.Debounce)
	}
	if cfg.Snapshot.MaxAge != 10*time.Minute {
		t.Errorf("Snapshot.MaxAge = %v, want 10m", cfg.Snapshot.MaxAge)
	}
	if cfg.Cache.AuxiliaryTTL != 30*time.Minute {
		t.Errorf("Cache.AuxiliaryTTL = %v, want 30m", cfg.Cache.AuxiliaryTTL)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"STREAM_URL", "stream.url"},
		{"DASHSYNC_STREAM_URL", "stream.url"},
		{"HTTP_PORT", "server.port"},
		{"LOG_LEVEL", "logging.level"},
		{"NATS_URL", "events.nats_url"},
		{"NATS_EMBEDDED", "events.embedded_nats"},
		{"SESSION_ID", "snapshot.session_id"},
		{"PATH", ""},
		{"HOME", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfig(t, testConfigYAML))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stream.Concurrency != 3 {
		t.Errorf("Stream.Concurrency = %d, want 3", cfg.Stream.Concurrency)
	}
	if len(cfg.Datasets) != 5 {
		t.Fatalf("expected 5 datasets, got %d", len(cfg.Datasets))
	}
	if cfg.Datasets[1].DisplayName != "orders" {
		t.Errorf("DisplayName should default to key, got %q", cfg.Datasets[1].DisplayName)
	}
	if cfg.Datasets[0].Class != "primary" {
		t.Errorf("Class should default to primary, got %q", cfg.Datasets[0].Class)
	}
	if !cfg.Datasets[2].Heavy {
		t.Error("metrics should be heavy")
	}
	if got := cfg.Datasets[4].Sources; len(got) != 2 || got[0] != "users" || got[1] != "orders" {
		t.Errorf("activity sources = %v, want [users orders]", got)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfig(t, testConfigYAML))
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("THROTTLE_GLOBAL_COOLDOWN", "90s")
	t.Setenv("CORS_ORIGINS", "http://a.local, http://b.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Throttle.GlobalCooldown != 90*time.Second {
		t.Errorf("Throttle.GlobalCooldown = %v, want 90s", cfg.Throttle.GlobalCooldown)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.local" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Stream.URL = "http://aggregator.local/api/stream"
		cfg.Datasets = []DatasetConfig{
			{Key: "users", Class: "primary"},
			{Key: "orders", Class: "primary"},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing stream url", func(c *Config) { c.Stream.URL = "" }, "STREAM_URL is required"},
		{"bad scheme", func(c *Config) { c.Stream.URL = "ftp://x" }, "scheme"},
		{"websocket url", func(c *Config) { c.Stream.URL = "wss://aggregator.local/ws" }, ""},
		{"no datasets", func(c *Config) { c.Datasets = nil }, "at least one dataset"},
		{"duplicate key", func(c *Config) { c.Datasets = append(c.Datasets, DatasetConfig{Key: "users", Class: "primary"}) }, "duplicate"},
		{"unknown source", func(c *Config) {
			c.Datasets = append(c.Datasets, DatasetConfig{Key: "activity", Class: "primary", Sources: []string{"nope"}})
		}, "unknown source"},
		{"auxiliary without base url", func(c *Config) {
			c.Datasets = append(c.Datasets, DatasetConfig{Key: "fx", Class: "auxiliary", Path: "/fx"})
		}, "FETCH_BASE_URL"},
		{"bad storage", func(c *Config) { c.Storage.Backend = "redis" }, "STORAGE_BACKEND"},
		{"bad nats url", func(c *Config) { c.Events.NATSURL = "http://nats" }, "NATS_URL"},
		{"embedded nats", func(c *Config) { c.Events.EmbeddedNATS = true }, ""},
		{"embedded nats with url", func(c *Config) {
			c.Events.EmbeddedNATS = true
			c.Events.NATSURL = "nats://nats:4222"
		}, "mutually exclusive"},
		{"embedded nats bad port", func(c *Config) {
			c.Events.EmbeddedNATS = true
			c.Events.EmbeddedPort = 70000
		}, "NATS_EMBEDDED_PORT"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
