// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

/*
Package websocket pushes refresh lifecycle updates to connected dashboards.

The package uses gorilla/websocket with a hub-client architecture:

	┌──────────┐        ┌────────┐
	│ event bus│ ─────▶ │  Hub   │ ← Broadcasts to all clients
	└──────────┘ Bridge └───┬────┘
	                        │
	             ┌──────────┼──────────┐
	             │          │          │
	          Client1    Client2    Client3

Each client has two goroutines:
  - readPump: reads requests from the browser (ping, state)
  - writePump: writes hub messages and keeps the connection alive with pings

Message types sent to clients:

  - dataset_ready: a dataset reached ready (dataset, count, cached)
  - dataset_error: a dataset reached error (dataset, error)
  - cycle_started: a refresh cycle was accepted (cycle_id, datasets)
  - cycle_completed: every dataset of the cycle is terminal (reason, progress)
  - progress: completed/total/percentage of the current cycle
  - state: the full refresh state, sent in reply to a "state" request
  - pong: reply to a "ping" request

Usage:

	hub := websocket.NewHub()
	hub.SetStateProvider(func() any { return orch.State() })
	go hub.RunWithContext(ctx)

	bridge := websocket.NewBridge(hub, bus)
	go bridge.Serve(ctx)

	router.Get("/ws", websocket.Handler(hub, cfg.Server.CORSOrigins))
*/
package websocket
