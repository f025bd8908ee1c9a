// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

/*
Package supervisor runs the long-lived services of dashsync under suture v4.

	RootSupervisor ("dashsync")
	├── SyncSupervisor ("sync-layer")
	│   └── OrchestratorService  (resume on start, persist on stop)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── websocket.Hub
	│   └── websocket.Bridge     (event bus -> hub)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

A crashed service is restarted by its layer without disturbing the others.
Supervisor events are logged through sutureslog on the zerolog-backed slog
logger from the logging package.
*/
package supervisor
