// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

/*
Package services adapts dashsync components to suture's Serve pattern.

  - HTTPServerService: ListenAndServe plus graceful Shutdown
  - OrchestratorService: Resume when started, Shutdown when stopped

The websocket hub and bridge implement suture.Service themselves and are
added to the tree directly.
*/
package services
