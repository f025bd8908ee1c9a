// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

/*
Package api exposes the refresh orchestrator over HTTP using the chi router.

Routes:

	POST   /api/v1/refresh         start a full refresh
	POST   /api/v1/refresh/subset  refresh named datasets (composites pull in sources)
	POST   /api/v1/stop            stop the current cycle
	GET    /api/v1/datasets        descriptors and states, without payloads
	GET    /api/v1/datasets/{key}  one dataset including its payload
	GET    /api/v1/progress        progress of the current cycle
	DELETE /api/v1/cache           invalidate cached auxiliary datasets
	GET    /ws                     lifecycle push channel
	GET    /metrics                Prometheus metrics
	GET    /healthz                liveness

Every JSON body uses the APIResponse envelope. A throttled refresh is not an
error: it is answered with 202 and outcome "throttled", plus Retry-After.
*/
package api
