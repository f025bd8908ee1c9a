// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/dashsync/internal/logging"
)

// Handler upgrades requests to WebSocket connections registered with hub.
// allowedOrigins may contain "*".
func Handler(hub *Hub, allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}

		client := NewClient(hub, conn)
		select {
		case hub.Register <- client:
		case <-r.Context().Done():
			_ = conn.Close()
			return
		}
		client.Start()
	}
}

// originChecker rejects requests without an Origin header. Browsers always
// send one on WebSocket handshakes.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			logging.Warn().Msg("WebSocket connection rejected: missing Origin header")
			return false
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected: origin not allowed")
		return false
	}
}
