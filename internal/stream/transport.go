// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport selects how the stream endpoint is reached.
type Transport string

const (
	TransportAuto      Transport = "auto"
	TransportSSE       Transport = "sse"
	TransportNDJSON    Transport = "ndjson"
	TransportWebSocket Transport = "websocket"
)

// maxFrameSize bounds a single WebSocket frame. Dataset payloads travel in
// one frame, so this is much larger than the dashboard hub limit.
const maxFrameSize = 64 << 20

// Dialer opens one stream for a fully built request target.
type Dialer interface {
	Dial(ctx context.Context, target *url.URL) (Source, error)
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream endpoint returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("stream endpoint returned HTTP %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help. Client errors are
// permanent except for request timeouts and rate limiting.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent reports whether err should end the cycle without reconnecting.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// NewDialer picks a Dialer for the transport and URL scheme.
//
// With TransportAuto, ws:// and wss:// URLs use WebSocket and everything
// else uses HTTP with the framing taken from the response content type.
func NewDialer(t Transport, scheme string, handshakeTimeout time.Duration) Dialer {
	switch t {
	case TransportWebSocket:
		return &WebSocketDialer{HandshakeTimeout: handshakeTimeout}
	case TransportSSE:
		return &HTTPDialer{Format: FormatSSE, HandshakeTimeout: handshakeTimeout}
	case TransportNDJSON:
		return &HTTPDialer{Format: FormatNDJSON, HandshakeTimeout: handshakeTimeout}
	}
	if scheme == "ws" || scheme == "wss" {
		return &WebSocketDialer{HandshakeTimeout: handshakeTimeout}
	}
	return &HTTPDialer{Format: FormatAuto, HandshakeTimeout: handshakeTimeout}
}

// HTTPDialer reads SSE or NDJSON from a streaming GET response.
type HTTPDialer struct {
	// Client defaults to a client without an overall timeout; the stream
	// is expected to stay open for minutes.
	Client *http.Client

	// Format forces the framing. FormatAuto detects it per response.
	Format Format

	// HandshakeTimeout bounds the wait for response headers.
	HandshakeTimeout time.Duration

	once sync.Once
}

// Dial sends the request and returns a Source over the response body.
func (d *HTTPDialer) Dial(ctx context.Context, target *url.URL) (Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	format := d.Format
	if format == FormatAuto {
		format = DetectFormat(resp.Header.Get("Content-Type"))
	}
	return NewReader(resp.Body, format), nil
}

func (d *HTTPDialer) client() *http.Client {
	d.once.Do(func() {
		if d.Client != nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if d.HandshakeTimeout > 0 {
			transport.ResponseHeaderTimeout = d.HandshakeTimeout
		}
		d.Client = &http.Client{Transport: transport}
	})
	return d.Client
}

// WebSocketDialer reads one JSON event per text frame.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial upgrades the connection. http(s) URLs are rewritten to ws(s).
func (d *WebSocketDialer) Dial(ctx context.Context, target *url.URL) (Source, error) {
	u := *target
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsSource{conn: conn}, nil
}

type wsSource struct {
	conn *websocket.Conn
}

func (s *wsSource) Next() (Event, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("websocket read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return decodeEvent(data, "")
	}
}

func (s *wsSource) Close() error {
	return s.conn.Close()
}

// buildTarget embeds the dataset list, the cache-bypass flag, the
// concurrency hint and the extra parameters into base.
func buildTarget(base *url.URL, keys []string, bypassCache bool, concurrency int, extra map[string]string) *url.URL {
	u := *base
	q := u.Query()
	for k, v := range extra {
		q.Set(k, v)
	}
	q.Set("datasets", strings.Join(keys, ","))
	if bypassCache {
		q.Set("bypassCache", "true")
	}
	if concurrency > 0 {
		q.Set("concurrency", fmt.Sprintf("%d", concurrency))
	}
	u.RawQuery = q.Encode()
	return &u
}
