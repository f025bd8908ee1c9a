// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package stream owns the single long-lived connection to the dataset
// streaming endpoint.
//
// A refresh cycle asks the server for N named datasets in one request. The
// server answers with a sequence of JSON events:
//
//	init              {type, datasets: [{name, status}]}
//	dataset-complete  {type, dataset, data, cached, count}
//	dataset-error     {type, dataset, error}
//	complete          {type}
//
// Events can arrive as Server-Sent Events, newline-delimited JSON, or
// WebSocket text frames. Each event is applied to the dataset store by a
// single consumer goroutine, so events for one dataset are applied in
// arrival order.
//
// Failure handling:
//   - transport hiccups are retried with backoff up to MaxReconnects times
//   - a terminal failure marks every still-loading dataset "connection failed"
//   - a hard ceiling (10 minutes by default) marks leftovers "timeout"
package stream

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// EventType identifies a stream event.
type EventType string

const (
	EventInit            EventType = "init"
	EventDatasetComplete EventType = "dataset-complete"
	EventDatasetError    EventType = "dataset-error"
	EventComplete        EventType = "complete"
)

// Ack is one entry of the server's resolved dataset list.
type Ack struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Event is a decoded stream event. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType       `json:"type"`
	Datasets []Ack           `json:"datasets,omitempty"`
	Dataset  string          `json:"dataset,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Cached   bool            `json:"cached,omitempty"`
	Count    int             `json:"count,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ErrMalformedEvent is returned for records that are not JSON events.
// Malformed records are skipped; they never end the stream.
var ErrMalformedEvent = errors.New("malformed stream event")

// decodeEvent parses one record. fallbackType is used when the JSON object
// carries no type field (the SSE "event:" name).
func decodeEvent(raw []byte, fallbackType string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		ev.Type = EventType(fallbackType)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}
