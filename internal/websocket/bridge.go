// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

package websocket

import (
	"context"
	"fmt"

	"github.com/tomtom215/dashsync/internal/events"
	"github.com/tomtom215/dashsync/internal/logging"
)

// Listener is the subscribing side of the event bus.
type Listener interface {
	Listen(ctx context.Context, fn func(events.Lifecycle), topics ...string) error
}

// Bridge forwards lifecycle events from the bus to the hub. With a NATS bus
// a dashboard connected to one process sees refreshes started by another.
type Bridge struct {
	hub *Hub
	bus Listener
}

// NewBridge creates a bridge.
func NewBridge(hub *Hub, bus Listener) *Bridge {
	return &Bridge{hub: hub, bus: bus}
}

// Serve subscribes and blocks until ctx is canceled. It implements
// suture.Service.
func (b *Bridge) Serve(ctx context.Context) error {
	if err := b.bus.Listen(ctx, b.forward); err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	logging.Info().Str("component", "ws-bridge").Msg("forwarding lifecycle events to websocket clients")
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bridge) forward(ev events.Lifecycle) {
	msgType := MessageTypeFor(ev.Topic)
	if msgType == "" {
		logging.Debug().Str("topic", ev.Topic).Msg("ignoring lifecycle event with unknown topic")
		return
	}
	b.hub.BroadcastJSON(msgType, ev)
}

// MessageTypeFor maps a lifecycle topic to a client message type. Unknown
// topics map to "".
func MessageTypeFor(topic string) string {
	switch topic {
	case events.TopicDatasetReady:
		return MessageTypeDatasetReady
	case events.TopicDatasetError:
		return MessageTypeDatasetError
	case events.TopicCycleStarted:
		return MessageTypeCycleStarted
	case events.TopicCycleCompleted:
		return MessageTypeCycleCompleted
	default:
		return ""
	}
}

func (b *Bridge) String() string { return "ws-bridge" }
