// Dashsync - Streaming Dataset Synchronization for Reporting Dashboards
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dashsync

// Package events publishes refresh lifecycle notifications on a watermill
// bus.
//
// Topics (prefixed with the configured topic prefix):
//   - dataset.ready    a dataset reached ready
//   - dataset.error    a dataset reached error
//   - cycle.started    a refresh cycle was accepted and started
//   - cycle.completed  every dataset of the cycle is terminal
//
// The default backend is an in-process watermill gochannel. When a NATS URL
// is configured the same topics travel over NATS subjects through
// watermill-nats, so several dashboard processes can observe each other.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tomtom215/dashsync/internal/dataset"
	"github.com/tomtom215/dashsync/internal/logging"
	"github.com/tomtom215/dashsync/internal/metrics"
)

// Lifecycle topics.
const (
	TopicDatasetReady   = "dataset.ready"
	TopicDatasetError   = "dataset.error"
	TopicCycleStarted   = "cycle.started"
	TopicCycleCompleted = "cycle.completed"
)

// AllTopics lists every lifecycle topic.
var AllTopics = []string{TopicDatasetReady, TopicDatasetError, TopicCycleStarted, TopicCycleCompleted}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// Lifecycle is the payload of every bus message. Fields not relevant to the
// topic are left empty.
type Lifecycle struct {
	Topic    string            `json:"topic"`
	CycleID  string            `json:"cycle_id,omitempty"`
	Dataset  string            `json:"dataset,omitempty"`
	Status   dataset.Status    `json:"status,omitempty"`
	RowCount int               `json:"count,omitempty"`
	Cached   bool              `json:"cached,omitempty"`
	Error    string            `json:"error,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Datasets []string          `json:"datasets,omitempty"`
	Progress *dataset.Progress `json:"progress,omitempty"`
	At       time.Time         `json:"at"`
}

// Publisher is what the orchestrator needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Lifecycle) error
}

// Bus wraps a watermill publisher/subscriber pair.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewInProcess creates a gochannel-backed bus.
func NewInProcess(prefix string) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(logging.WithComponent("events")))
	return &Bus{
		pub:    ch,
		sub:    ch,
		prefix: prefix,
		logger: logging.WithComponent("events"),
	}
}

// NATSConfig configures the NATS backend.
type NATSConfig struct {
	URL           string
	Prefix        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATS connects a bus to NATS core subjects. Lifecycle events are
// notifications, not records, so JetStream persistence is not used.
func NewNATS(cfg NATSConfig) (*Bus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	zl := logging.WithComponent("events")
	wmLogger := NewWatermillLogger(zl)

	natsOpts := []natsgo.Option{
		natsgo.Name("dashsync"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				zl.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			zl.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		SubscribersCount: 1,
		CloseTimeout:     5 * time.Second,
		AckWaitTimeout:   30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Bus{pub: pub, sub: sub, prefix: cfg.Prefix, logger: zl}, nil
}

func (b *Bus) subject(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

// Publish sends ev on its topic. At is filled in when zero.
func (b *Bus) Publish(ctx context.Context, ev Lifecycle) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	msg := message.NewMessage(uuid.New().String(), data)
	msg.SetContext(ctx)
	if ev.CycleID != "" {
		msg.Metadata.Set("cycle_id", ev.CycleID)
	}
	if ev.Dataset != "" {
		msg.Metadata.Set("dataset", ev.Dataset)
	}

	err = b.pub.Publish(b.subject(ev.Topic), msg)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.EventsPublished.WithLabelValues(ev.Topic, result).Inc()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Listen subscribes to topics (all lifecycle topics when empty) and calls fn
// for each decoded event until ctx is cancelled. Subscriptions are in place
// when Listen returns; delivery happens in background goroutines.
func (b *Bus) Listen(ctx context.Context, fn func(Lifecycle), topics ...string) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if len(topics) == 0 {
		topics = AllTopics
	}

	ctx, cancel := context.WithCancel(ctx)
	channels := make([]<-chan *message.Message, 0, len(topics))
	for _, topic := range topics {
		msgs, err := b.sub.Subscribe(ctx, b.subject(topic))
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		channels = append(channels, msgs)
	}

	var wg sync.WaitGroup
	for _, msgs := range channels {
		wg.Add(1)
		go func(msgs <-chan *message.Message) {
			defer wg.Done()
			for msg := range msgs {
				ev, err := Decode(msg)
				if err != nil {
					b.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable lifecycle event")
				} else {
					fn(ev)
				}
				msg.Ack()
			}
		}(msgs)
	}
	go func() {
		wg.Wait()
		cancel()
	}()
	return nil
}

// Decode parses a bus message.
func Decode(msg *message.Message) (Lifecycle, error) {
	var ev Lifecycle
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return Lifecycle{}, fmt.Errorf("decode lifecycle event: %w", err)
	}
	return ev, nil
}

// Close shuts down the publisher and subscriber.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Publisher that drops everything. It is used when the bus is
// disabled.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Lifecycle) error { return nil }
