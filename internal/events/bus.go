/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events is the in-process pubsub backbone: the scheduler publishes
// run and tick events, and notifications, webhooks, the websocket API and
// the external event bus bridge subscribe.
package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunCompleted EventType = "run.completed"
	EventRunAborted   EventType = "run.aborted"
	EventRunCancelled EventType = "run.cancelled"

	EventTickRecorded EventType = "tick.recorded"
	EventTickFailed   EventType = "tick.failed"
	EventDataLoss     EventType = "tick.data_loss"

	EventHealth EventType = "health"
)

// AllTypes lists every event type, for consumers that mirror the whole
// stream (the external bus bridge, the websocket feed).
func AllTypes() []EventType {
	return []EventType{
		EventRunStarted,
		EventRunResumed,
		EventRunCompleted,
		EventRunAborted,
		EventRunCancelled,
		EventTickRecorded,
		EventTickFailed,
		EventDataLoss,
		EventHealth,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publishing never blocks; a
// subscriber that falls behind loses events rather than stalling a run.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
