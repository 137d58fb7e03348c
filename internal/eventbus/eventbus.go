/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors the in-process event stream across processes.
// Each stagehand node forwards its local events to a shared broker and
// feeds foreign nodes' events back into its local bus, so one dashboard
// process can watch every rig in the lab.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/config"
	"github.com/verdantlabs/stagehand/internal/events"
)

// originKey marks payloads that arrived from another node. The outbound
// taps skip them so a mirrored event is never bounced back to the broker.
const originKey = "origin_node"

// Mirror is a running bridge between the local bus and a broker.
type Mirror interface {
	Name() string
	Close() error
}

// Start connects the backend selected by cfg and begins mirroring. With the
// backend set to none it returns a nil Mirror and the local bus works alone.
func Start(cfg *config.Config, local *events.Bus, logger zerolog.Logger) (Mirror, error) {
	switch cfg.EventBus {
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return newRedisMirror(rc, local, logger)
	case config.EventBusNATS:
		return newNATSMirror(cfg.NATSURL, local, logger)
	default:
		return nil, nil
	}
}

// envelope is the wire form of one mirrored event.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return &msg, nil
}

// nodeID identifies this process on the shared broker; foreign events are
// told apart from our own echoes by it.
func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "stagehand"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// tap drains every local event type into forward. Payloads that came from
// another node are skipped.
type tap struct {
	local *events.Bus
	subs  map[events.EventType]events.Subscriber
	wg    sync.WaitGroup
}

func newTap(local *events.Bus, forward func(events.EventType, events.Payload)) *tap {
	t := &tap{local: local, subs: make(map[events.EventType]events.Subscriber)}
	for _, eventType := range events.AllTypes() {
		sub := local.Subscribe(eventType)
		t.subs[eventType] = sub
		t.wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer t.wg.Done()
			for payload := range sub {
				if _, foreign := payload[originKey]; foreign {
					continue
				}
				forward(eventType, payload)
			}
		}(eventType, sub)
	}
	return t
}

// close unsubscribes every tap. Unsubscribing closes the channels, which
// ends the forward goroutines.
func (t *tap) close() {
	for eventType, sub := range t.subs {
		t.local.Unsubscribe(eventType, sub)
	}
	t.wg.Wait()
}

// reinject delivers a foreign event to local subscribers, marked with its
// origin so the taps do not mirror it again.
func reinject(local *events.Bus, msg *envelope) {
	payload := make(events.Payload, len(msg.Payload)+1)
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload[originKey] = msg.NodeID
	local.Publish(msg.EventType, payload)
}
