/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/telemetry"
)

// natsSubjectPrefix namespaces mirrored events. Event types already use
// dotted names, so "tick.recorded" lands on stagehand.events.tick.recorded.
const natsSubjectPrefix = "stagehand.events."

// NATSMirror bridges the local bus over NATS subjects. The NATS client owns
// reconnection, so there is no breaker here: publishes during an outage
// buffer inside the client up to its pending limit.
type NATSMirror struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *events.Bus
	logger zerolog.Logger
	nodeID string
	tap    *tap
}

func newNATSMirror(url string, local *events.Bus, logger zerolog.Logger) (*NATSMirror, error) {
	m := &NATSMirror{
		local:  local,
		logger: logger.With().Str("component", "eventbus").Str("backend", "nats").Logger(),
		nodeID: nodeID(),
	}

	conn, err := nats.Connect(url,
		nats.Name("stagehand-"+m.nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats event bus: %w", err)
	}
	m.conn = conn

	sub, err := conn.Subscribe(natsSubjectPrefix+">", m.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe nats events: %w", err)
	}
	m.sub = sub
	m.tap = newTap(local, m.forward)

	m.logger.Info().Str("url", url).Str("node_id", m.nodeID).Msg("nats event mirror started")
	return m, nil
}

// Name identifies the backend.
func (m *NATSMirror) Name() string { return "nats" }

// receive handles one inbound subject message.
func (m *NATSMirror) receive(msg *nats.Msg) {
	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		m.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal nats message")
		return
	}

	// Skip messages from ourselves (prevent echo).
	if env.NodeID == m.nodeID {
		return
	}

	reinject(m.local, env)
	m.logger.Debug().
		Str("event_type", string(env.EventType)).
		Str("source_node", env.NodeID).
		Msg("delivered foreign event to local subscribers")
}

// forward pushes one local event to its subject.
func (m *NATSMirror) forward(eventType events.EventType, payload events.Payload) {
	data, err := marshalEnvelope(eventType, payload, m.nodeID)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal event envelope")
		return
	}

	if err := m.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		m.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to nats")
		return
	}

	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType), "nats").Inc()
}

// Close detaches from the local bus, stops inbound delivery, and drains
// whatever is still pending outbound.
func (m *NATSMirror) Close() error {
	m.logger.Info().Msg("closing nats event mirror")

	m.tap.close()
	if err := m.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		m.logger.Warn().Err(err).Msg("failed to unsubscribe nats events")
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
