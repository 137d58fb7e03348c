/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/telemetry"
)

// redisChannelPrefix namespaces mirrored events on the broker.
const redisChannelPrefix = "stagehand:events:"

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// RedisMirror bridges the local bus over Redis pub/sub. When Redis turns
// unhealthy a circuit breaker suspends outbound publishes until a periodic
// probe sees it answer again; local delivery is never affected.
type RedisMirror struct {
	client *redis.Client
	local  *events.Bus
	logger zerolog.Logger
	nodeID string
	cfg    RedisConfig

	tap *tap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pubsub    *redis.PubSub
	suspended bool
	failCount int
	lastCheck time.Time
}

// newRedisMirror connects and starts mirroring. An unreachable broker does
// not fail startup: the mirror comes up suspended and the probe loop keeps
// trying, so a rig controller never refuses to run because a dashboard
// broker is down.
func newRedisMirror(cfg RedisConfig, local *events.Bus, logger zerolog.Logger) (*RedisMirror, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &RedisMirror{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}),
		local:  local,
		logger: logger.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		nodeID: nodeID(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer pingCancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.logger.Warn().Err(err).Msg("redis unreachable, mirroring suspended until it returns")
		m.suspended = true
		m.lastCheck = time.Now()
	} else {
		m.subscribe()
	}

	m.tap = newTap(local, m.forward)
	m.wg.Add(1)
	go m.maintain()

	m.logger.Info().Str("addr", cfg.Addr).Str("node_id", m.nodeID).Msg("redis event mirror started")
	return m, nil
}

// Name identifies the backend.
func (m *RedisMirror) Name() string { return "redis" }

// subscribe opens the inbound pattern subscription and starts its receive
// loop.
func (m *RedisMirror) subscribe() {
	pubsub := m.client.PSubscribe(m.ctx, redisChannelPrefix+"*")
	m.mu.Lock()
	m.pubsub = pubsub
	m.mu.Unlock()
	m.wg.Add(1)
	go m.receive(pubsub)
}

// receive handles inbound broker messages until the subscription dies or
// the mirror closes.
func (m *RedisMirror) receive(pubsub *redis.PubSub) {
	defer m.wg.Done()

	ch := pubsub.Channel()
	m.logger.Debug().Msg("redis receiver started")

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug().Msg("redis receiver stopping")
			return

		case msg, ok := <-ch:
			if !ok {
				m.logger.Warn().Msg("redis subscription closed")
				m.fail()
				return
			}

			env, err := unmarshalEnvelope([]byte(msg.Payload))
			if err != nil {
				m.logger.Error().Err(err).Msg("failed to unmarshal redis message")
				continue
			}

			// Skip messages from ourselves (prevent echo).
			if env.NodeID == m.nodeID {
				continue
			}

			reinject(m.local, env)
			m.logger.Debug().
				Str("event_type", string(env.EventType)).
				Str("source_node", env.NodeID).
				Msg("delivered foreign event to local subscribers")
		}
	}
}

// forward pushes one local event to Redis. Publish failures feed the
// breaker; events dropped while it is suspended are lost, not queued.
func (m *RedisMirror) forward(eventType events.EventType, payload events.Payload) {
	m.mu.Lock()
	suspended := m.suspended
	m.mu.Unlock()
	if suspended {
		return
	}

	data, err := marshalEnvelope(eventType, payload, m.nodeID)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to marshal event envelope")
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()

	if err := m.client.Publish(ctx, redisChannelPrefix+string(eventType), data).Err(); err != nil {
		m.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to redis")
		m.fail()
		return
	}

	m.mu.Lock()
	m.failCount = 0
	m.mu.Unlock()

	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType), "redis").Inc()
}

// fail implements the circuit breaker: enough consecutive failures suspend
// the mirror and close the inbound subscription. The client stays open so
// the probe loop can ping it.
func (m *RedisMirror) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failCount++
	if m.failCount >= m.cfg.MaxFailures && !m.suspended {
		m.logger.Warn().
			Int("fail_count", m.failCount).
			Msg("redis failure threshold reached, suspending mirror")

		m.suspended = true
		m.lastCheck = time.Now()
		if m.pubsub != nil {
			m.pubsub.Close()
			m.pubsub = nil
		}
	}
}

// maintain probes a suspended mirror until Redis answers again.
func (m *RedisMirror) maintain() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.tryReconnect(); err != nil {
				m.logger.Debug().Err(err).Msg("redis probe failed")
			}
		}
	}
}

// tryReconnect re-enables a suspended mirror if Redis answers a ping.
func (m *RedisMirror) tryReconnect() error {
	m.mu.Lock()
	if !m.suspended {
		m.mu.Unlock()
		return nil
	}
	m.lastCheck = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis still unavailable: %w", err)
	}

	m.mu.Lock()
	m.suspended = false
	m.failCount = 0
	m.mu.Unlock()

	m.subscribe()
	m.logger.Info().Msg("reconnected to redis, mirroring resumed")
	return nil
}

// Close detaches from the local bus and shuts the broker connection down.
func (m *RedisMirror) Close() error {
	m.logger.Info().Msg("closing redis event mirror")

	m.tap.close()
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	pubsub := m.pubsub
	m.pubsub = nil
	m.mu.Unlock()
	if pubsub != nil {
		pubsub.Close()
	}

	if err := m.client.Close(); err != nil {
		m.logger.Error().Err(err).Msg("failed to close redis client")
		return err
	}
	return nil
}
