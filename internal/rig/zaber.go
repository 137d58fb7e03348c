/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rig

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ZaberConfig describes a Zaber linear stage reachable over the ASCII
// protocol, typically via a serial-to-TCP bridge on the rig host.
type ZaberConfig struct {
	Addr string
	// Device and Axis address the stage on the daisy chain; both default
	// to 1.
	Device int
	Axis   int
	// Scale converts millimetres to device microsteps.
	Scale float64

	DialTimeout  time.Duration
	IOTimeout    time.Duration
	PollInterval time.Duration
}

func (c ZaberConfig) withDefaults() ZaberConfig {
	if c.Device == 0 {
		c.Device = 1
	}
	if c.Axis == 0 {
		c.Axis = 1
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// ZaberActuator drives a Zaber stage. The connection is dialed lazily and
// redialed after any transport error, so a flaky bridge surfaces as step
// failures rather than a dead driver.
type ZaberActuator struct {
	cfg    ZaberConfig
	logger zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewZaberActuator returns a driver for the stage at cfg.Addr.
func NewZaberActuator(cfg ZaberConfig, logger zerolog.Logger) *ZaberActuator {
	return &ZaberActuator{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "zaber").Str("addr", cfg.Addr).Logger(),
	}
}

func (a *ZaberActuator) Home(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.command(ctx, "home"); err != nil {
		return err
	}
	return a.waitIdle(ctx)
}

func (a *ZaberActuator) MoveTo(ctx context.Context, position float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	steps := int64(math.Round(position * a.cfg.Scale))
	if _, err := a.command(ctx, fmt.Sprintf("move abs %d", steps)); err != nil {
		return 0, err
	}
	if err := a.waitIdle(ctx); err != nil {
		return 0, err
	}
	reply, err := a.command(ctx, "get pos")
	if err != nil {
		return 0, err
	}
	settled, err := strconv.ParseInt(reply.data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("zaber: parse position %q: %w", reply.data, err)
	}
	return float64(settled) / a.cfg.Scale, nil
}

func (a *ZaberActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropConn()
}

type zaberReply struct {
	busy    bool
	warning string
	data    string
}

// command sends one ASCII command and reads its reply. The caller must hold
// a.mu. An empty command is a status poll.
func (a *ZaberActuator) command(ctx context.Context, cmd string) (zaberReply, error) {
	if err := a.connect(ctx); err != nil {
		return zaberReply{}, err
	}

	deadline := time.Now().Add(a.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.conn.SetDeadline(deadline); err != nil {
		a.dropConn()
		return zaberReply{}, fmt.Errorf("zaber: set deadline: %w", err)
	}

	line := strings.TrimSpace(fmt.Sprintf("/%d %d %s", a.cfg.Device, a.cfg.Axis, cmd))
	if _, err := fmt.Fprintf(a.conn, "%s\n", line); err != nil {
		a.dropConn()
		return zaberReply{}, fmt.Errorf("zaber: send %q: %w", cmd, err)
	}

	raw, err := a.reader.ReadString('\n')
	if err != nil {
		a.dropConn()
		return zaberReply{}, fmt.Errorf("zaber: read reply to %q: %w", cmd, err)
	}
	return a.parseReply(cmd, strings.TrimSpace(raw))
}

// parseReply decodes a line like "@01 1 OK IDLE -- 0".
func (a *ZaberActuator) parseReply(cmd, raw string) (zaberReply, error) {
	if !strings.HasPrefix(raw, "@") {
		return zaberReply{}, fmt.Errorf("zaber: unexpected reply %q", raw)
	}
	fields := strings.Fields(raw)
	if len(fields) < 5 {
		return zaberReply{}, fmt.Errorf("zaber: short reply %q", raw)
	}
	reply := zaberReply{
		busy:    fields[3] == "BUSY",
		warning: fields[4],
	}
	if len(fields) > 5 {
		reply.data = strings.Join(fields[5:], " ")
	}
	if fields[2] != "OK" {
		return reply, fmt.Errorf("zaber: command %q rejected: %s", cmd, reply.data)
	}
	if reply.warning != "--" {
		a.logger.Warn().Str("flag", reply.warning).Str("command", cmd).Msg("device warning flag set")
	}
	return reply, nil
}

// waitIdle polls until the axis reports IDLE. The caller must hold a.mu.
func (a *ZaberActuator) waitIdle(ctx context.Context) error {
	for {
		reply, err := a.command(ctx, "")
		if err != nil {
			return err
		}
		if !reply.busy {
			return nil
		}
		timer := time.NewTimer(a.cfg.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (a *ZaberActuator) connect(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("zaber: dial %s: %w", a.cfg.Addr, err)
	}
	a.conn = conn
	a.reader = bufio.NewReader(conn)
	a.logger.Debug().Msg("connected to stage")
	return nil
}

func (a *ZaberActuator) dropConn() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.reader = nil
	return err
}
