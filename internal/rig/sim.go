/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rig

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimActuator is an in-memory actuator for development and tests. It settles
// after a configurable delay and remembers its position.
type SimActuator struct {
	mu       sync.Mutex
	position float64
	settle   time.Duration
}

// NewSimActuator returns a simulated actuator resting at the given position.
func NewSimActuator(settle time.Duration) *SimActuator {
	return &SimActuator{settle: settle}
}

func (a *SimActuator) Home(ctx context.Context) error {
	_, err := a.MoveTo(ctx, 0)
	return err
}

func (a *SimActuator) MoveTo(ctx context.Context, position float64) (float64, error) {
	if a.settle > 0 {
		timer := time.NewTimer(a.settle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	a.mu.Lock()
	a.position = position
	a.mu.Unlock()
	return position, nil
}

// Position reports where the simulated rail currently rests.
func (a *SimActuator) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

func (a *SimActuator) Close() error { return nil }

// SimCamera produces small synthetic JPEG frames.
type SimCamera struct {
	id string

	mu    sync.Mutex
	count int
}

// NewSimCamera returns a simulated camera with the given ID.
func NewSimCamera(id string) *SimCamera {
	return &SimCamera{id: id}
}

func (c *SimCamera) ID() string { return c.id }

func (c *SimCamera) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	c.count++
	n := c.count
	c.mu.Unlock()

	now := time.Now().UTC()
	// A JPEG SOI/EOI envelope around a text payload is enough for anything
	// downstream that only sniffs magic bytes.
	data := append([]byte{0xFF, 0xD8, 0xFF, 0xE0},
		[]byte(fmt.Sprintf("sim camera %s frame %d at %s", c.id, n, now.Format(time.RFC3339Nano)))...)
	data = append(data, 0xFF, 0xD9)
	return Frame{Data: data, CapturedAt: now}, nil
}

func (c *SimCamera) Close() error { return nil }
