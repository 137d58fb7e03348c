/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rig drives the physical hardware of an imaging rig: the linear
// actuator that moves the sample rail and the cameras that photograph it.
// Drivers are selected by configuration; the sim drivers let the full stack
// run on a laptop.
package rig

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/config"
)

// Frame is one captured image.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Actuator moves the sample rail. Implementations represent a physical
// device with at-most-one-concurrent-operation semantics; callers serialize.
type Actuator interface {
	// Home returns the rail to its reference position.
	Home(ctx context.Context) error
	// MoveTo moves to an absolute position (millimetres) and blocks until
	// the axis settles, returning the settled position.
	MoveTo(ctx context.Context, position float64) (float64, error)
	Close() error
}

// Camera captures frames from one imaging head.
type Camera interface {
	ID() string
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Rig bundles the devices one run drives.
type Rig struct {
	Name     string
	Actuator Actuator
	Cameras  []Camera
}

// Close releases every device.
func (r *Rig) Close() error {
	var firstErr error
	if err := r.Actuator.Close(); err != nil {
		firstErr = err
	}
	for _, cam := range r.Cameras {
		if err := cam.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Camera returns the camera with the given ID, or nil.
func (r *Rig) Camera(id string) Camera {
	for _, cam := range r.Cameras {
		if cam.ID() == id {
			return cam
		}
	}
	return nil
}

// New assembles the rig described by the configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Rig, error) {
	var actuator Actuator
	switch cfg.ActuatorDriver {
	case "sim":
		actuator = NewSimActuator(0)
	case "zaber":
		actuator = NewZaberActuator(ZaberConfig{
			Addr:  cfg.ZaberAddr,
			Scale: cfg.ZaberScale,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown actuator driver %q", cfg.ActuatorDriver)
	}

	cameras := make([]Camera, 0, len(cfg.Cameras))
	for _, id := range cfg.Cameras {
		switch cfg.CameraDriver {
		case "sim":
			cameras = append(cameras, NewSimCamera(id))
		case "exec":
			cameras = append(cameras, NewExecCamera(ExecCameraConfig{
				ID:         id,
				Command:    cfg.CaptureCommand,
				MuxCommand: cfg.CameraMuxCmd,
				ScratchDir: cfg.ScratchDir(),
			}, logger))
		default:
			actuator.Close()
			return nil, fmt.Errorf("unknown camera driver %q", cfg.CameraDriver)
		}
	}

	return &Rig{Name: cfg.RigName, Actuator: actuator, Cameras: cameras}, nil
}

// Check exercises every device once: home the actuator, move it a token
// distance and back, and capture one frame per camera. Used by the rig-check
// command before leaving an experiment unattended.
func (r *Rig) Check(ctx context.Context) error {
	if err := r.Actuator.Home(ctx); err != nil {
		return fmt.Errorf("actuator home: %w", err)
	}
	if _, err := r.Actuator.MoveTo(ctx, 1); err != nil {
		return fmt.Errorf("actuator move: %w", err)
	}
	if err := r.Actuator.Home(ctx); err != nil {
		return fmt.Errorf("actuator return home: %w", err)
	}
	for _, cam := range r.Cameras {
		frame, err := cam.Capture(ctx)
		if err != nil {
			return fmt.Errorf("camera %s capture: %w", cam.ID(), err)
		}
		if len(frame.Data) == 0 {
			return fmt.Errorf("camera %s returned an empty frame", cam.ID())
		}
	}
	return nil
}
