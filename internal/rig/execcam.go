/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rig

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ExecCameraConfig describes a camera driven by an external capture tool
// such as libcamera-still or rpicam-still.
type ExecCameraConfig struct {
	ID string
	// Command is the capture command line. {camera} expands to the camera
	// ID and {output} to the scratch file the frame must be written to.
	Command string
	// MuxCommand, when set, runs before each capture to switch a camera
	// multiplexer to this head. {camera} expands as above.
	MuxCommand string
	// ScratchDir holds frames between capture and store.
	ScratchDir string
}

// ExecCamera shells out to a capture tool for every frame. The frame lands
// in a scratch file, is read back, and the file is removed; the bytes travel
// to storage in memory.
type ExecCamera struct {
	cfg    ExecCameraConfig
	logger zerolog.Logger
}

// NewExecCamera returns a camera that captures via cfg.Command.
func NewExecCamera(cfg ExecCameraConfig, logger zerolog.Logger) *ExecCamera {
	return &ExecCamera{
		cfg:    cfg,
		logger: logger.With().Str("component", "execcam").Str("camera", cfg.ID).Logger(),
	}
}

func (c *ExecCamera) ID() string { return c.cfg.ID }

func (c *ExecCamera) Capture(ctx context.Context) (Frame, error) {
	if err := os.MkdirAll(c.cfg.ScratchDir, 0o755); err != nil {
		return Frame{}, fmt.Errorf("create scratch dir: %w", err)
	}

	if c.cfg.MuxCommand != "" {
		if err := c.run(ctx, c.expand(c.cfg.MuxCommand, "")); err != nil {
			return Frame{}, fmt.Errorf("camera mux: %w", err)
		}
	}

	output := filepath.Join(c.cfg.ScratchDir,
		fmt.Sprintf("%s-%d.jpg", c.cfg.ID, time.Now().UnixNano()))
	defer os.Remove(output)

	if err := c.run(ctx, c.expand(c.cfg.Command, output)); err != nil {
		return Frame{}, fmt.Errorf("capture command: %w", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return Frame{}, fmt.Errorf("read captured frame: %w", err)
	}
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("capture command wrote an empty frame to %s", output)
	}
	return Frame{Data: data, CapturedAt: time.Now().UTC()}, nil
}

func (c *ExecCamera) Close() error { return nil }

func (c *ExecCamera) expand(command, output string) string {
	command = strings.ReplaceAll(command, "{camera}", c.cfg.ID)
	if output != "" {
		command = strings.ReplaceAll(command, "{output}", output)
	}
	return command
}

func (c *ExecCamera) run(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, firstLine(out))
	}
	c.logger.Debug().Str("command", command).Msg("command completed")
	return nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}
