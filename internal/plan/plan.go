/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package plan models an experiment plan: which actuator positions to visit,
// how often, for how long, and where captured frames end up. Plans arrive as
// YAML files on disk or JSON bodies over the API; both decode into the same
// Plan type.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdantlabs/stagehand/internal/retry"
)

// ErrInvalidPlan marks every plan validation failure. Callers test with
// errors.Is to distinguish operator mistakes from runtime faults.
var ErrInvalidPlan = errors.New("invalid experiment plan")

// ValidationError carries every rule the plan violated, not just the first,
// so an operator can fix a config file in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid experiment plan: %s", strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPlan }

// Plan describes one experiment run. It is immutable once a run starts.
type Plan struct {
	// Name labels the experiment in notifications and listings.
	Name string `yaml:"name" json:"name"`
	// Rig selects which configured rig executes the run. Empty means the
	// process default.
	Rig string `yaml:"rig,omitempty" json:"rig,omitempty"`

	// Positions lists actuator targets visited in order, cycling when there
	// are more ticks than positions. Mutually exclusive with Grid.
	Positions []float64 `yaml:"positions,omitempty" json:"positions,omitempty"`
	// Grid derives positions from tray geometry instead of listing them.
	Grid *Grid `yaml:"grid,omitempty" json:"grid,omitempty"`

	// Interval is the minimum spacing between successive scheduled ticks.
	Interval Duration `yaml:"interval" json:"interval"`

	// TotalTicks and EndTime are the two termination conditions; exactly one
	// must be set.
	TotalTicks int       `yaml:"total_ticks,omitempty" json:"totalTicks,omitempty"`
	EndTime    time.Time `yaml:"end_time,omitempty" json:"endTime,omitempty"`

	// Destination is the storage key template for captured frames. See
	// ResolveDestination for the supported tokens.
	Destination string `yaml:"destination" json:"destination"`

	// Cameras lists the camera IDs fired at each position. Empty means the
	// rig's configured cameras.
	Cameras []string `yaml:"cameras,omitempty" json:"cameras,omitempty"`
	// FramesPerTick is how many frames each camera captures per tick.
	// Zero means one.
	FramesPerTick int `yaml:"frames_per_tick,omitempty" json:"framesPerTick,omitempty"`

	// Retry tunes the per-step retry policy. Zero fields take defaults.
	Retry RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Emails receive the run report when notifications are configured.
	Emails []string `yaml:"emails,omitempty" json:"emails,omitempty"`
}

// RetrySpec is the wire form of a retry policy; zero values fall back to the
// engine defaults (3 attempts, fixed backoff, 2s base delay).
type RetrySpec struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"maxAttempts,omitempty"`
	Backoff     string   `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	BaseDelay   Duration `yaml:"base_delay,omitempty" json:"baseDelay,omitempty"`
}

// Policy converts the wire form into an engine policy, filling defaults.
func (r RetrySpec) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts != 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.Backoff != "" {
		p.Backoff = retry.Backoff(r.Backoff)
	}
	if r.BaseDelay != 0 {
		p.BaseDelay = r.BaseDelay.Std()
	}
	return p
}

// Load reads and decodes a plan file. The result is not yet validated;
// callers apply rig defaults and then call Validate.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON, which is a YAML subset) into a Plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

// Validate checks every plan invariant and returns a ValidationError listing
// all violations. Call after camera defaults have been applied.
func (p *Plan) Validate() error {
	var violations []string

	switch {
	case len(p.Positions) > 0 && p.Grid != nil:
		violations = append(violations, "positions and grid are mutually exclusive")
	case len(p.Positions) == 0 && p.Grid == nil:
		violations = append(violations, "positions or grid is required")
	case p.Grid != nil:
		violations = append(violations, p.Grid.validate()...)
	}

	if p.Interval <= 0 {
		violations = append(violations, "interval must be greater than zero")
	}

	hasTicks := p.TotalTicks != 0
	hasEnd := !p.EndTime.IsZero()
	switch {
	case hasTicks && hasEnd:
		violations = append(violations, "total_ticks and end_time are mutually exclusive")
	case !hasTicks && !hasEnd:
		violations = append(violations, "one of total_ticks or end_time is required")
	case hasTicks && p.TotalTicks < 0:
		violations = append(violations, "total_ticks must be greater than zero")
	}

	if p.Destination == "" {
		violations = append(violations, "destination is required")
	} else {
		violations = append(violations, validateTemplate(p.Destination, len(p.Cameras), p.Frames())...)
	}

	for i, cam := range p.Cameras {
		if strings.TrimSpace(cam) == "" {
			violations = append(violations, fmt.Sprintf("cameras[%d] is empty", i))
		}
	}

	if p.FramesPerTick < 0 {
		violations = append(violations, "frames_per_tick must not be negative")
	}

	if err := p.Retry.Policy().Validate(); err != nil {
		violations = append(violations, fmt.Sprintf("retry: %v", err))
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// PositionSequence returns the ordered positions the run cycles through,
// expanding the grid when one is set.
func (p *Plan) PositionSequence() []float64 {
	if p.Grid != nil {
		return p.Grid.Expand()
	}
	return p.Positions
}

// PositionFor returns the actuator target for a tick index; positions cycle
// when the run outlives the sequence.
func (p *Plan) PositionFor(tick int) float64 {
	seq := p.PositionSequence()
	return seq[tick%len(seq)]
}

// Frames returns the per-camera frame count, defaulting to one.
func (p *Plan) Frames() int {
	if p.FramesPerTick <= 0 {
		return 1
	}
	return p.FramesPerTick
}

// Duration wraps time.Duration so plans can say "15m" instead of a
// nanosecond count, in both YAML and JSON.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid duration %s: expected a string like \"15m\"", data)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
