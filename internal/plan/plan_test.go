/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package plan

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/verdantlabs/stagehand/internal/retry"
)

func validPlan() *Plan {
	return &Plan{
		Name:        "duckweed-growth",
		Positions:   []float64{10, 20},
		Interval:    Duration(5 * time.Second),
		TotalTicks:  4,
		Destination: "runs/{run}/tick-{tick}.jpg",
	}
}

func TestParsePlanYAML(t *testing.T) {
	doc := `
name: duckweed-growth
rig: rig0
grid:
  stages:
    - stage_distance: 40
      rows: 3
      row_distance: 25
    - stage_distance: 50
      rows: 2
      row_distance: 30
interval: 15m
total_ticks: 96
destination: "runs/{run}/{camera}/tick-{tick}.jpg"
cameras: [a, b]
frames_per_tick: 1
retry:
  max_attempts: 5
  backoff: exponential
  base_delay: 500ms
emails:
  - lab@example.org
`
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Name != "duckweed-growth" {
		t.Errorf("Name = %q, want duckweed-growth", p.Name)
	}
	if p.Interval.Std() != 15*time.Minute {
		t.Errorf("Interval = %v, want 15m", p.Interval.Std())
	}
	if p.TotalTicks != 96 {
		t.Errorf("TotalTicks = %d, want 96", p.TotalTicks)
	}
	if len(p.Cameras) != 2 {
		t.Errorf("Cameras = %v, want two entries", p.Cameras)
	}
	policy := p.Retry.Policy()
	if policy.MaxAttempts != 5 || policy.Backoff != retry.BackoffExponential || policy.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry.Policy() = %+v, want 5 exponential 500ms", policy)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestParsePlanRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("interval: every-hour\n"))
	if err == nil {
		t.Fatal("Parse() accepted a malformed interval")
	}
}

func TestValidateAcceptsMinimalPlan(t *testing.T) {
	if err := validPlan().Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	p := &Plan{}
	err := p.Validate()
	if err == nil {
		t.Fatal("Validate() accepted an empty plan")
	}
	if !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("Validate() error does not unwrap to ErrInvalidPlan: %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error is %T, want *ValidationError", err)
	}
	for _, want := range []string{
		"positions or grid is required",
		"interval must be greater than zero",
		"one of total_ticks or end_time is required",
		"destination is required",
	} {
		found := false
		for _, v := range verr.Violations {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Violations missing %q; got %v", want, verr.Violations)
		}
	}
}

func TestValidateTerminationConditions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr string
	}{
		{
			name: "both set",
			mutate: func(p *Plan) {
				p.EndTime = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "neither set",
			mutate: func(p *Plan) {
				p.TotalTicks = 0
			},
			wantErr: "one of total_ticks or end_time is required",
		},
		{
			name: "negative ticks",
			mutate: func(p *Plan) {
				p.TotalTicks = -1
			},
			wantErr: "total_ticks must be greater than zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("Validate() error = nil, want violation")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsPositionsWithGrid(t *testing.T) {
	p := validPlan()
	p.Grid = &Grid{Stages: []GridStage{{StageDistance: 40, Rows: 1}}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("Validate() error = %v, want mutual-exclusion violation", err)
	}
}

func TestGridExpand(t *testing.T) {
	g := &Grid{Stages: []GridStage{
		{StageDistance: 40, Rows: 3, RowDistance: 25},
		{StageDistance: 50, Rows: 2, RowDistance: 30},
	}}
	got := g.Expand()
	want := []float64{40, 65, 90, 140, 170}
	if len(got) != len(want) {
		t.Fatalf("Expand() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expand()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGridValidation(t *testing.T) {
	p := validPlan()
	p.Positions = nil
	p.Grid = &Grid{Stages: []GridStage{{StageDistance: 40, Rows: 3}}}
	err := p.Validate()
	if err == nil || !strings.Contains(err.Error(), "row_distance is required") {
		t.Errorf("Validate() error = %v, want row_distance violation", err)
	}
}

func TestPositionForCycles(t *testing.T) {
	p := validPlan()
	want := []float64{10, 20, 10, 20}
	for i, pos := range want {
		if got := p.PositionFor(i); got != pos {
			t.Errorf("PositionFor(%d) = %v, want %v", i, got, pos)
		}
	}
}

func TestRetrySpecDefaults(t *testing.T) {
	var spec RetrySpec
	got := spec.Policy()
	want := retry.DefaultPolicy()
	if got != want {
		t.Errorf("zero RetrySpec.Policy() = %+v, want defaults %+v", got, want)
	}

	spec = RetrySpec{MaxAttempts: 1}
	got = spec.Policy()
	if got.MaxAttempts != 1 || got.Backoff != want.Backoff || got.BaseDelay != want.BaseDelay {
		t.Errorf("partial RetrySpec.Policy() = %+v, want only MaxAttempts overridden", got)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"90s"`)); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("Std() = %v, want 90s", d.Std())
	}
	if err := d.UnmarshalJSON([]byte(`42`)); err == nil {
		t.Error("UnmarshalJSON() accepted a bare number")
	}
}
