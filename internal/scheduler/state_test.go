/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"testing"

	"github.com/verdantlabs/stagehand/internal/runlog"
)

func TestTickMachineHappyPath(t *testing.T) {
	m := newTickMachine()
	for _, next := range []tickPhase{phaseMoving, phaseCapturing, phaseStoring, phaseRecorded} {
		if !m.enter(next) {
			t.Fatalf("enter(%s) refused from %s", next, m.phase)
		}
	}
	if m.phase != phaseRecorded {
		t.Fatalf("final phase = %s, want recorded", m.phase)
	}
}

func TestTickMachineTransitions(t *testing.T) {
	cases := []struct {
		from tickPhase
		to   tickPhase
		ok   bool
	}{
		{phaseScheduled, phaseMoving, true},
		{phaseScheduled, phaseCapturing, false},
		{phaseScheduled, phaseFailed, false},
		{phaseMoving, phaseCapturing, true},
		{phaseMoving, phaseFailed, true},
		{phaseMoving, phaseStoring, false},
		{phaseCapturing, phaseStoring, true},
		{phaseCapturing, phaseFailed, true},
		{phaseCapturing, phaseRecorded, false},
		{phaseStoring, phaseRecorded, true},
		{phaseStoring, phaseFailed, true},
		{phaseStoring, phaseMoving, false},
		{phaseRecorded, phaseMoving, false},
		{phaseRecorded, phaseFailed, false},
		{phaseFailed, phaseMoving, false},
		{phaseFailed, phaseRecorded, false},
	}

	for _, tc := range cases {
		m := &tickMachine{phase: tc.from}
		if got := m.enter(tc.to); got != tc.ok {
			t.Errorf("enter(%s) from %s = %v, want %v", tc.to, tc.from, got, tc.ok)
		}
		if tc.ok && m.phase != tc.to {
			t.Errorf("phase after enter = %s, want %s", m.phase, tc.to)
		}
		if !tc.ok && m.phase != tc.from {
			t.Errorf("refused transition moved phase to %s", m.phase)
		}
	}
}

func TestTickMachineFailReportsActiveStage(t *testing.T) {
	cases := []struct {
		phase tickPhase
		stage runlog.Stage
	}{
		{phaseMoving, runlog.StageActuator},
		{phaseCapturing, runlog.StageCapture},
		{phaseStoring, runlog.StageStore},
	}
	for _, tc := range cases {
		m := &tickMachine{phase: tc.phase}
		if got := m.fail(); got != tc.stage {
			t.Errorf("fail() from %s = %q, want %q", tc.phase, got, tc.stage)
		}
		if m.phase != phaseFailed {
			t.Errorf("fail() from %s left phase %s", tc.phase, m.phase)
		}
	}

	// Terminal phases absorb fail without moving.
	for _, terminal := range []tickPhase{phaseRecorded, phaseFailed} {
		m := &tickMachine{phase: terminal}
		if got := m.fail(); got != "" {
			t.Errorf("fail() from %s = %q, want empty", terminal, got)
		}
		if m.phase != terminal {
			t.Errorf("fail() moved terminal phase %s to %s", terminal, m.phase)
		}
	}
}
