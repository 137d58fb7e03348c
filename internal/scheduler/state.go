/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"github.com/verdantlabs/stagehand/internal/runlog"
)

// tickPhase is the sub-state of a single tick as it moves through the
// pipeline. Every tick starts scheduled and ends in recorded or failed.
type tickPhase string

const (
	phaseScheduled tickPhase = "scheduled"
	phaseMoving    tickPhase = "moving"
	phaseCapturing tickPhase = "capturing"
	phaseStoring   tickPhase = "storing"
	phaseRecorded  tickPhase = "recorded"
	phaseFailed    tickPhase = "failed"
)

// validNext maps each phase to its legal successors. The pipeline only
// moves forward; recorded and failed are absorbing.
var validNext = map[tickPhase][]tickPhase{
	phaseScheduled: {phaseMoving},
	phaseMoving:    {phaseCapturing, phaseFailed},
	phaseCapturing: {phaseStoring, phaseFailed},
	phaseStoring:   {phaseRecorded, phaseFailed},
	phaseRecorded:  nil,
	phaseFailed:    nil,
}

// tickMachine tracks the phase of one tick and rejects transitions the
// pipeline never makes.
type tickMachine struct {
	phase tickPhase
}

func newTickMachine() *tickMachine {
	return &tickMachine{phase: phaseScheduled}
}

// canEnter reports whether next is a legal successor of the current phase.
func (m *tickMachine) canEnter(next tickPhase) bool {
	for _, ok := range validNext[m.phase] {
		if next == ok {
			return true
		}
	}
	return false
}

// enter moves to next if legal and reports whether it did.
func (m *tickMachine) enter(next tickPhase) bool {
	if !m.canEnter(next) {
		return false
	}
	m.phase = next
	return true
}

// fail drops into the failed phase and returns the stage that was active.
// Terminal phases stay put and return an empty stage.
func (m *tickMachine) fail() runlog.Stage {
	stage := m.stage()
	if !m.enter(phaseFailed) {
		return ""
	}
	return stage
}

// stage names the pipeline step the machine is currently executing. It is
// empty outside the three active phases.
func (m *tickMachine) stage() runlog.Stage {
	switch m.phase {
	case phaseMoving:
		return runlog.StageActuator
	case phaseCapturing:
		return runlog.StageCapture
	case phaseStoring:
		return runlog.StageStore
	default:
		return ""
	}
}
