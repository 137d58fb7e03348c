/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"fmt"
	"time"

	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/runlog"
)

// RunSummary is the terminal account of a run: how it ended and what the
// ticks added up to. It is returned by the runner, persisted to the run
// registry, and posted to webhooks.
type RunSummary struct {
	RunID    string           `json:"run_id"`
	PlanName string           `json:"plan_name"`
	Rig      string           `json:"rig"`
	Status   models.RunStatus `json:"status"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	TicksExecuted  int                  `json:"ticks_executed"`
	TicksSucceeded int                  `json:"ticks_succeeded"`
	FailedByStage  map[runlog.Stage]int `json:"failed_by_stage,omitempty"`
	DataLossTicks  int                  `json:"data_loss_ticks"`

	// ResumedFrom is the first tick this invocation executed; zero for a
	// fresh run.
	ResumedFrom int `json:"resumed_from,omitempty"`

	AbortStage  runlog.Stage `json:"abort_stage,omitempty"`
	AbortReason string       `json:"abort_reason,omitempty"`
	LogPath     string       `json:"log_path,omitempty"`
}

// TicksFailed is the number of executed ticks that did not reach recorded.
func (s *RunSummary) TicksFailed() int {
	return s.TicksExecuted - s.TicksSucceeded
}

// SystemicFaultError reports that the same stage failed on enough
// consecutive ticks that the hardware or archive behind it is presumed
// down and the run was aborted.
type SystemicFaultError struct {
	Stage       runlog.Stage
	Consecutive int
	LastErr     error
}

func (e *SystemicFaultError) Error() string {
	return fmt.Sprintf("systemic %s fault: %d consecutive ticks failed: %v", e.Stage, e.Consecutive, e.LastErr)
}

func (e *SystemicFaultError) Unwrap() error { return e.LastErr }

// DataLossError reports that a tick record could not be made durable. The
// tick may have executed; its evidence is gone.
type DataLossError struct {
	TickIndex int
	Err       error
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("tick %d record lost: %v", e.TickIndex, e.Err)
}

func (e *DataLossError) Unwrap() error { return e.Err }
