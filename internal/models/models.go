/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the persistent records: the run registry and the
// delivery logs for webhooks and mail. The run log itself (per-tick records)
// lives in flat JSONL files, not here.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus enumerates the lifecycle of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusAborted, RunStatusCancelled:
		return true
	}
	return false
}

// Run is the registry entry for one experiment run. Tick-by-tick evidence is
// in the run log file at LogPath; this row carries the plan and the rollup.
type Run struct {
	ID      string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name    string    `gorm:"type:varchar(255)" json:"name"`
	RigName string    `gorm:"type:varchar(64);index;not null" json:"rig_name"`
	Status  RunStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// PlanJSON is the validated plan as submitted, kept verbatim so a run
	// can be inspected or resumed later.
	PlanJSON string `gorm:"type:text;not null" json:"-"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TicksExecuted  int `gorm:"not null;default:0" json:"ticks_executed"`
	TicksSucceeded int `gorm:"not null;default:0" json:"ticks_succeeded"`
	FailedActuator int `gorm:"not null;default:0" json:"failed_actuator"`
	FailedCapture  int `gorm:"not null;default:0" json:"failed_capture"`
	FailedStore    int `gorm:"not null;default:0" json:"failed_store"`
	DataLossTicks  int `gorm:"not null;default:0" json:"data_loss_ticks"`

	AbortStage  string `gorm:"type:varchar(16)" json:"abort_stage,omitempty"`
	AbortReason string `gorm:"type:text" json:"abort_reason,omitempty"`
	LogPath     string `gorm:"type:varchar(512)" json:"log_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Run) TableName() string {
	return "runs"
}

// NewRun creates a pending registry entry.
func NewRun(name, rigName, planJSON string) *Run {
	return &Run{
		ID:       uuid.NewString(),
		Name:     name,
		RigName:  rigName,
		Status:   RunStatusPending,
		PlanJSON: planJSON,
	}
}

// MailLog records a run report email delivery attempt.
type MailLog struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	RunID      string    `gorm:"type:uuid;index" json:"run_id"`
	Recipients string    `gorm:"type:varchar(512);not null" json:"recipients"` // comma-separated
	Subject    string    `gorm:"type:varchar(255)" json:"subject"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (MailLog) TableName() string {
	return "mail_logs"
}
