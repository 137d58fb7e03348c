/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package runlog persists the per-run record of what every tick did. Each run
// owns one JSON Lines file; records are appended and fsynced one at a time,
// so a crash loses at most the in-flight tick and the file stays parseable up
// to the last complete record.
package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage names the step of a tick where work happens or fails.
type Stage string

const (
	StageActuator Stage = "actuator"
	StageCapture  Stage = "capture"
	StageStore    Stage = "store"
)

// TickStatus is the final state of one tick.
type TickStatus string

const (
	TickRecorded TickStatus = "recorded"
	TickFailed   TickStatus = "failed"
)

// StepOutcome records how one step of a tick went, including how many
// attempts the retry policy spent on it.
type StepOutcome struct {
	OK       bool   `json:"ok"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Artifact is one stored frame.
type Artifact struct {
	Camera      string    `json:"camera"`
	Frame       int       `json:"frame"`
	Destination string    `json:"destination"`
	Bytes       int       `json:"bytes"`
	CapturedAt  time.Time `json:"captured_at"`
}

// TickRecord is the durable account of a single tick. Once appended it is
// never mutated.
type TickRecord struct {
	RunID         string    `json:"run_id"`
	TickIndex     int       `json:"tick_index"`
	ScheduledTime time.Time `json:"scheduled_time"`
	// ActualStartTime is when the tick began executing; it trails
	// ScheduledTime when the run is catching up.
	ActualStartTime time.Time `json:"actual_start_time"`
	// Position is the settled actuator position, or the planned target when
	// the move never succeeded.
	Position float64 `json:"position"`
	Actuator        *StepOutcome `json:"actuator,omitempty"`
	Capture         *StepOutcome `json:"capture,omitempty"`
	Store           *StepOutcome `json:"store,omitempty"`
	FinalStatus     TickStatus   `json:"final_status"`
	FailedStage     Stage        `json:"failed_stage,omitempty"`
	DataLoss        bool         `json:"data_loss,omitempty"`
	Artifacts       []Artifact   `json:"artifacts,omitempty"`
}

// Succeeded reports whether the tick completed all three steps.
func (r *TickRecord) Succeeded() bool { return r.FinalStatus == TickRecorded }

// FilePath returns the log file location for a run.
func FilePath(dir, runID string) string {
	return filepath.Join(dir, runID+".jsonl")
}

// Writer appends tick records for one run. It is owned by that run's
// scheduler loop exclusively and is not safe for concurrent use; independent
// runs write to independent files.
type Writer struct {
	file *os.File
	path string
}

// Open creates (or reopens, when resuming) the log file for a run. A
// partial final line left by a crash is truncated away so the next append
// starts on a clean line.
func Open(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}
	path := FilePath(dir, runID)
	if err := trimPartialTail(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &Writer{file: file, path: path}, nil
}

// trimPartialTail cuts the file back to its last complete line. Every
// durable record ends in a newline, so anything after the final newline is
// a crash artifact.
func trimPartialTail(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect run log: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(end)); err != nil {
		return fmt.Errorf("trim run log tail: %w", err)
	}
	return nil
}

// Append writes one record as a JSON line and flushes it to stable storage
// before returning.
func (w *Writer) Append(rec TickRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode tick record: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("append tick record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync run log: %w", err)
	}
	return nil
}

// Path returns the underlying file location.
func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error { return w.file.Close() }

// Read loads every complete record from a run log. A malformed final line is
// treated as a crash artifact and dropped; malformed lines anywhere else mean
// the file is corrupt and an error is returned.
func Read(path string) ([]TickRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	records := make([]TickRecord, 0, len(lines))
	for i, line := range lines {
		var rec TickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("run log corrupt at line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadRun loads the log for a run by ID.
func ReadRun(dir, runID string) ([]TickRecord, error) {
	return Read(FilePath(dir, runID))
}
