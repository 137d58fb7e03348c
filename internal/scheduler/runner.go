/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/retry"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/runlog"
	"github.com/verdantlabs/stagehand/internal/store"
	"github.com/verdantlabs/stagehand/internal/telemetry"
)

// consecutiveFaultLimit is how many ticks in a row may fail at the same
// stage before the run aborts with a systemic fault.
const consecutiveFaultLimit = 3

// defaultStepTimeout bounds a single hardware or archive call when the
// runner config leaves it unset.
const defaultStepTimeout = 30 * time.Second

// RunnerConfig carries everything one run needs.
type RunnerConfig struct {
	RunID  string
	Plan   *plan.Plan
	Rig    *rig.Rig
	Store  store.Store
	Log    *runlog.Writer
	Bus    *events.Bus
	Logger zerolog.Logger

	// ScratchDir, when set, stages every captured frame on local disk
	// until its upload succeeds, so a failed store still leaves the bytes
	// somewhere an operator can recover them.
	ScratchDir  string
	StepTimeout time.Duration

	// StartTick and RunStart replay an interrupted run: ticks below
	// StartTick are already on disk and the original schedule anchor is
	// kept so the remaining ticks land on their planned instants.
	StartTick int
	RunStart  time.Time
}

// Runner executes a single run from its first pending tick to a terminal
// state. One runner drives one run; it is not reused.
type Runner struct {
	cfg    RunnerConfig
	policy retry.Policy
	logger zerolog.Logger

	// now and sleep are swapped out by tests to drive the schedule.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a runner for one run. The retry policy comes from the
// plan, falling back to engine defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	return &Runner{
		cfg:    cfg,
		policy: cfg.Plan.Retry.Policy(),
		logger: cfg.Logger.With().Str("component", "runner").Str("run_id", cfg.RunID).Logger(),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the plan until it completes, aborts, or ctx is cancelled.
// Cancellation is honored between ticks and between retry attempts, never
// in the middle of a hardware call. The returned summary is valid for
// every terminal status; err is non-nil for aborts and cancellations.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	if err := r.cfg.Plan.Validate(); err != nil {
		return nil, err
	}
	cameras, err := r.resolveCameras()
	if err != nil {
		return nil, err
	}

	runStart := r.cfg.RunStart
	if runStart.IsZero() {
		runStart = r.now()
	}
	interval := r.cfg.Plan.Interval.Std()

	summary := &RunSummary{
		RunID:         r.cfg.RunID,
		PlanName:      r.cfg.Plan.Name,
		Rig:           r.cfg.Rig.Name,
		StartedAt:     runStart,
		ResumedFrom:   r.cfg.StartTick,
		FailedByStage: make(map[runlog.Stage]int),
		LogPath:       r.cfg.Log.Path(),
	}

	telemetry.ActiveRuns.Inc()
	defer telemetry.ActiveRuns.Dec()
	defer func() {
		summary.EndedAt = r.now()
		telemetry.RunsTotal.WithLabelValues(string(summary.Status)).Inc()
		telemetry.RunDuration.WithLabelValues(string(summary.Status)).Observe(summary.EndedAt.Sub(runStart).Seconds())
	}()

	startEvent := events.EventRunStarted
	if r.cfg.StartTick > 0 {
		startEvent = events.EventRunResumed
	}
	r.publish(startEvent, events.Payload{
		"run_id":     r.cfg.RunID,
		"plan":       r.cfg.Plan.Name,
		"rig":        r.cfg.Rig.Name,
		"start_tick": r.cfg.StartTick,
	})
	r.logger.Info().
		Str("plan", r.cfg.Plan.Name).
		Int("start_tick", r.cfg.StartTick).
		Time("anchor", runStart).
		Msg("run started")

	// Home before the first tick so positions are absolute even after a
	// crash or power cycle.
	if out := r.step(ctx, runlog.StageActuator, func(c context.Context) error {
		return r.cfg.Rig.Actuator.Home(c)
	}); !out.Success() {
		if out.Cancelled {
			return r.finish(summary, models.RunStatusCancelled, out.Err)
		}
		summary.AbortStage = runlog.StageActuator
		summary.AbortReason = "actuator failed to home: " + outcomeError(out)
		return r.finish(summary, models.RunStatusAborted, fmt.Errorf("home actuator: %w", out.Err))
	}

	consecutive := 0
	var consecutiveStage runlog.Stage

	for i := r.cfg.StartTick; ; i++ {
		if r.cfg.Plan.TotalTicks > 0 && i >= r.cfg.Plan.TotalTicks {
			break
		}
		scheduled := runStart.Add(time.Duration(i) * interval)
		if !r.cfg.Plan.EndTime.IsZero() && !scheduled.Before(r.cfg.Plan.EndTime) {
			break
		}

		if err := r.waitUntil(ctx, scheduled); err != nil {
			return r.finish(summary, models.RunStatusCancelled, err)
		}

		rec := r.executeTick(ctx, i, scheduled, cameras)

		if err := r.cfg.Log.Append(rec); err != nil {
			loss := &DataLossError{TickIndex: i, Err: err}
			summary.TicksExecuted++
			summary.DataLossTicks++
			summary.AbortReason = loss.Error()
			telemetry.DataLossTotal.Inc()
			r.logger.Error().Err(err).Int("tick", i).Msg("run log append failed")
			return r.finish(summary, models.RunStatusAborted, loss)
		}

		r.observeTick(summary, &rec)

		if rec.Succeeded() {
			consecutive, consecutiveStage = 0, ""
		} else {
			if rec.FailedStage == consecutiveStage {
				consecutive++
			} else {
				consecutive, consecutiveStage = 1, rec.FailedStage
			}
			if consecutive >= consecutiveFaultLimit {
				fault := &SystemicFaultError{
					Stage:       consecutiveStage,
					Consecutive: consecutive,
					LastErr:     errors.New(stageError(&rec, consecutiveStage)),
				}
				summary.AbortStage = consecutiveStage
				summary.AbortReason = fault.Error()
				return r.finish(summary, models.RunStatusAborted, fault)
			}
		}

		if err := ctx.Err(); err != nil {
			return r.finish(summary, models.RunStatusCancelled, err)
		}
	}

	// Park the rail once the schedule is exhausted. The outcome is already
	// decided, so a failure here only logs.
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StepTimeout)
	if err := r.cfg.Rig.Actuator.Home(parkCtx); err != nil {
		r.logger.Warn().Err(err).Msg("failed to park actuator after run")
	}
	cancel()

	return r.finish(summary, models.RunStatusCompleted, nil)
}

// resolveCameras maps the plan's camera selection onto the rig. An empty
// selection means every camera the rig carries.
func (r *Runner) resolveCameras() ([]rig.Camera, error) {
	if len(r.cfg.Plan.Cameras) == 0 {
		return r.cfg.Rig.Cameras, nil
	}
	cameras := make([]rig.Camera, 0, len(r.cfg.Plan.Cameras))
	for _, id := range r.cfg.Plan.Cameras {
		cam := r.cfg.Rig.Camera(id)
		if cam == nil {
			return nil, fmt.Errorf("%w: camera %q not present on rig %s", plan.ErrInvalidPlan, id, r.cfg.Rig.Name)
		}
		cameras = append(cameras, cam)
	}
	return cameras, nil
}

// waitUntil sleeps until the scheduled instant. A tick whose time has
// already passed starts immediately; the schedule anchor never shifts.
func (r *Runner) waitUntil(ctx context.Context, scheduled time.Time) error {
	d := scheduled.Sub(r.now())
	if d <= 0 {
		return ctx.Err()
	}
	return r.sleep(ctx, d)
}

// step runs op with the plan's retry policy, each attempt bounded by the
// step timeout. The run context governs only the waits between attempts,
// so cancellation never interrupts an in-flight hardware call.
func (r *Runner) step(ctx context.Context, stage runlog.Stage, op func(context.Context) error) retry.Outcome {
	out := retry.Do(ctx, r.policy, func(context.Context) error {
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StepTimeout)
		defer cancel()
		return op(stepCtx)
	})
	if out.Attempts > 0 {
		telemetry.RetryAttemptsTotal.WithLabelValues(string(stage)).Add(float64(out.Attempts))
	}
	if !out.Success() && out.Attempts > 0 {
		telemetry.StepFailuresTotal.WithLabelValues(string(stage)).Inc()
	}
	return out
}

// executeTick walks one tick through move, capture, and store, and returns
// its record. The record is complete but not yet durable; the caller
// appends it before acting on the outcome.
func (r *Runner) executeTick(ctx context.Context, index int, scheduled time.Time, cameras []rig.Camera) runlog.TickRecord {
	ctx, span := telemetry.StartSpan(ctx, "runner", "tick")
	defer span.End()

	started := r.now()
	target := r.cfg.Plan.PositionFor(index)
	telemetry.TickLag.Observe(started.Sub(scheduled).Seconds())
	telemetry.AddSpanAttributes(span, map[string]any{
		"run_id":   r.cfg.RunID,
		"tick":     index,
		"position": target,
	})

	rec := runlog.TickRecord{
		RunID:           r.cfg.RunID,
		TickIndex:       index,
		ScheduledTime:   scheduled,
		ActualStartTime: started,
		Position:        target,
	}
	m := newTickMachine()

	// Move.
	m.enter(phaseMoving)
	var settled float64
	out := r.step(ctx, runlog.StageActuator, func(c context.Context) error {
		got, err := r.cfg.Rig.Actuator.MoveTo(c, target)
		if err == nil {
			settled = got
		}
		return err
	})
	rec.Actuator = stepOutcome(out)
	if !out.Success() {
		r.failTick(&rec, m, span, out)
		return rec
	}
	rec.Position = settled

	// Capture. Every camera fires every frame before anything is stored.
	m.enter(phaseCapturing)
	type shot struct {
		camera string
		frame  int
		data   []byte
		at     time.Time
		staged string
	}
	frames := r.cfg.Plan.Frames()
	shots := make([]shot, 0, len(cameras)*frames)
	captureAttempts := 0
	for _, cam := range cameras {
		for f := 0; f < frames; f++ {
			var fr rig.Frame
			out = r.step(ctx, runlog.StageCapture, func(c context.Context) error {
				var err error
				fr, err = cam.Capture(c)
				return err
			})
			captureAttempts += out.Attempts
			if !out.Success() {
				rec.Capture = &runlog.StepOutcome{Attempts: captureAttempts, Error: outcomeError(out)}
				rec.DataLoss = len(shots) > 0
				r.failTick(&rec, m, span, out)
				return rec
			}
			shots = append(shots, shot{
				camera: cam.ID(),
				frame:  f,
				data:   fr.Data,
				at:     fr.CapturedAt,
				staged: r.stageFrame(index, cam.ID(), f, fr.Data),
			})
		}
	}
	rec.Capture = &runlog.StepOutcome{OK: true, Attempts: captureAttempts}

	// Store.
	m.enter(phaseStoring)
	storeAttempts := 0
	for _, sh := range shots {
		key := plan.ResolveDestination(r.cfg.Plan.Destination, plan.Values{
			RunID:    r.cfg.RunID,
			Tick:     index,
			Time:     scheduled,
			Position: rec.Position,
			Camera:   sh.camera,
			Frame:    sh.frame,
		})
		var location string
		out = r.step(ctx, runlog.StageStore, func(c context.Context) error {
			var err error
			location, err = r.cfg.Store.Put(c, key, sh.data)
			return err
		})
		storeAttempts += out.Attempts
		if !out.Success() {
			rec.Store = &runlog.StepOutcome{Attempts: storeAttempts, Error: outcomeError(out)}
			rec.DataLoss = true
			if sh.staged != "" {
				r.logger.Warn().Str("path", sh.staged).Msg("store failed, frame retained in scratch")
			}
			r.failTick(&rec, m, span, out)
			return rec
		}
		if sh.staged != "" {
			if err := os.Remove(sh.staged); err != nil {
				r.logger.Debug().Err(err).Str("path", sh.staged).Msg("scratch frame cleanup failed")
			}
		}
		telemetry.StoreBytesTotal.WithLabelValues(r.cfg.Store.Name()).Add(float64(len(sh.data)))
		rec.Artifacts = append(rec.Artifacts, runlog.Artifact{
			Camera:      sh.camera,
			Frame:       sh.frame,
			Destination: location,
			Bytes:       len(sh.data),
			CapturedAt:  sh.at,
		})
	}
	rec.Store = &runlog.StepOutcome{OK: true, Attempts: storeAttempts}

	m.enter(phaseRecorded)
	rec.FinalStatus = runlog.TickRecorded
	return rec
}

// stageFrame writes a captured frame under the scratch directory before its
// upload. Staging is best-effort: on any error the frame travels in memory
// only and the store step proceeds as usual.
func (r *Runner) stageFrame(tick int, camera string, frame int, data []byte) string {
	if r.cfg.ScratchDir == "" {
		return ""
	}
	dir := filepath.Join(r.cfg.ScratchDir, r.cfg.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Warn().Err(err).Msg("cannot create scratch dir, frame not staged")
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("t%06d-%s-f%02d", tick, camera, frame))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("cannot stage frame")
		return ""
	}
	return path
}

// failTick finalizes a record for the stage the machine is in.
func (r *Runner) failTick(rec *runlog.TickRecord, m *tickMachine, span trace.Span, out retry.Outcome) {
	stage := m.fail()
	rec.FinalStatus = runlog.TickFailed
	rec.FailedStage = stage
	telemetry.RecordError(span, out.Err)
	r.logger.Warn().
		Int("tick", rec.TickIndex).
		Str("stage", string(stage)).
		Int("attempts", out.Attempts).
		Err(out.Err).
		Msg("tick failed")
}

// observeTick folds a durable record into the summary, metrics, and bus.
func (r *Runner) observeTick(summary *RunSummary, rec *runlog.TickRecord) {
	summary.TicksExecuted++
	telemetry.TicksTotal.WithLabelValues(string(rec.FinalStatus)).Inc()

	payload := events.Payload{
		"run_id":     rec.RunID,
		"tick_index": rec.TickIndex,
		"position":   rec.Position,
		"status":     string(rec.FinalStatus),
	}

	if rec.Succeeded() {
		summary.TicksSucceeded++
		payload["artifacts"] = len(rec.Artifacts)
		r.publish(events.EventTickRecorded, payload)
		r.logger.Debug().Int("tick", rec.TickIndex).Float64("position", rec.Position).Msg("tick recorded")
		return
	}

	summary.FailedByStage[rec.FailedStage]++
	payload["stage"] = string(rec.FailedStage)
	if step := stepFor(rec, rec.FailedStage); step != nil {
		payload["attempts"] = step.Attempts
		payload["error"] = step.Error
	}
	r.publish(events.EventTickFailed, payload)

	if rec.DataLoss {
		summary.DataLossTicks++
		telemetry.DataLossTotal.Inc()
		r.publish(events.EventDataLoss, events.Payload{
			"run_id":     rec.RunID,
			"tick_index": rec.TickIndex,
			"stage":      string(rec.FailedStage),
		})
	}
}

// finish stamps the terminal status, publishes the matching event, and
// hands back the summary with the caller's error.
func (r *Runner) finish(summary *RunSummary, status models.RunStatus, err error) (*RunSummary, error) {
	summary.Status = status

	var evt events.EventType
	switch status {
	case models.RunStatusCompleted:
		evt = events.EventRunCompleted
	case models.RunStatusCancelled:
		evt = events.EventRunCancelled
	default:
		evt = events.EventRunAborted
	}
	r.publish(evt, events.Payload{
		"run_id":          summary.RunID,
		"plan":            summary.PlanName,
		"rig":             summary.Rig,
		"status":          string(status),
		"ticks_executed":  summary.TicksExecuted,
		"ticks_succeeded": summary.TicksSucceeded,
		"data_loss_ticks": summary.DataLossTicks,
		"abort_stage":     string(summary.AbortStage),
		"abort_reason":    summary.AbortReason,
	})

	line := r.logger.Info()
	if status == models.RunStatusAborted {
		line = r.logger.Error()
	}
	line.
		Str("status", string(status)).
		Int("ticks_executed", summary.TicksExecuted).
		Int("ticks_succeeded", summary.TicksSucceeded).
		Int("data_loss_ticks", summary.DataLossTicks).
		Msg("run finished")

	return summary, err
}

func (r *Runner) publish(evt events.EventType, payload events.Payload) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(evt, payload)
}

func stepOutcome(out retry.Outcome) *runlog.StepOutcome {
	so := &runlog.StepOutcome{OK: out.Success(), Attempts: out.Attempts}
	if out.Err != nil {
		so.Error = out.Err.Error()
	}
	return so
}

func outcomeError(out retry.Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return ""
}

func stepFor(rec *runlog.TickRecord, stage runlog.Stage) *runlog.StepOutcome {
	switch stage {
	case runlog.StageActuator:
		return rec.Actuator
	case runlog.StageCapture:
		return rec.Capture
	case runlog.StageStore:
		return rec.Store
	}
	return nil
}

func stageError(rec *runlog.TickRecord, stage runlog.Stage) string {
	if step := stepFor(rec, stage); step != nil && step.Error != "" {
		return step.Error
	}
	return "step failed"
}
