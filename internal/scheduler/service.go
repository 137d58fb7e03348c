/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/verdantlabs/stagehand/internal/config"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/runlog"
	"github.com/verdantlabs/stagehand/internal/store"
)

var (
	// ErrRigBusy means the rig already has an active run; hardware is never
	// shared between concurrent runs.
	ErrRigBusy = errors.New("rig busy")
	// ErrRunNotFound means no registry row exists for the ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotActive means a cancel landed on a run that is not executing.
	ErrRunNotActive = errors.New("run not active")
	// ErrRunActive means a resume landed on a run that is still executing.
	ErrRunActive = errors.New("run still active")
	// ErrNotResumable means the run has nothing left to replay.
	ErrNotResumable = errors.New("run not resumable")
)

// activeRun tracks one executing run so it can be cancelled and awaited.
type activeRun struct {
	runID  string
	rig    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Service owns the run registry and the lifecycle of runs on this process's
// rig: starting, cancelling, resuming, and answering queries about them.
type Service struct {
	db      *gorm.DB
	rig     *rig.Rig
	archive store.Store
	bus     *events.Bus
	logger  zerolog.Logger

	logDir         string
	scratchDir     string
	stepTimeout    time.Duration
	healthInterval time.Duration

	mu     sync.Mutex
	active map[string]*activeRun

	baseCtx context.Context
	stop    context.CancelFunc
}

// New constructs the run service.
func New(cfg *config.Config, db *gorm.DB, rg *rig.Rig, archive store.Store, bus *events.Bus, logger zerolog.Logger) *Service {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		db:             db,
		rig:            rg,
		archive:        archive,
		bus:            bus,
		logger:         logger.With().Str("component", "scheduler").Logger(),
		logDir:         cfg.RunLogDir(),
		scratchDir:     cfg.ScratchDir(),
		stepTimeout:    cfg.StepTimeout,
		healthInterval: 30 * time.Second,
		active:         make(map[string]*activeRun),
		baseCtx:        baseCtx,
		stop:           stop,
	}
}

// StartRun validates the plan, registers the run, and executes it in the
// background. The returned row is pending; watch events or poll GetRun for
// progress.
func (s *Service) StartRun(ctx context.Context, p *plan.Plan) (*models.Run, error) {
	if err := s.prepare(p); err != nil {
		return nil, err
	}
	run, ar, err := s.admit(ctx, p, s.baseCtx)
	if err != nil {
		return nil, err
	}
	go func() {
		defer s.release(ar)
		s.execute(ar.ctx, run, p, 0, time.Time{})
	}()
	return run, nil
}

// RunSync executes a plan inline and returns its terminal summary. The
// caller's context cancels the run at the next suspension point; this is
// the path the CLI takes so Ctrl-C stops a run cleanly.
func (s *Service) RunSync(ctx context.Context, p *plan.Plan) (*RunSummary, error) {
	if err := s.prepare(p); err != nil {
		return nil, err
	}
	run, ar, err := s.admit(ctx, p, ctx)
	if err != nil {
		return nil, err
	}
	defer s.release(ar)
	return s.execute(ar.ctx, run, p, 0, time.Time{})
}

// Cancel stops an executing run at its next suspension point. The run's
// record stays in the registry with everything it completed.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		s.logger.Info().Str("run_id", runID).Msg("cancelling run")
		ar.cancel()
		return nil
	}

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
}

// Resume replays an interrupted run. Recorded ticks are never re-executed:
// the run log names the last durable tick and execution continues at the
// next index, on the original schedule anchor.
func (s *Service) Resume(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.Lock()
	_, isActive := s.active[runID]
	s.mu.Unlock()
	if isActive {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusCompleted {
		return nil, fmt.Errorf("%w: run %s already completed", ErrNotResumable, runID)
	}

	p, err := plan.Parse([]byte(run.PlanJSON))
	if err != nil {
		return nil, fmt.Errorf("decode stored plan: %w", err)
	}
	if err := s.prepare(p); err != nil {
		return nil, err
	}

	startTick := 0
	records, err := runlog.ReadRun(s.logDir, run.ID)
	switch {
	case err == nil && len(records) > 0:
		startTick = records[len(records)-1].TickIndex + 1
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("replay run log: %w", err)
	}

	var anchor time.Time
	if run.StartedAt != nil {
		anchor = *run.StartedAt
	}

	ar, err := s.register(s.baseCtx, run)
	if err != nil {
		return nil, err
	}
	run.AbortStage, run.AbortReason = "", ""

	s.logger.Info().
		Str("run_id", run.ID).
		Int("start_tick", startTick).
		Time("anchor", anchor).
		Msg("resuming run")

	go func() {
		defer s.release(ar)
		s.execute(ar.ctx, run, p, startTick, anchor)
	}()
	return run, nil
}

// GetRun loads one registry row.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.loadRun(ctx, runID)
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Service) ListRuns(ctx context.Context, status models.RunStatus, limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var runs []models.Run
	err := q.Find(&runs).Error
	return runs, err
}

// Records returns every durable tick record for a run, oldest first. A run
// that never reached its first tick has an empty log.
func (s *Service) Records(ctx context.Context, runID string) ([]runlog.TickRecord, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	path := run.LogPath
	if path == "" {
		path = runlog.FilePath(s.logDir, run.ID)
	}
	records, err := runlog.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return []runlog.TickRecord{}, nil
	}
	return records, err
}

// ActiveRunIDs lists runs currently executing in this process.
func (s *Service) ActiveRunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Run emits periodic health snapshots until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("run service started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("run service stopped")
			return ctx.Err()
		case <-ticker.C:
			s.emitHealth()
		}
	}
}

// Shutdown cancels every background run and waits for their terminal
// records to land.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()

	s.mu.Lock()
	waiting := make([]*activeRun, 0, len(s.active))
	for _, ar := range s.active {
		waiting = append(waiting, ar)
	}
	s.mu.Unlock()

	for _, ar := range waiting {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// prepare fills rig-dependent defaults into the plan and validates it as it
// will execute.
func (s *Service) prepare(p *plan.Plan) error {
	if p.Rig == "" {
		p.Rig = s.rig.Name
	}
	if len(p.Cameras) == 0 {
		for _, cam := range s.rig.Cameras {
			p.Cameras = append(p.Cameras, cam.ID())
		}
	}
	if p.Rig != s.rig.Name {
		return fmt.Errorf("%w: plan targets rig %q, this process drives %q", plan.ErrInvalidPlan, p.Rig, s.rig.Name)
	}
	for _, id := range p.Cameras {
		if s.rig.Camera(id) == nil {
			return fmt.Errorf("%w: camera %q not present on rig %s", plan.ErrInvalidPlan, id, s.rig.Name)
		}
	}
	return p.Validate()
}

// admit creates the registry row and reserves the rig for a fresh run.
func (s *Service) admit(ctx context.Context, p *plan.Plan, runParent context.Context) (*models.Run, *activeRun, error) {
	planJSON, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("encode plan: %w", err)
	}
	run := models.NewRun(p.Name, p.Rig, string(planJSON))

	ar, err := s.register(runParent, run)
	if err != nil {
		return nil, nil, err
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		s.release(ar)
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	return run, ar, nil
}

func (s *Service) register(parent context.Context, run *models.Run) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ar := range s.active {
		if ar.rig == run.RigName {
			return nil, fmt.Errorf("%w: run %s holds rig %s", ErrRigBusy, ar.runID, run.RigName)
		}
	}
	ctx, cancel := context.WithCancel(parent)
	ar := &activeRun{
		runID:  run.ID,
		rig:    run.RigName,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[run.ID] = ar
	return ar, nil
}

func (s *Service) release(ar *activeRun) {
	s.mu.Lock()
	delete(s.active, ar.runID)
	s.mu.Unlock()
	ar.cancel()
	close(ar.done)
}

// execute drives one run segment to a terminal state and persists the
// outcome. startTick and runStart are zero for fresh runs.
func (s *Service) execute(ctx context.Context, run *models.Run, p *plan.Plan, startTick int, runStart time.Time) (*RunSummary, error) {
	writer, err := runlog.Open(s.logDir, run.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("run log open failed")
		s.markFailedStart(run, err)
		return nil, err
	}
	defer writer.Close()

	now := time.Now().UTC()
	anchor := runStart
	if anchor.IsZero() {
		anchor = now
	}
	run.Status = models.RunStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = &anchor
	}
	run.LogPath = writer.Path()
	if err := s.db.Save(run).Error; err != nil {
		// The run log on disk stays authoritative; the row catches up when
		// the run finishes.
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to mark run running")
	}

	runner := NewRunner(RunnerConfig{
		RunID:       run.ID,
		Plan:        p,
		Rig:         s.rig,
		Store:       s.archive,
		Log:         writer,
		Bus:         s.bus,
		Logger:      s.logger,
		ScratchDir:  s.scratchDir,
		StepTimeout: s.stepTimeout,
		StartTick:   startTick,
		RunStart:    anchor,
	})
	summary, runErr := runner.Run(ctx)
	s.persistOutcome(run, summary, runErr)
	return summary, runErr
}

// persistOutcome writes the terminal row. It deliberately does not use the
// run context, which is usually cancelled by the time a run ends.
func (s *Service) persistOutcome(run *models.Run, summary *RunSummary, runErr error) {
	now := time.Now().UTC()
	run.EndedAt = &now

	if summary == nil {
		run.Status = models.RunStatusAborted
		if runErr != nil {
			run.AbortReason = runErr.Error()
		}
	} else {
		run.Status = summary.Status
		run.AbortStage = string(summary.AbortStage)
		run.AbortReason = summary.AbortReason
		s.tallyFromLog(run)
		var loss *DataLossError
		if errors.As(runErr, &loss) {
			// The lost tick has no record to tally.
			run.TicksExecuted++
			run.DataLossTicks++
		}
	}

	if err := s.db.Save(run).Error; err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist run outcome")
	}
}

// tallyFromLog recomputes the row's tick counters from the run log so a
// resumed run's row covers every segment, not just the latest one.
func (s *Service) tallyFromLog(run *models.Run) {
	records, err := runlog.Read(run.LogPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("could not tally run log")
		return
	}
	run.TicksExecuted = len(records)
	run.TicksSucceeded = 0
	run.FailedActuator, run.FailedCapture, run.FailedStore = 0, 0, 0
	run.DataLossTicks = 0
	for _, rec := range records {
		if rec.Succeeded() {
			run.TicksSucceeded++
		}
		switch rec.FailedStage {
		case runlog.StageActuator:
			run.FailedActuator++
		case runlog.StageCapture:
			run.FailedCapture++
		case runlog.StageStore:
			run.FailedStore++
		}
		if rec.DataLoss {
			run.DataLossTicks++
		}
	}
}

func (s *Service) markFailedStart(run *models.Run, cause error) {
	now := time.Now().UTC()
	run.Status = models.RunStatusAborted
	run.AbortReason = cause.Error()
	run.EndedAt = &now
	if err := s.db.Save(run).Error; err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist aborted start")
	}
}

func (s *Service) loadRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) emitHealth() {
	ids := s.ActiveRunIDs()
	s.bus.Publish(events.EventHealth, events.Payload{
		"component":   "scheduler",
		"rig":         s.rig.Name,
		"store":       s.archive.Name(),
		"active_runs": len(ids),
		"run_ids":     ids,
	})
}

// SummaryFromRun rebuilds a summary from a persisted registry row, for
// callers that missed the live one.
func SummaryFromRun(run *models.Run) *RunSummary {
	summary := &RunSummary{
		RunID:          run.ID,
		PlanName:       run.Name,
		Rig:            run.RigName,
		Status:         run.Status,
		TicksExecuted:  run.TicksExecuted,
		TicksSucceeded: run.TicksSucceeded,
		DataLossTicks:  run.DataLossTicks,
		AbortStage:     runlog.Stage(run.AbortStage),
		AbortReason:    run.AbortReason,
		LogPath:        run.LogPath,
	}
	if run.StartedAt != nil {
		summary.StartedAt = *run.StartedAt
	}
	if run.EndedAt != nil {
		summary.EndedAt = *run.EndedAt
	}
	if run.FailedActuator+run.FailedCapture+run.FailedStore > 0 {
		summary.FailedByStage = make(map[runlog.Stage]int)
		if run.FailedActuator > 0 {
			summary.FailedByStage[runlog.StageActuator] = run.FailedActuator
		}
		if run.FailedCapture > 0 {
			summary.FailedByStage[runlog.StageCapture] = run.FailedCapture
		}
		if run.FailedStore > 0 {
			summary.FailedByStage[runlog.StageStore] = run.FailedStore
		}
	}
	return summary
}
