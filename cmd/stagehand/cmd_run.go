/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/stagehand/internal/db"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/runlog"
	"github.com/verdantlabs/stagehand/internal/scheduler"
	"github.com/verdantlabs/stagehand/internal/store"
)

// Run flags
var (
	runPlanPath  string
	runRigDriver string
	runResumeID  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one experiment run to completion",
	Long: `Execute a plan file inline and print the run summary when it ends.
Ctrl-C cancels the run at the next tick boundary; everything captured so far
stays in the run log and the registry.

Exit code is 0 when the run completes, 1 otherwise.

Examples:
  stagehand run --plan overnight.yaml
  stagehand run --plan overnight.yaml --rig sim
  stagehand run --resume 3f1c9a52-7a90-4a1e-b2f7-1d437e5a6c14`,
	RunE: runRun,
}

var validatePlanPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a plan file without touching hardware",
	Long: `Parse and validate a plan file, reporting every violation at once.
Nothing is executed and no configuration is required.

Examples:
  stagehand validate --plan overnight.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "Path to the plan file (required unless --resume)")
	runCmd.Flags().StringVar(&runRigDriver, "rig", "", "Override the rig driver: sim or zaber")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "Resume an interrupted run by ID instead of starting fresh")

	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validatePlanPath, "plan", "", "Path to the plan file (required)")
	validateCmd.MarkFlagRequired("plan")
}

func runRun(cmd *cobra.Command, args []string) error {
	if runPlanPath == "" && runResumeID == "" {
		return fmt.Errorf("either --plan or --resume is required")
	}

	if err := loadConfig(); err != nil {
		return err
	}

	// --rig sim forces the whole rig to simulation so plans can dry-run on any
	// machine; --rig zaber only swaps the actuator.
	switch runRigDriver {
	case "":
	case "sim":
		cfg.ActuatorDriver, cfg.CameraDriver = "sim", "sim"
	case "zaber":
		cfg.ActuatorDriver = "zaber"
	default:
		return fmt.Errorf("unknown rig driver %q (want sim or zaber)", runRigDriver)
	}
	if cfg.ActuatorDriver == "zaber" && cfg.ZaberAddr == "" {
		return fmt.Errorf("STAGEHAND_ZABER_ADDR must be set to run with the zaber driver")
	}

	// Create the data tree first: the default sqlite DSN lives under DataDir.
	for _, dir := range []string{cfg.RunLogDir(), cfg.ScratchDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rg, err := rig.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize rig: %w", err)
	}
	defer rg.Close()

	archive, err := store.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize artifact store: %w", err)
	}

	sched := scheduler.New(cfg, database, rg, archive, events.NewBus(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var summary *scheduler.RunSummary
	if runResumeID != "" {
		summary, err = resumeAndWait(ctx, sched, runResumeID)
		if err != nil {
			return err
		}
	} else {
		p, err := plan.Load(runPlanPath)
		if err != nil {
			return err
		}
		summary, err = sched.RunSync(ctx, p)
		if summary == nil {
			// The run never started; nothing to summarize.
			return err
		}
	}

	printSummary(summary)
	if summary.Status != models.RunStatusCompleted {
		return fmt.Errorf("run ended %s", summary.Status)
	}
	return nil
}

// resumeAndWait replays an interrupted run in the background and polls the
// registry until it lands. An operator interrupt cancels the run and still
// waits for its terminal record.
func resumeAndWait(ctx context.Context, sched *scheduler.Service, runID string) (*scheduler.RunSummary, error) {
	run, err := sched.Resume(ctx, runID)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Resuming run %s (%s)\n", run.ID, run.Name)

	interrupted := ctx.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-interrupted:
			interrupted = nil
			fmt.Println("Interrupt received, stopping run...")
			stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			err := sched.Shutdown(stopCtx)
			stop()
			if err != nil {
				return nil, fmt.Errorf("wait for run to stop: %w", err)
			}
		case <-ticker.C:
		}

		current, err := sched.GetRun(context.Background(), run.ID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return scheduler.SummaryFromRun(current), nil
		}
	}
}

func printSummary(s *scheduler.RunSummary) {
	fmt.Printf("\nRun %s %s\n", s.RunID, s.Status)
	fmt.Printf("  Plan:            %s\n", s.PlanName)
	fmt.Printf("  Rig:             %s\n", s.Rig)
	if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
		fmt.Printf("  Duration:        %s\n", s.EndedAt.Sub(s.StartedAt).Round(time.Second))
	}
	fmt.Printf("  Ticks executed:  %d\n", s.TicksExecuted)
	fmt.Printf("  Ticks succeeded: %d\n", s.TicksSucceeded)
	if len(s.FailedByStage) > 0 {
		stages := make([]string, 0, len(s.FailedByStage))
		for stage := range s.FailedByStage {
			stages = append(stages, string(stage))
		}
		sort.Strings(stages)
		for _, stage := range stages {
			fmt.Printf("  Failed %-9s %d\n", stage+":", s.FailedByStage[runlog.Stage(stage)])
		}
	}
	if s.DataLossTicks > 0 {
		fmt.Printf("  Data loss ticks: %d\n", s.DataLossTicks)
	}
	if s.ResumedFrom > 0 {
		fmt.Printf("  Resumed from:    tick %d\n", s.ResumedFrom)
	}
	if s.AbortStage != "" {
		fmt.Printf("  Abort stage:     %s\n", s.AbortStage)
	}
	if s.AbortReason != "" {
		fmt.Printf("  Abort reason:    %s\n", s.AbortReason)
	}
	if s.LogPath != "" {
		fmt.Printf("  Log:             %s\n", s.LogPath)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(validatePlanPath)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	seq := p.PositionSequence()
	fmt.Printf("Plan %q is valid\n", p.Name)
	fmt.Printf("  Positions: %d\n", len(seq))
	fmt.Printf("  Interval:  %s\n", p.Interval)
	if p.TotalTicks > 0 {
		fmt.Printf("  Ticks:     %d\n", p.TotalTicks)
	} else {
		fmt.Printf("  Ends at:   %s\n", p.EndTime.Format(time.RFC3339))
	}
	if len(p.Cameras) > 0 {
		fmt.Printf("  Cameras:   %d (%d frame(s) each per tick)\n", len(p.Cameras), p.Frames())
	}
	return nil
}
