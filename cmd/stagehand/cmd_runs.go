/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/stagehand/internal/db"
	"github.com/verdantlabs/stagehand/internal/models"
)

// Runs listing flags
var (
	runsLimit  int
	runsStatus string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List registered runs",
	Long: `List runs from the registry, newest first.

Examples:
  stagehand runs
  stagehand runs --limit 10
  stagehand runs --status aborted`,
	RunE: runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (pending, running, completed, aborted, cancelled)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close(database)

	if runsLimit <= 0 {
		runsLimit = 20
	}
	q := database.Order("created_at DESC").Limit(runsLimit)
	if runsStatus != "" {
		q = q.Where("status = ?", models.RunStatus(runsStatus))
	}

	var runs []models.Run
	if err := q.Find(&runs).Error; err != nil {
		return fmt.Errorf("query runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs registered.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-9s  %-11s  %s\n", "ID", "NAME", "STATUS", "TICKS", "STARTED")
	for _, run := range runs {
		started := "-"
		if run.StartedAt != nil {
			started = run.StartedAt.Format("2006-01-02 15:04:05")
		}
		ticks := fmt.Sprintf("%d/%d", run.TicksSucceeded, run.TicksExecuted)
		name := run.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Printf("%-36s  %-20s  %-9s  %-11s  %s\n", run.ID, name, run.Status, ticks, started)
	}
	return nil
}
