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
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/store"
)

var rigCheckCmd = &cobra.Command{
	Use:   "rig-check",
	Short: "Exercise the rig hardware and artifact store once",
	Long: `Home the actuator, move it a token distance and back, capture one
frame from every camera, and verify that the artifact store accepts writes.
Run this before leaving an experiment unattended.

Examples:
  stagehand rig-check`,
	RunE: runRigCheck,
}

func init() {
	rootCmd.AddCommand(rigCheckCmd)
}

func runRigCheck(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// The exec camera driver stages frames under the scratch directory.
	if err := os.MkdirAll(cfg.ScratchDir(), 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	rg, err := rig.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize rig: %w", err)
	}
	defer rg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cameraIDs := make([]string, 0, len(rg.Cameras))
	for _, cam := range rg.Cameras {
		cameraIDs = append(cameraIDs, cam.ID())
	}
	fmt.Printf("Checking rig %s (actuator=%s, cameras=%s)\n",
		rg.Name, cfg.ActuatorDriver, strings.Join(cameraIDs, ","))

	if err := rg.Check(ctx); err != nil {
		return fmt.Errorf("rig check: %w", err)
	}
	fmt.Println("  Actuator: OK")
	fmt.Printf("  Cameras:  OK (%d)\n", len(rg.Cameras))

	archive, err := store.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize artifact store: %w", err)
	}
	if err := archive.CheckAccess(ctx); err != nil {
		return fmt.Errorf("store check: %w", err)
	}
	fmt.Printf("  Store:    OK (%s)\n", archive.Name())

	fmt.Println("Rig check passed")
	return nil
}
