/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/verdantlabs/stagehand/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.Run{},
		&models.WebhookDelivery{},
		&models.MailLog{},
	); err != nil {
		return err
	}

	if err := normalizeLegacyRunStatuses(database); err != nil {
		return err
	}
	if err := markInterruptedRuns(database); err != nil {
		return err
	}

	return nil
}

// normalizeLegacyRunStatuses rewrites statuses written by pre-release
// builds, which used "error" and "done" before the current vocabulary.
func normalizeLegacyRunStatuses(database *gorm.DB) error {
	if err := database.Exec("UPDATE runs SET status = ? WHERE status = 'error'", models.RunStatusAborted).Error; err != nil {
		return fmt.Errorf("normalize legacy error status: %w", err)
	}
	if err := database.Exec("UPDATE runs SET status = ? WHERE status = 'done'", models.RunStatusCompleted).Error; err != nil {
		return fmt.Errorf("normalize legacy done status: %w", err)
	}
	return nil
}

// markInterruptedRuns flags runs that were in flight when the previous
// process died. They stay cancelled until an operator resumes them.
func markInterruptedRuns(database *gorm.DB) error {
	result := database.Model(&models.Run{}).
		Where("status IN ?", []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}).
		Updates(map[string]any{
			"status":       models.RunStatusCancelled,
			"abort_reason": "process restarted while run was active",
		})
	if result.Error != nil {
		return fmt.Errorf("mark interrupted runs: %w", result.Error)
	}
	return nil
}
