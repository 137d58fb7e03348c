/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// WebhookDelivery records one webhook delivery attempt. Targets come from
// configuration; only the attempts are persisted.
type WebhookDelivery struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	URL        string    `gorm:"type:varchar(512);not null" json:"url"`
	Event      string    `gorm:"type:varchar(64);not null" json:"event"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	StatusCode int       `json:"status_code"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	Duration   int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
