/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks posts run summaries to configured HTTP endpoints when a
// run reaches a terminal status. Targets are deployment configuration, not
// user data; only the delivery attempts are persisted.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/scheduler"
)

// WebhookPayload is the body posted to every configured endpoint.
type WebhookPayload struct {
	Event     string                `json:"event"`
	Timestamp time.Time             `json:"timestamp"`
	Run       *scheduler.RunSummary `json:"run"`
}

// Service posts run summaries to the configured webhook URLs.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	urls   []string
	secret string
	logger zerolog.Logger
	client *http.Client
}

// NewService creates a new webhook service. urls may be empty, in which
// case the service stays idle.
func NewService(db *gorm.DB, bus *events.Bus, urls []string, secret string, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		urls:   urls,
		secret: secret,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether any webhook URLs are configured.
func (s *Service) Enabled() bool { return len(s.urls) > 0 }

// Start subscribes to terminal run events and posts summaries until ctx ends.
func (s *Service) Start(ctx context.Context) {
	completed := s.bus.Subscribe(events.EventRunCompleted)
	aborted := s.bus.Subscribe(events.EventRunAborted)
	cancelled := s.bus.Subscribe(events.EventRunCancelled)

	defer func() {
		s.bus.Unsubscribe(events.EventRunCompleted, completed)
		s.bus.Unsubscribe(events.EventRunAborted, aborted)
		s.bus.Unsubscribe(events.EventRunCancelled, cancelled)
	}()

	s.logger.Info().Int("targets", len(s.urls)).Msg("webhook service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook service stopping")
			return

		case payload := <-completed:
			s.handleRunFinished(ctx, payload, events.EventRunCompleted)

		case payload := <-aborted:
			s.handleRunFinished(ctx, payload, events.EventRunAborted)

		case payload := <-cancelled:
			s.handleRunFinished(ctx, payload, events.EventRunCancelled)
		}
	}
}

// handleRunFinished posts the summary of one terminal run to every target.
func (s *Service) handleRunFinished(ctx context.Context, payload events.Payload, event events.EventType) {
	if len(s.urls) == 0 {
		return
	}

	runID, _ := payload["run_id"].(string)
	if runID == "" {
		return
	}

	run, err := s.loadFinishedRun(ctx, runID)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("failed to load finished run")
		return
	}

	body, err := json.Marshal(WebhookPayload{
		Event:     string(event),
		Timestamp: time.Now().UTC(),
		Run:       scheduler.SummaryFromRun(run),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("failed to marshal webhook payload")
		return
	}

	for _, url := range s.urls {
		go s.deliver(ctx, url, string(event), body)
	}
}

// loadFinishedRun fetches the run row, giving the registry a moment to
// persist the terminal status the event announced.
func (s *Service) loadFinishedRun(ctx context.Context, runID string) (*models.Run, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		var run models.Run
		if err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
			return nil, err
		}
		if run.Status.Terminal() || time.Now().After(deadline) {
			return &run, nil
		}
		select {
		case <-ctx.Done():
			return &run, nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// deliver posts one signed request and records the attempt.
func (s *Service) deliver(ctx context.Context, url, event string, body []byte) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Str("url", url).Msg("failed to create webhook request")
		s.recordDelivery(url, event, body, 0, err.Error(), start)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Stagehand-Webhook/1.0")
	req.Header.Set("X-Stagehand-Event", event)
	req.Header.Set("X-Stagehand-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if s.secret != "" {
		req.Header.Set("X-Stagehand-Signature", signPayload(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Str("url", url).Str("event", event).Msg("webhook delivery failed")
		s.recordDelivery(url, event, body, 0, err.Error(), start)
		return
	}
	defer resp.Body.Close()

	s.recordDelivery(url, event, body, resp.StatusCode, "", start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug().Str("url", url).Str("event", event).Int("status", resp.StatusCode).Msg("webhook delivered")
	} else {
		s.logger.Warn().Str("url", url).Str("event", event).Int("status", resp.StatusCode).Msg("webhook returned error status")
	}
}

// signPayload creates an HMAC-SHA256 signature over the request body.
func signPayload(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// recordDelivery persists one delivery attempt.
func (s *Service) recordDelivery(url, event string, body []byte, statusCode int, errorMsg string, start time.Time) {
	entry := &models.WebhookDelivery{
		ID:         uuid.NewString(),
		URL:        url,
		Event:      event,
		Payload:    string(body),
		StatusCode: statusCode,
		Error:      errorMsg,
		Duration:   int(time.Since(start).Milliseconds()),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.db.Create(entry).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to record webhook delivery")
	}
}
