/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notifications mails run reports to the addresses a plan names
// once its run reaches a terminal status.
package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/verdantlabs/stagehand/internal/config"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/runlog"
)

// Config holds run report delivery configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

// ConfigFrom extracts the SMTP settings from the app config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUsername: cfg.SMTPUsername,
		SMTPPassword: cfg.SMTPPassword,
		SMTPFrom:     cfg.SMTPFrom,
		SMTPFromName: cfg.SMTPFromName,
	}
}

// Enabled reports whether SMTP delivery is configured at all.
func (c Config) Enabled() bool { return c.SMTPHost != "" }

// Service watches for terminal run events and mails reports.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	config Config
	logger zerolog.Logger

	// send is smtp.SendMail unless a test replaces it.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new notification service.
func NewService(db *gorm.DB, bus *events.Bus, config Config, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		config: config,
		logger: logger.With().Str("component", "notifications").Logger(),
		send:   smtp.SendMail,
	}
}

// Start subscribes to terminal run events and mails reports until ctx ends.
func (s *Service) Start(ctx context.Context) {
	completed := s.bus.Subscribe(events.EventRunCompleted)
	aborted := s.bus.Subscribe(events.EventRunAborted)
	cancelled := s.bus.Subscribe(events.EventRunCancelled)

	defer func() {
		s.bus.Unsubscribe(events.EventRunCompleted, completed)
		s.bus.Unsubscribe(events.EventRunAborted, aborted)
		s.bus.Unsubscribe(events.EventRunCancelled, cancelled)
	}()

	s.logger.Info().Msg("notification service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification service stopping")
			return

		case payload := <-completed:
			s.handleRunFinished(ctx, payload)

		case payload := <-aborted:
			s.handleRunFinished(ctx, payload)

		case payload := <-cancelled:
			s.handleRunFinished(ctx, payload)
		}
	}
}

// handleRunFinished mails the report for one terminal run.
func (s *Service) handleRunFinished(ctx context.Context, payload events.Payload) {
	runID, _ := payload["run_id"].(string)
	if runID == "" {
		return
	}

	run, err := s.loadFinishedRun(ctx, runID)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("failed to load finished run")
		return
	}

	p, err := plan.Parse([]byte(run.PlanJSON))
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("stored plan unreadable")
		return
	}
	if len(p.Emails) == 0 {
		return
	}
	if !s.config.Enabled() {
		s.logger.Warn().Str("run_id", runID).Msg("plan names report recipients but SMTP is not configured")
		return
	}

	first, last := s.archivedBounds(run)
	subject, body := composeReport(run, first, last)
	s.deliver(ctx, run, p.Emails, subject, body)
}

// archivedBounds reads the run's tick log and returns the first and last
// destinations that actually made it to the archive. Both are empty when
// nothing was stored or the log is unreadable.
func (s *Service) archivedBounds(run *models.Run) (first, last string) {
	if run.LogPath == "" {
		return "", ""
	}
	records, err := runlog.Read(run.LogPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("run log unreadable for report")
		return "", ""
	}
	for _, rec := range records {
		for _, a := range rec.Artifacts {
			if first == "" {
				first = a.Destination
			}
			last = a.Destination
		}
	}
	return first, last
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

// composeReport renders the plain-text run report.
func composeReport(run *models.Run, firstFrame, lastFrame string) (subject, body string) {
	subject = fmt.Sprintf("Run %s: %s on %s", run.Status, run.Name, run.RigName)

	b := strings.Builder{}
	fmt.Fprintf(&b, "Run %s finished with status %s.\n\n", run.ID, run.Status)
	fmt.Fprintf(&b, "Plan:      %s\n", run.Name)
	fmt.Fprintf(&b, "Rig:       %s\n", run.RigName)
	if run.StartedAt != nil {
		fmt.Fprintf(&b, "Started:   %s\n", run.StartedAt.Format(time.RFC1123))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:     %s\n", run.EndedAt.Format(time.RFC1123))
		if run.StartedAt != nil {
			fmt.Fprintf(&b, "Duration:  %s\n", run.EndedAt.Sub(*run.StartedAt).Round(time.Second))
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Ticks executed:  %d\n", run.TicksExecuted)
	fmt.Fprintf(&b, "Ticks succeeded: %d\n", run.TicksSucceeded)
	if failed := run.TicksExecuted - run.TicksSucceeded; failed > 0 {
		fmt.Fprintf(&b, "Ticks failed:    %d (actuator %d, capture %d, store %d)\n",
			failed, run.FailedActuator, run.FailedCapture, run.FailedStore)
	}
	if run.DataLossTicks > 0 {
		fmt.Fprintf(&b, "Data loss:       %d ticks captured frames that were never archived\n", run.DataLossTicks)
	}
	if firstFrame != "" {
		fmt.Fprintf(&b, "First frame:     %s\n", firstFrame)
		fmt.Fprintf(&b, "Last frame:      %s\n", lastFrame)
	}
	if run.AbortReason != "" {
		fmt.Fprintf(&b, "\nAborted at %s: %s\n", run.AbortStage, run.AbortReason)
	}
	if run.LogPath != "" {
		fmt.Fprintf(&b, "\nTick log: %s\n", run.LogPath)
	}
	return subject, b.String()
}

// deliver sends the report and records the attempt.
func (s *Service) deliver(ctx context.Context, run *models.Run, recipients []string, subject, body string) {
	entry := &models.MailLog{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		Recipients: strings.Join(recipients, ","),
		Subject:    subject,
		CreatedAt:  time.Now(),
	}

	if err := s.sendEmail(recipients, subject, body); err != nil {
		entry.Error = err.Error()
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to send run report")
	} else {
		s.logger.Info().
			Str("run_id", run.ID).
			Str("to", entry.Recipients).
			Str("subject", subject).
			Msg("run report sent")
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to record mail log")
	}
}

// sendEmail sends one plain-text message to every recipient.
func (s *Service) sendEmail(to []string, subject, body string) error {
	from := s.config.SMTPFrom
	if s.config.SMTPFromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.SMTPFromName, s.config.SMTPFrom)
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	if err := s.send(addr, auth, s.config.SMTPFrom, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}
	return nil
}
