/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit records domain events as queryable history. It is the
// consuming end of the event bus: payment flow, node attachment, and
// stream lifecycle changes all land here.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to domain events and logs them as audit entries. Blocks
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	invoiceIssued := s.bus.Subscribe(events.EventInvoiceIssued)
	invoiceSettled := s.bus.Subscribe(events.EventInvoiceSettled)
	tokenGranted := s.bus.Subscribe(events.EventTokenGranted)
	nodeConnected := s.bus.Subscribe(events.EventNodeConnected)
	nodeDetached := s.bus.Subscribe(events.EventNodeDetached)
	streamCreated := s.bus.Subscribe(events.EventStreamCreated)
	streamDeleted := s.bus.Subscribe(events.EventStreamDeleted)
	streamOffline := s.bus.Subscribe(events.EventStreamOffline)

	defer func() {
		s.bus.Unsubscribe(events.EventInvoiceIssued, invoiceIssued)
		s.bus.Unsubscribe(events.EventInvoiceSettled, invoiceSettled)
		s.bus.Unsubscribe(events.EventTokenGranted, tokenGranted)
		s.bus.Unsubscribe(events.EventNodeConnected, nodeConnected)
		s.bus.Unsubscribe(events.EventNodeDetached, nodeDetached)
		s.bus.Unsubscribe(events.EventStreamCreated, streamCreated)
		s.bus.Unsubscribe(events.EventStreamDeleted, streamDeleted)
		s.bus.Unsubscribe(events.EventStreamOffline, streamOffline)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-invoiceIssued:
			s.logEntry(ctx, models.AuditActionInvoiceIssued, payload)

		case payload := <-invoiceSettled:
			s.logEntry(ctx, models.AuditActionInvoiceSettled, payload)

		case payload := <-tokenGranted:
			s.logEntry(ctx, models.AuditActionTokenGranted, payload)

		case payload := <-nodeConnected:
			s.logEntry(ctx, models.AuditActionNodeConnected, payload)

		case payload := <-nodeDetached:
			s.logEntry(ctx, models.AuditActionNodeDetached, payload)

		case payload := <-streamCreated:
			s.logEntry(ctx, models.AuditActionStreamCreated, payload)

		case payload := <-streamDeleted:
			s.logEntry(ctx, models.AuditActionStreamDeleted, payload)

		case payload := <-streamOffline:
			s.logEntry(ctx, models.AuditActionStreamOffline, payload)
		}
	}
}

// logEntry creates an audit log entry from an event payload.
func (s *Service) logEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Details:   make(map[string]any),
	}

	// Sessions publish the actor as viewer_id, the stream API as user_id.
	if viewerID, ok := payload["viewer_id"].(string); ok && viewerID != "" {
		entry.UserID = &viewerID
	} else if userID, ok := payload["user_id"].(string); ok && userID != "" {
		entry.UserID = &userID
	}

	if streamID, ok := payload["stream_id"].(string); ok && streamID != "" {
		entry.StreamID = &streamID
	}

	for k, v := range payload {
		switch k {
		case "viewer_id", "user_id", "stream_id":
			// Already extracted
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to store audit entry")
	}
}

// Log stores an audit entry.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// Recent returns the latest audit entries, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []models.AuditLog
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
