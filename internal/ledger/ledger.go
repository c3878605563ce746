/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ledger persists Lightning invoices issued to viewers. Settlement
// matching is by (payment hash, viewer); multiple unsettled invoices may
// coexist for one (viewer, stream) pair.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/models"
)

// ErrNotFound indicates no matching unsettled invoice exists.
var ErrNotFound = errors.New("ledger: invoice not found")

// Store is the invoice ledger repository.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates the ledger store.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Create persists a new unsettled invoice row.
func (s *Store) Create(ctx context.Context, inv *models.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	inv.Settled = false
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

// FindUnsettled looks up the outstanding invoice for a payment hash within
// one viewer's scope. Settled invoices are not returned, which makes
// settlement replay a natural no-op for callers.
func (s *Store) FindUnsettled(ctx context.Context, rHash, viewerID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).
		Where("r_hash = ? AND user_id = ? AND settled = ?", rHash, viewerID, false).
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find invoice: %w", err)
	}
	return &inv, nil
}

// MarkSettled flips the settled flag on an invoice.
func (s *Store) MarkSettled(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ?", id).
		Update("settled", true)
	if result.Error != nil {
		return fmt.Errorf("mark settled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredUnsettled prunes abandoned invoices whose payment window
// closed before the cutoff. Settled rows are kept as payment history.
func (s *Store) DeleteExpiredUnsettled(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("settled = ? AND expires_at < ?", false, cutoff).
		Delete(&models.Invoice{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune invoices: %w", result.Error)
	}
	return result.RowsAffected, nil
}
