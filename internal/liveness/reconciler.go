/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package liveness keeps locally cached stream state honest against the
// video provider. The provider is the source of truth; the reconciler only
// ever demotes or removes local rows, it never promotes a stream to live.
package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/ledger"
	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/telemetry"
	"github.com/friendsincode/reckless_tv/internal/video"
)

const (
	// DefaultInterval is how often cached stream state is re-checked.
	DefaultInterval = 20 * time.Second

	pruneInterval = time.Hour

	// invoiceRetention is how long expired unsettled invoices are kept
	// before pruning. Settled invoices are never pruned.
	invoiceRetention = 24 * time.Hour
)

// Provider is the reconciler's view of the broadcast provider.
// Satisfied by *video.Client.
type Provider interface {
	GetStream(ctx context.Context, id string) (*video.Stream, error)
}

// Reconciler periodically compares live-marked streams against the video
// provider and repairs drift.
type Reconciler struct {
	db       *gorm.DB
	provider Provider
	ledger   *ledger.Store
	bus      *events.Bus
	logger   zerolog.Logger
	interval time.Duration

	lastPrune time.Time
}

// NewReconciler creates a reconciler ticking at DefaultInterval.
func NewReconciler(db *gorm.DB, provider Provider, ledgerStore *ledger.Store, bus *events.Bus, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		db:        db,
		provider:  provider,
		ledger:    ledgerStore,
		bus:       bus,
		logger:    logger.With().Str("component", "liveness").Logger(),
		interval:  DefaultInterval,
		lastPrune: time.Now(),
	}
}

// Run drives the reconciliation loop until the context is cancelled. An
// initial pass runs immediately on start.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info().Dur("interval", r.interval).Msg("liveness reconciler started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("liveness reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
			r.maybePruneInvoices(ctx)
		}
	}
}

// tick checks every live-marked stream against the provider. Streams the
// provider no longer knows are deleted; streams that exist but are not
// actively receiving video are marked offline. Provider errors leave the
// row untouched until a later pass.
func (r *Reconciler) tick(ctx context.Context) {
	telemetry.LivenessTicksTotal.Inc()

	var streams []models.Livestream
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusLive).
		Find(&streams).Error; err != nil {
		r.logger.Error().Err(err).Msg("failed to list live streams")
		return
	}

	for _, stream := range streams {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.reconcileStream(ctx, stream)
	}
}

func (r *Reconciler) reconcileStream(ctx context.Context, stream models.Livestream) {
	remote, err := r.provider.GetStream(ctx, stream.ProviderStreamID)
	if errors.Is(err, video.ErrNotFound) {
		if err := r.db.WithContext(ctx).Delete(&models.Livestream{}, "id = ?", stream.ID).Error; err != nil {
			r.logger.Error().Err(err).Str("stream_id", stream.ID).Msg("failed to delete vanished stream")
			return
		}
		telemetry.LivenessRepairsTotal.WithLabelValues("deleted").Inc()
		r.bus.Publish(events.EventStreamDeleted, events.Payload{
			"stream_id": stream.ID,
			"reason":    "provider_unknown",
		})
		r.logger.Info().Str("stream_id", stream.ID).Msg("removed stream unknown to provider")
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("stream_id", stream.ID).Msg("provider check failed, keeping cached state")
		return
	}

	if remote.Status == video.StatusActive {
		return
	}

	if err := r.db.WithContext(ctx).Model(&models.Livestream{}).
		Where("id = ?", stream.ID).
		Update("status", models.StatusOffline).Error; err != nil {
		r.logger.Error().Err(err).Str("stream_id", stream.ID).Msg("failed to mark stream offline")
		return
	}
	telemetry.LivenessRepairsTotal.WithLabelValues("offlined").Inc()
	r.bus.Publish(events.EventStreamOffline, events.Payload{
		"stream_id":       stream.ID,
		"provider_status": remote.Status,
	})
	r.logger.Info().
		Str("stream_id", stream.ID).
		Str("provider_status", remote.Status).
		Msg("marked stream offline")
}

// maybePruneInvoices clears long-expired unsettled invoices at most once
// per pruneInterval so the ledger does not grow without bound.
func (r *Reconciler) maybePruneInvoices(ctx context.Context) {
	if time.Since(r.lastPrune) < pruneInterval {
		return
	}
	r.lastPrune = time.Now()

	removed, err := r.ledger.DeleteExpiredUnsettled(ctx, time.Now().Add(-invoiceRetention))
	if err != nil {
		r.logger.Error().Err(err).Msg("invoice pruning failed")
		return
	}
	if removed > 0 {
		r.logger.Info().Int64("removed", removed).Msg("pruned expired unsettled invoices")
	}
}
