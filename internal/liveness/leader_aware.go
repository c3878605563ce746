/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/reckless_tv/internal/leadership"
)

// Election is the slice of leadership.Election the reconciler gating needs.
type Election interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

var _ Election = (*leadership.Election)(nil)

// LeaderAwareReconciler runs the reconciler only while this instance holds
// the leadership lease, so multiple replicas do not fight over the same
// rows or hammer the provider API in parallel.
type LeaderAwareReconciler struct {
	reconciler *Reconciler
	election   Election
	logger     zerolog.Logger

	ctx context.Context

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	running    bool
}

// NewLeaderAware wraps a reconciler with leadership gating.
func NewLeaderAware(reconciler *Reconciler, election Election, logger zerolog.Logger) *LeaderAwareReconciler {
	return &LeaderAwareReconciler{
		reconciler: reconciler,
		election:   election,
		logger:     logger.With().Str("component", "leader_aware_liveness").Logger(),
	}
}

// Start begins the election and monitors leadership transitions.
func (lar *LeaderAwareReconciler) Start(ctx context.Context) error {
	lar.ctx = ctx

	lar.logger.Info().Msg("starting leader-aware liveness reconciler")

	if err := lar.election.Start(ctx); err != nil {
		return err
	}

	go lar.monitorLeadership()
	return nil
}

// Stop halts the reconciler if running and releases leadership.
func (lar *LeaderAwareReconciler) Stop() error {
	lar.logger.Info().Msg("stopping leader-aware liveness reconciler")

	lar.mu.Lock()
	if lar.running && lar.cancelFunc != nil {
		lar.cancelFunc()
		lar.running = false
	}
	lar.mu.Unlock()

	return lar.election.Stop()
}

// IsLeader reports whether this instance currently runs the reconciler.
func (lar *LeaderAwareReconciler) IsLeader() bool {
	return lar.election.IsLeader()
}

func (lar *LeaderAwareReconciler) monitorLeadership() {
	leaderCh := lar.election.LeaderCh()

	if lar.election.IsLeader() {
		lar.startReconciler()
	}

	for {
		select {
		case <-lar.ctx.Done():
			return
		case isLeader := <-leaderCh:
			if isLeader {
				lar.logger.Info().Msg("became leader, starting reconciler")
				lar.startReconciler()
			} else {
				lar.logger.Warn().Msg("lost leadership, stopping reconciler")
				lar.stopReconciler()
			}
		}
	}
}

func (lar *LeaderAwareReconciler) startReconciler() {
	lar.mu.Lock()
	if lar.running {
		lar.mu.Unlock()
		lar.logger.Warn().Msg("reconciler already running")
		return
	}

	ctx, cancel := context.WithCancel(lar.ctx)
	lar.cancelFunc = cancel
	lar.running = true
	lar.mu.Unlock()

	go func() {
		lar.reconciler.Run(ctx)

		lar.mu.Lock()
		lar.running = false
		lar.mu.Unlock()
	}()
}

func (lar *LeaderAwareReconciler) stopReconciler() {
	lar.mu.Lock()
	if !lar.running {
		lar.mu.Unlock()
		return
	}
	if lar.cancelFunc != nil {
		lar.cancelFunc()
		lar.cancelFunc = nil
	}
	lar.mu.Unlock()

	// Give the in-flight tick a moment to observe cancellation.
	time.Sleep(100 * time.Millisecond)

	lar.mu.Lock()
	lar.running = false
	lar.mu.Unlock()
}
