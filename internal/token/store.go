/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package token persists the time-boxed playback grants viewers earn by
// paying. One logical token exists per (viewer, stream) pair; repeat
// payments extend the existing grant instead of creating new rows.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/telemetry"
	"github.com/friendsincode/reckless_tv/internal/video"
)

// PlaybackMinter mints playback credentials for new grants. Satisfied
// by *video.Client.
type PlaybackMinter interface {
	CreatePlaybackID(ctx context.Context, streamID, policy string) (string, error)
}

// Store is the access token repository.
type Store struct {
	db     *gorm.DB
	minter PlaybackMinter
	logger zerolog.Logger
	locks  keyedMutex
}

// NewStore creates the token store.
func NewStore(db *gorm.DB, minter PlaybackMinter, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		minter: minter,
		logger: logger.With().Str("component", "token_store").Logger(),
	}
}

// Find returns the current token for a (viewer, stream) pair, or nil when
// none exists.
func (s *Store) Find(ctx context.Context, viewerID, streamID string) (*models.StreamToken, error) {
	var tok models.StreamToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND livestream_id = ?", viewerID, streamID).
		First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token: %w", err)
	}
	return &tok, nil
}

// CreateOrExtend adds duration to the viewer's existing grant, or mints a
// new one when none exists. Extension is from the current expiry, even when
// that lies in the past: a lapsed token regains no grace period. Calls for
// the same pair serialize on a per-pair lock within the process; across
// replicas, the guarded update and the pair's unique index detect a peer's
// concurrent write and the loop stacks on top of its result instead of
// losing the grant.
func (s *Store) CreateOrExtend(ctx context.Context, viewerID string, stream *models.Livestream, duration time.Duration) (*models.StreamToken, error) {
	unlock := s.locks.lock(viewerID + "/" + stream.ID)
	defer unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		existing, err := s.Find(ctx, viewerID, stream.ID)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			newExpiry := existing.ExpiresAt.Add(duration)
			res := s.db.WithContext(ctx).Model(&models.StreamToken{}).
				Where("id = ? AND expires_at = ?", existing.ID, existing.ExpiresAt).
				Update("expires_at", newExpiry)
			if res.Error != nil {
				return nil, fmt.Errorf("extend token: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Another instance moved the expiry first; re-read and
				// stack on top of its result.
				continue
			}
			existing.ExpiresAt = newExpiry
			telemetry.TokensGrantedTotal.WithLabelValues("extended").Inc()
			s.logger.Debug().
				Str("viewer_id", viewerID).
				Str("stream_id", stream.ID).
				Time("expires_at", existing.ExpiresAt).
				Msg("token extended")
			return existing, nil
		}

		playbackID, err := s.minter.CreatePlaybackID(ctx, stream.ProviderStreamID, video.PolicyPublic)
		if err != nil {
			return nil, fmt.Errorf("mint playback id: %w", err)
		}

		tok := &models.StreamToken{
			ID:            uuid.New().String(),
			UserID:        viewerID,
			LivestreamID:  stream.ID,
			PlaybackToken: playbackID,
			ExpiresAt:     time.Now().Add(duration),
		}
		if err := s.db.WithContext(ctx).Create(tok).Error; err != nil {
			// Another instance may have won the unique-index race; if a
			// row exists now, extend it instead.
			if peer, findErr := s.Find(ctx, viewerID, stream.ID); findErr == nil && peer != nil {
				continue
			}
			return nil, fmt.Errorf("create token: %w", err)
		}
		telemetry.TokensGrantedTotal.WithLabelValues("created").Inc()
		s.logger.Info().
			Str("viewer_id", viewerID).
			Str("stream_id", stream.ID).
			Time("expires_at", tok.ExpiresAt).
			Msg("token created")
		return tok, nil
	}
}

// keyedMutex serializes work per string key. Entries are reference counted
// so the map does not grow with the key space.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
