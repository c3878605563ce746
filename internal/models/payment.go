/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// Invoice records an outstanding or settled Lightning payment request for one
// (viewer, stream) pair. Rows are immutable except for the Settled flip;
// settlement matching is by RHash, never by pair.
type Invoice struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	UserID       string `gorm:"type:uuid;index:idx_invoice_viewer_rhash"`
	LivestreamID string `gorm:"type:uuid;index"`

	PaymentRequest string `gorm:"type:text"`
	RHash          string `gorm:"type:varchar(64);index:idx_invoice_viewer_rhash"`
	AmountSats     int64
	Settled        bool
	ExpiresAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StreamToken is the opaque, time-boxed playback grant for one
// (viewer, stream) pair. At most one row exists per pair; repeat payments
// extend ExpiresAt instead of creating new rows.
type StreamToken struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	UserID       string `gorm:"type:uuid;uniqueIndex:idx_token_viewer_stream"`
	LivestreamID string `gorm:"type:uuid;uniqueIndex:idx_token_viewer_stream"`

	PlaybackToken string
	ExpiresAt     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Valid reports whether the grant has not yet expired. Expiry is advisory
// here; the video-serving layer is the enforcement point.
func (t *StreamToken) Valid(now time.Time) bool {
	return t.ExpiresAt.After(now)
}
