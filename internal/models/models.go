package models

import (
	"time"
)

// LivestreamStatus enumerates the locally cached broadcast state.
type LivestreamStatus string

const (
	StatusLive    LivestreamStatus = "live"
	StatusOffline LivestreamStatus = "offline"
)

// User represents an authenticated account. A user may both broadcast and
// watch; broadcasters additionally carry the connection settings for their
// self-hosted Lightning node.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Lightning node settings. These never leave the server process.
	NodePubkey   string `gorm:"type:varchar(66)"`
	NodeHost     string
	NodeMacaroon string `gorm:"type:text"`
	NodeCert     string `gorm:"type:text"`
}

// HasNode reports whether the user has configured a Lightning node.
func (u *User) HasNode() bool {
	return u.NodeHost != "" && u.NodeMacaroon != ""
}

// Livestream is one user's broadcast. Status is cached local truth and is
// reconciled against the video provider by the liveness service.
type Livestream struct {
	ID          string           `gorm:"type:uuid;primaryKey"`
	UserID      string           `gorm:"type:uuid;index"`
	Title       string           `gorm:"type:varchar(64)"`
	Description string           `gorm:"type:text"`
	Status      LivestreamStatus `gorm:"type:varchar(16);index"`

	// Identifiers issued by the video provider. The stream key is only ever
	// shown to the owning user.
	ProviderStreamID   string `gorm:"index"`
	ProviderStreamKey  string
	ProviderPlaybackID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLive reports whether the stream is locally recorded as broadcasting.
func (ls *Livestream) IsLive() bool {
	return ls.Status == StatusLive
}
