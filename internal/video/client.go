/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package video wraps the hosted live-video provider's REST API: stream
// provisioning, status queries and playback credential minting. The provider
// is eventually consistent and occasionally unavailable; callers must not
// treat a single failed call as proof of any particular state.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound indicates the remote stream resource does not exist.
var ErrNotFound = errors.New("video: stream not found")

// Stream statuses reported by the provider.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// PolicyPublic is the playback policy for unsigned playback IDs.
const PolicyPublic = "public"

// Stream is the provider's view of a live stream.
type Stream struct {
	ID         string
	StreamKey  string
	PlaybackID string
	Status     string
}

// Config holds provider API settings.
type Config struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
}

// Client talks to the provider over its REST API.
type Client struct {
	baseURL     string
	tokenID     string
	tokenSecret string
	http        *http.Client
	logger      zerolog.Logger
}

// NewClient creates a provider API client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		tokenID:     cfg.TokenID,
		tokenSecret: cfg.TokenSecret,
		http:        &http.Client{Timeout: 15 * time.Second},
		logger:      logger.With().Str("component", "video").Logger(),
	}
}

type apiStream struct {
	ID          string `json:"id"`
	StreamKey   string `json:"stream_key"`
	Status      string `json:"status"`
	PlaybackIDs []struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	} `json:"playback_ids"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// CreateStream provisions a new live stream with the given playback policy.
func (c *Client) CreateStream(ctx context.Context, policy string) (*Stream, error) {
	body := map[string]any{
		"playback_policy": []string{policy},
		"new_asset_settings": map[string]any{
			"playback_policy": []string{policy},
		},
	}

	var out apiStream
	if err := c.do(ctx, http.MethodPost, "/video/v1/live-streams", body, &out); err != nil {
		return nil, err
	}
	return toStream(out), nil
}

// GetStream fetches the current state of a stream. Returns ErrNotFound when
// the remote resource no longer exists.
func (c *Client) GetStream(ctx context.Context, id string) (*Stream, error) {
	var out apiStream
	if err := c.do(ctx, http.MethodGet, "/video/v1/live-streams/"+id, nil, &out); err != nil {
		return nil, err
	}
	return toStream(out), nil
}

// DeleteStream removes a stream from the provider. Deleting an already
// removed stream returns ErrNotFound.
func (c *Client) DeleteStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/video/v1/live-streams/"+id, nil, nil)
}

// CreatePlaybackID mints a fresh playback credential scoped to the stream.
func (c *Client) CreatePlaybackID(ctx context.Context, streamID, policy string) (string, error) {
	var out struct {
		ID     string `json:"id"`
		Policy string `json:"policy"`
	}
	body := map[string]any{"policy": policy}
	if err := c.do(ctx, http.MethodPost, "/video/v1/live-streams/"+streamID+"/playback-ids", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.tokenID, c.tokenSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func toStream(in apiStream) *Stream {
	s := &Stream{
		ID:        in.ID,
		StreamKey: in.StreamKey,
		Status:    in.Status,
	}
	if len(in.PlaybackIDs) > 0 {
		s.PlaybackID = in.PlaybackIDs[0].ID
	}
	return s
}
