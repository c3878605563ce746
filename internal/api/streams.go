/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/auth"
	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/video"
)

const (
	maxTitleLen       = 40
	maxDescriptionLen = 80
)

type createStreamRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// streamResponse is the public view of a stream. The stream key is only
// filled in for the owning user.
type streamResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	PlaybackID  string    `json:"playbackId"`
	StreamKey   string    `json:"streamKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toStreamResponse(stream *models.Livestream, includeKey bool) streamResponse {
	resp := streamResponse{
		ID:          stream.ID,
		UserID:      stream.UserID,
		Title:       stream.Title,
		Description: stream.Description,
		Status:      string(stream.Status),
		PlaybackID:  stream.ProviderPlaybackID,
		CreatedAt:   stream.CreatedAt,
	}
	if includeKey {
		resp.StreamKey = stream.ProviderStreamKey
	}
	return resp
}

func (a *API) handleStreamsList(w http.ResponseWriter, r *http.Request) {
	var streams []models.Livestream
	if err := a.db.WithContext(r.Context()).
		Where("status = ?", models.StatusLive).
		Order("created_at DESC").
		Find(&streams).Error; err != nil {
		a.logger.Error().Err(err).Msg("failed to list streams")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	resp := make([]streamResponse, 0, len(streams))
	for i := range streams {
		resp = append(resp, toStreamResponse(&streams[i], false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStreamsCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || len(req.Title) > maxTitleLen {
		writeError(w, http.StatusBadRequest, "invalid_title")
		return
	}
	if len(req.Description) > maxDescriptionLen {
		writeError(w, http.StatusBadRequest, "invalid_description")
		return
	}

	var liveCount int64
	if err := a.db.WithContext(r.Context()).Model(&models.Livestream{}).
		Where("user_id = ? AND status = ?", claims.UserID, models.StatusLive).
		Count(&liveCount).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if liveCount > 0 {
		writeError(w, http.StatusConflict, "stream_already_live")
		return
	}

	provisioned, err := a.video.CreateStream(r.Context(), video.PolicyPublic)
	if err != nil {
		a.logger.Error().Err(err).Msg("provider stream provisioning failed")
		writeError(w, http.StatusBadGateway, "provider_error")
		return
	}

	stream := models.Livestream{
		ID:                 uuid.NewString(),
		UserID:             claims.UserID,
		Title:              req.Title,
		Description:        req.Description,
		Status:             models.StatusLive,
		ProviderStreamID:   provisioned.ID,
		ProviderStreamKey:  provisioned.StreamKey,
		ProviderPlaybackID: provisioned.PlaybackID,
	}
	if err := a.db.WithContext(r.Context()).Create(&stream).Error; err != nil {
		a.logger.Error().Err(err).Str("provider_stream_id", provisioned.ID).Msg("failed to persist stream")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventStreamCreated, events.Payload{
		"stream_id": stream.ID,
		"user_id":   claims.UserID,
	})

	writeJSON(w, http.StatusCreated, toStreamResponse(&stream, true))
}

func (a *API) handleStreamsGet(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stream, err := a.loadStream(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "stream_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, toStreamResponse(stream, stream.UserID == claims.UserID))
}

func (a *API) handleStreamsDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stream, err := a.loadStream(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "stream_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if stream.UserID != claims.UserID {
		writeError(w, http.StatusForbidden, "not_stream_owner")
		return
	}

	if err := a.video.DeleteStream(r.Context(), stream.ProviderStreamID); err != nil && !errors.Is(err, video.ErrNotFound) {
		a.logger.Error().Err(err).Str("stream_id", stream.ID).Msg("provider stream deletion failed")
		writeError(w, http.StatusBadGateway, "provider_error")
		return
	}

	if err := a.db.WithContext(r.Context()).Delete(&models.Livestream{}, "id = ?", stream.ID).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.bus.Publish(events.EventStreamDeleted, events.Payload{
		"stream_id": stream.ID,
		"user_id":   claims.UserID,
		"reason":    "owner_request",
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) loadStream(r *http.Request) (*models.Livestream, error) {
	streamID := chi.URLParam(r, "streamID")
	var stream models.Livestream
	if err := a.db.WithContext(r.Context()).First(&stream, "id = ?", streamID).Error; err != nil {
		return nil, err
	}
	return &stream, nil
}
