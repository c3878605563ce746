/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"
)

type eventResponse struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	UserID    *string        `json:"userId,omitempty"`
	StreamID  *string        `json:"streamId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleEventsList returns recent domain events, newest first.
func (a *API) handleEventsList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := a.audit.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list events")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]eventResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, eventResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Action:    string(e.Action),
			UserID:    e.UserID,
			StreamID:  e.StreamID,
			Details:   e.Details,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
