/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strings"

	"github.com/friendsincode/reckless_tv/internal/auth"
	"github.com/friendsincode/reckless_tv/internal/lightning"
	"github.com/friendsincode/reckless_tv/internal/models"
)

type nodeUpdateRequest struct {
	Host     string `json:"host"`
	Macaroon string `json:"macaroon"`
	Cert     string `json:"cert"`
}

// nodeResponse deliberately omits the macaroon and certificate. Credentials
// go in, only the derived pubkey ever comes back out.
type nodeResponse struct {
	Pubkey string `json:"pubkey"`
	Host   string `json:"host"`
}

// handleNodeUpdate verifies the submitted node credentials end to end
// before saving them: it connects, creates a probe invoice, and checks the
// invoice decodes back to the node's own identity key.
func (a *API) handleNodeUpdate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req nodeUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" || req.Macaroon == "" {
		writeError(w, http.StatusBadRequest, "host_and_macaroon_required")
		return
	}

	creds := lightning.Credentials{
		Host:        req.Host,
		MacaroonHex: req.Macaroon,
		CertBase64:  req.Cert,
	}
	pubkey, err := a.verifyNode(r, creds)
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("node credential verification failed")
		writeError(w, http.StatusUnprocessableEntity, "node_verification_failed")
		return
	}

	updates := map[string]any{
		"node_pubkey":   pubkey,
		"node_host":     req.Host,
		"node_macaroon": req.Macaroon,
		"node_cert":     req.Cert,
	}
	if err := a.db.WithContext(r.Context()).Model(&models.User{}).
		Where("id = ?", claims.UserID).
		Updates(updates).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, nodeResponse{Pubkey: pubkey, Host: req.Host})
}

// handleNodeVerify re-runs verification against the stored credentials.
func (a *API) handleNodeVerify(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var user models.User
	if err := a.db.WithContext(r.Context()).First(&user, "id = ?", claims.UserID).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if !user.HasNode() {
		writeError(w, http.StatusConflict, "no_node_configured")
		return
	}

	pubkey, err := a.verifyNode(r, lightning.Credentials{
		Host:        user.NodeHost,
		MacaroonHex: user.NodeMacaroon,
		CertBase64:  user.NodeCert,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "node_verification_failed")
		return
	}

	writeJSON(w, http.StatusOK, nodeResponse{Pubkey: pubkey, Host: user.NodeHost})
}

func (a *API) verifyNode(r *http.Request, creds lightning.Credentials) (string, error) {
	conn, err := lightning.Dial(r.Context(), creds)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	return lightning.VerifyCredentials(r.Context(), conn)
}
