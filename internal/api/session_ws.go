/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/reckless_tv/internal/auth"
	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/lightning"
	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/session"
)

// handleSession upgrades to a WebSocket and runs the payment session for
// one viewer on one stream. All entry checks happen before the upgrade so
// failures surface as plain HTTP status codes.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
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

	var owner models.User
	if err := a.db.WithContext(r.Context()).First(&owner, "id = ?", stream.UserID).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if !owner.HasNode() {
		writeError(w, http.StatusConflict, "stream_has_no_node")
		return
	}

	handle, err := a.pool.Acquire(r.Context(), owner.ID, lightning.Credentials{
		Host:        owner.NodeHost,
		MacaroonHex: owner.NodeMacaroon,
		CertBase64:  owner.NodeCert,
	})
	if err != nil {
		a.logger.Error().Err(err).
			Str("stream_id", stream.ID).
			Msg("lightning node connection failed")
		writeError(w, http.StatusBadGateway, "node_unavailable")
		return
	}
	defer handle.Release()

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	a.bus.Publish(events.EventNodeConnected, events.Payload{
		"viewer_id": claims.UserID,
		"stream_id": stream.ID,
	})
	defer a.bus.Publish(events.EventNodeDetached, events.Payload{
		"viewer_id": claims.UserID,
		"stream_id": stream.ID,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := session.New(claims.UserID, *stream, handle, a.ledger, a.tokens, a.bus, a.logger)
	go sess.Run(ctx)

	// Read loop: raw frames go straight to the session, which drops
	// anything malformed.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				a.logger.Debug().Err(err).Msg("websocket read ended")
				return
			}
			sess.Deliver(data)
		}
	}()

	pingTicker := time.NewTicker(session.KeepaliveInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "session ended")
			return

		case <-pingTicker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed, closing session")
				return
			}

		case msg, ok := <-sess.Outbound():
			if !ok {
				conn.Close(ws.StatusNormalClosure, "session ended")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, ws.MessageText, msg)
			writeCancel()
			if err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}
