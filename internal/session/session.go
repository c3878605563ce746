/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session implements the per-viewer payment protocol: token lookup,
// invoice issuance, and settlement-driven grant extension over one
// long-lived bidirectional connection.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/ledger"
	"github.com/friendsincode/reckless_tv/internal/lightning"
	"github.com/friendsincode/reckless_tv/internal/models"
	"github.com/friendsincode/reckless_tv/internal/telemetry"
	"github.com/friendsincode/reckless_tv/internal/token"
)

// Payment bounds and pricing. 50 sats buys one minute; the day pass price
// caps the grant at a flat 24 hours.
const (
	MinPaymentSats = 50
	MaxPaymentSats = 10000

	satsPerMinute   = 50
	DayPassDuration = 24 * time.Hour

	// InvoiceExpirySeconds is the payment window on issued invoices.
	InvoiceExpirySeconds = 300

	// KeepaliveInterval is how often the transport should probe the
	// connection while a session is active.
	KeepaliveInterval = 10 * time.Second

	invoiceMemo = "Reckless.tv stream access"
)

// GrantDuration converts a settled amount into viewing time. Amounts at or
// above the day-pass price grant a flat 24 hours rather than extrapolating
// linearly.
func GrantDuration(amountSats int64) time.Duration {
	if amountSats >= MaxPaymentSats {
		return DayPassDuration
	}
	return time.Duration(amountSats) * time.Minute / satsPerMinute
}

// Client message types.
const (
	msgRequestToken   = "request-token"
	msgRequestPayment = "request-payment"
)

type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type paymentArgs struct {
	Amount int64 `json:"amount"`
}

// TokenPayload is the wire form of a stream token.
type TokenPayload struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

type tokenMessage struct {
	Type string        `json:"type"`
	Data *TokenPayload `json:"data"`
}

type paymentMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// NodeHandle is the session's view of the shared Lightning connection.
// Satisfied by *lightning.Handle.
type NodeHandle interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (lightning.InvoiceRef, error)
	Settlements() <-chan lightning.Settlement
}

// Session is one viewer's connection to one stream. Viewer requests are
// handled in arrival order; settlement events in delivery order.
type Session struct {
	viewerID string
	stream   models.Livestream

	node   NodeHandle
	ledger *ledger.Store
	tokens *token.Store
	bus    *events.Bus
	logger zerolog.Logger

	in  chan clientMessage
	out chan []byte
}

// New creates an active session for an authenticated viewer on an existing
// stream with a connected node handle. Entry-phase checks (authentication,
// stream lookup, node connect) belong to the transport handler.
func New(viewerID string, stream models.Livestream, node NodeHandle, ledgerStore *ledger.Store, tokenStore *token.Store, bus *events.Bus, logger zerolog.Logger) *Session {
	return &Session{
		viewerID: viewerID,
		stream:   stream,
		node:     node,
		ledger:   ledgerStore,
		tokens:   tokenStore,
		bus:      bus,
		logger: logger.With().
			Str("component", "session").
			Str("viewer_id", viewerID).
			Str("stream_id", stream.ID).
			Logger(),
		in:  make(chan clientMessage, 16),
		out: make(chan []byte, 16),
	}
}

// Outbound is the stream of marshaled server messages for the transport to
// deliver. Closed when Run returns.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Deliver parses one raw inbound frame and queues it for handling.
// Malformed frames are logged and dropped without an error reply.
func (s *Session) Deliver(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		s.logger.Warn().Err(err).Msg("dropping malformed client message")
		return
	}

	select {
	case s.in <- msg:
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("inbound queue full, dropping message")
	}
}

// Run drives the session until the context is cancelled or the settlement
// feed is torn down. The viewer's current token (or null) is pushed
// immediately on entry.
func (s *Session) Run(ctx context.Context) {
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()
	defer close(s.out)

	s.pushCurrentToken(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-s.in:
			telemetry.SessionMessagesTotal.WithLabelValues(msg.Type).Inc()
			switch msg.Type {
			case msgRequestToken:
				s.pushCurrentToken(ctx)
			case msgRequestPayment:
				s.handleRequestPayment(ctx, msg.Data)
			default:
				s.logger.Warn().Str("type", msg.Type).Msg("dropping unknown client message")
			}

		case ev, ok := <-s.node.Settlements():
			if !ok {
				return
			}
			s.handleSettlement(ctx, ev)
		}
	}
}

// pushCurrentToken looks up and pushes the viewer's token, or null when
// none exists. Idempotent, no side effects.
func (s *Session) pushCurrentToken(ctx context.Context) {
	tok, err := s.tokens.Find(ctx, s.viewerID, s.stream.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("token lookup failed")
		s.pushError(ctx, "Failed to look up your stream token, please try again")
		return
	}
	s.pushToken(ctx, tok)
}

func (s *Session) handleRequestPayment(ctx context.Context, data json.RawMessage) {
	var args paymentArgs
	if err := json.Unmarshal(data, &args); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed payment request")
		return
	}

	if args.Amount < MinPaymentSats || args.Amount > MaxPaymentSats {
		s.pushError(ctx, "Payment amount must be between 50 and 10000 satoshis")
		return
	}

	ref, err := s.node.CreateInvoice(ctx, args.Amount, invoiceMemo, InvoiceExpirySeconds)
	if err != nil {
		s.logger.Error().Err(err).Int64("amount", args.Amount).Msg("invoice creation failed")
		s.pushError(ctx, "Failed to create an invoice, please try again")
		return
	}

	inv := &models.Invoice{
		UserID:         s.viewerID,
		LivestreamID:   s.stream.ID,
		PaymentRequest: ref.PaymentRequest,
		RHash:          ref.RHash,
		AmountSats:     args.Amount,
		ExpiresAt:      time.Now().Add(InvoiceExpirySeconds * time.Second),
	}
	if err := s.ledger.Create(ctx, inv); err != nil {
		s.logger.Error().Err(err).Str("r_hash", ref.RHash).Msg("invoice persistence failed")
		s.pushError(ctx, "Failed to record your invoice, please try again")
		return
	}

	telemetry.InvoicesIssuedTotal.Inc()
	s.bus.Publish(events.EventInvoiceIssued, events.Payload{
		"viewer_id": s.viewerID,
		"stream_id": s.stream.ID,
		"amount":    args.Amount,
		"r_hash":    ref.RHash,
	})

	s.push(ctx, paymentMessage{Type: "payment", Data: ref.PaymentRequest})
}

// handleSettlement matches one settlement event against the viewer's
// outstanding invoices. Events for other viewers, already-settled invoices,
// or unknown payment hashes are no-ops; replays cannot double-credit.
func (s *Session) handleSettlement(ctx context.Context, ev lightning.Settlement) {
	if !ev.Settled || ev.AmtPaidSats == 0 {
		return
	}

	inv, err := s.ledger.FindUnsettled(ctx, ev.RHash, s.viewerID)
	if err != nil {
		if err != ledger.ErrNotFound {
			s.logger.Error().Err(err).Str("r_hash", ev.RHash).Msg("settlement lookup failed")
		}
		telemetry.SettlementsTotal.WithLabelValues("unmatched").Inc()
		return
	}

	if ev.AmtPaidSats < inv.AmountSats {
		s.logger.Warn().
			Str("r_hash", ev.RHash).
			Int64("paid", ev.AmtPaidSats).
			Int64("expected", inv.AmountSats).
			Msg("underpaid invoice ignored")
		telemetry.SettlementsTotal.WithLabelValues("underpaid").Inc()
		return
	}

	if err := s.ledger.MarkSettled(ctx, inv.ID); err != nil {
		s.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("failed to mark invoice settled")
		return
	}

	duration := GrantDuration(inv.AmountSats)
	tok, err := s.tokens.CreateOrExtend(ctx, s.viewerID, &s.stream, duration)
	if err != nil {
		s.logger.Error().Err(err).Str("invoice_id", inv.ID).Msg("token upsert failed")
		s.pushError(ctx, "Your payment settled but issuing the stream token failed, please reconnect")
		return
	}

	telemetry.SettlementsTotal.WithLabelValues("settled").Inc()
	s.bus.Publish(events.EventInvoiceSettled, events.Payload{
		"viewer_id": s.viewerID,
		"stream_id": s.stream.ID,
		"amount":    inv.AmountSats,
		"r_hash":    ev.RHash,
	})
	s.bus.Publish(events.EventTokenGranted, events.Payload{
		"viewer_id":  s.viewerID,
		"stream_id":  s.stream.ID,
		"expires_at": tok.ExpiresAt,
	})

	s.logger.Info().
		Int64("amount", inv.AmountSats).
		Dur("granted", duration).
		Time("expires_at", tok.ExpiresAt).
		Msg("invoice settled, token granted")

	s.pushToken(ctx, tok)
}

func (s *Session) pushToken(ctx context.Context, tok *models.StreamToken) {
	msg := tokenMessage{Type: "token"}
	if tok != nil {
		msg.Data = &TokenPayload{
			ID:        tok.ID,
			Token:     tok.PlaybackToken,
			ExpiresAt: tok.ExpiresAt,
			CreatedAt: tok.CreatedAt,
		}
	}
	s.push(ctx, msg)
}

func (s *Session) pushError(ctx context.Context, text string) {
	s.push(ctx, errorMessage{Error: text})
}

func (s *Session) push(ctx context.Context, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal outbound message")
		return
	}
	select {
	case s.out <- raw:
	case <-ctx.Done():
	}
}
