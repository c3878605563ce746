/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lightning wraps the streaming gRPC connection to a broadcaster's
// self-hosted lnd node: invoice creation and the settlement event feed.
package lightning

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

var (
	// ErrConnect indicates the node endpoint is unreachable or the
	// credentials were rejected.
	ErrConnect = errors.New("lightning: node connection failed")

	// ErrInvoice indicates invoice creation failed.
	ErrInvoice = errors.New("lightning: invoice creation failed")
)

const connectTimeout = 10 * time.Second

// Credentials identify and authenticate against one user's lnd node.
type Credentials struct {
	Host        string // gRPC endpoint, host:port
	MacaroonHex string // admin/invoice macaroon, hex encoded
	CertBase64  string // TLS certificate, base64 encoded PEM
}

// InvoiceRef is the result of creating an invoice on the node.
type InvoiceRef struct {
	PaymentRequest string // BOLT11 encoded
	RHash          string // payment hash, hex
}

// Settlement is one event from the node's invoice subscription.
type Settlement struct {
	RHash       string
	AmtPaidSats int64
	Settled     bool
}

// SettlementStream is a blocking reader over the node's invoice feed. The
// feed does not replay events missed across a dropped connection.
type SettlementStream interface {
	Recv() (Settlement, error)
}

// NodeConn is an open, verified connection to a Lightning node.
type NodeConn interface {
	Pubkey() string
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (InvoiceRef, error)
	SubscribeSettlements(ctx context.Context) (SettlementStream, error)
	Close() error
}

// DialFunc opens a node connection. The pool takes one so tests can
// substitute fakes.
type DialFunc func(ctx context.Context, creds Credentials) (NodeConn, error)

type grpcNode struct {
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	pubkey string
}

// Dial connects to an lnd node, verifying reachability and credentials with
// an initial GetInfo call.
func Dial(ctx context.Context, creds Credentials) (NodeConn, error) {
	certPEM, err := base64.StdEncoding.DecodeString(creds.CertBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tls cert: %v", ErrConnect, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("%w: tls cert contains no usable certificates", ErrConnect)
	}

	macBytes, err := hex.DecodeString(creds.MacaroonHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode macaroon: %v", ErrConnect, err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("%w: parse macaroon: %v", ErrConnect, err)
	}
	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: macaroon credential: %v", ErrConnect, err)
	}

	conn, err := grpc.NewClient(creds.Host,
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(pool, "")),
		grpc.WithPerRPCCredentials(macCred),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	node := &grpcNode{conn: conn, ln: lnrpc.NewLightningClient(conn)}

	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	info, err := node.ln.GetInfo(probeCtx, &lnrpc.GetInfoRequest{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	node.pubkey = info.IdentityPubkey

	return node, nil
}

func (n *grpcNode) Pubkey() string {
	return n.pubkey
}

func (n *grpcNode) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (InvoiceRef, error) {
	resp, err := n.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Value:  amountSats,
		Memo:   memo,
		Expiry: expirySeconds,
	})
	if err != nil {
		return InvoiceRef{}, fmt.Errorf("%w: %v", ErrInvoice, err)
	}
	return InvoiceRef{
		PaymentRequest: resp.PaymentRequest,
		RHash:          hex.EncodeToString(resp.RHash),
	}, nil
}

func (n *grpcNode) SubscribeSettlements(ctx context.Context) (SettlementStream, error) {
	sub, err := n.ln.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, fmt.Errorf("subscribe invoices: %w", err)
	}
	return &grpcSettlements{sub: sub}, nil
}

func (n *grpcNode) Close() error {
	return n.conn.Close()
}

type grpcSettlements struct {
	sub lnrpc.Lightning_SubscribeInvoicesClient
}

func (s *grpcSettlements) Recv() (Settlement, error) {
	inv, err := s.sub.Recv()
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		RHash:       hex.EncodeToString(inv.RHash),
		AmtPaidSats: inv.AmtPaidSat,
		Settled:     inv.State == lnrpc.Invoice_SETTLED,
	}, nil
}
