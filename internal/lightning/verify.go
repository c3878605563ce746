/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lightning

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

const verifyMemo = "Reckless.tv test invoice"

// ErrVerify indicates node credentials could not be validated.
var ErrVerify = errors.New("lightning: credential verification failed")

// VerifyCredentials issues a probe invoice on the node and decodes the
// returned BOLT11 payload, confirming that the node both accepts the
// credentials and signs invoices we can attribute to it. Returns the node's
// identity pubkey.
func VerifyCredentials(ctx context.Context, conn NodeConn) (string, error) {
	return verifyWithMemo(ctx, conn, verifyMemo)
}

func verifyWithMemo(ctx context.Context, conn NodeConn, memo string) (string, error) {
	ref, err := conn.AddInvoice(ctx, 0, memo, 60)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerify, err)
	}

	decoded, err := zpay32.Decode(ref.PaymentRequest, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("%w: decode payment request: %v", ErrVerify, err)
	}

	if decoded.Destination == nil {
		return "", fmt.Errorf("%w: payment request carries no payee pubkey", ErrVerify)
	}
	if decoded.Description == nil || *decoded.Description != memo {
		return "", fmt.Errorf("%w: memo did not round-trip through the node", ErrVerify)
	}

	return hex.EncodeToString(decoded.Destination.SerializeCompressed()), nil
}
