// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package wallet is the boundary to the external wallet and token layer.
// The core only ever sees the Wallet interface.
package wallet

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/efchatnet/efthread/backend/models"
)

// Signature is the single signature representation used inside the core.
type Signature []byte

func (s Signature) Hex() string { return hex.EncodeToString(s) }

type TokenKind string

const (
	TokenCT TokenKind = "ct"
	TokenDT TokenKind = "dt"
)

// TokenOutput is one output of a mint. Fields are opaque to the wallet.
type TokenOutput struct {
	RecipientPubkey string
	Fields          [][]byte
}

type MintRequest struct {
	Kind     TokenKind
	ThreadID string
	Policy   models.Policy
	// CT is the control token a DT mint references. Unset for CT mints.
	CT      *models.Outpoint
	Outputs []TokenOutput
}

// MintResult carries the txid and one vout per requested output, in order.
type MintResult struct {
	Txid  string
	Vouts []int
}

type BurnRequest struct {
	ThreadID string
	CT       models.Outpoint
}

type Wallet interface {
	IdentityKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, digest []byte) (Signature, error)
	MintToken(ctx context.Context, req MintRequest) (*MintResult, error)
	BurnToken(ctx context.Context, req BurnRequest) (string, error)
}

var ErrUnsupportedSignature = errors.New("unsupported signature format")

// NormalizeSignature collapses the shapes wallets return (hex or base64
// string, byte slice, int slice, or an object with a "signature" field) into a
// Signature.
func NormalizeSignature(v any) (Signature, error) {
	switch sig := v.(type) {
	case Signature:
		return sig, nil
	case []byte:
		return Signature(sig), nil
	case string:
		return decodeSignatureString(sig)
	case []int:
		out := make(Signature, len(sig))
		for i, b := range sig {
			if b < 0 || b > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrUnsupportedSignature, b)
			}
			out[i] = byte(b)
		}
		return out, nil
	case []any:
		out := make(Signature, len(sig))
		for i, x := range sig {
			f, ok := x.(float64)
			if !ok || f < 0 || f > 255 || f != float64(int(f)) {
				return nil, fmt.Errorf("%w: element %d is not a byte", ErrUnsupportedSignature, i)
			}
			out[i] = byte(f)
		}
		return out, nil
	case map[string]any:
		inner, ok := sig["signature"]
		if !ok {
			return nil, fmt.Errorf("%w: object without signature field", ErrUnsupportedSignature)
		}
		return NormalizeSignature(inner)
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedSignature)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedSignature, v)
}

func decodeSignatureString(s string) (Signature, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrUnsupportedSignature)
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: string is neither hex nor base64", ErrUnsupportedSignature)
}
