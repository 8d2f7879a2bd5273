// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wallet

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/models"
)

func TestNormalizeSignature(t *testing.T) {
	want := Signature{0x30, 0x01, 0xff}
	for name, in := range map[string]any{
		"signature": want,
		"bytes":     []byte{0x30, 0x01, 0xff},
		"hex":       "3001ff",
		"base64":    base64.StdEncoding.EncodeToString(want),
		"ints":      []int{0x30, 0x01, 0xff},
		"json ints": []any{float64(0x30), float64(1), float64(255)},
		"object":    map[string]any{"signature": "3001ff"},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := NormalizeSignature(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	for name, in := range map[string]any{
		"nil":        nil,
		"empty":      "",
		"bad ints":   []int{256},
		"no field":   map[string]any{"sig": "00"},
		"wrong type": 42,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeSignature(in)
			assert.ErrorIs(t, err, ErrUnsupportedSignature)
		})
	}
}

func TestLocalWallet(t *testing.T) {
	ctx := context.Background()
	w, err := GenerateLocalWallet()
	require.NoError(t, err)

	pub, err := w.IdentityKey(ctx)
	require.NoError(t, err)

	digest := keys.Digest([]byte("x"))
	sig, err := w.Sign(ctx, digest)
	require.NoError(t, err)
	ok, err := keys.Verify(pub, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := w.MintToken(ctx, MintRequest{Kind: TokenDT, ThreadID: "t", Outputs: []TokenOutput{{RecipientPubkey: "a"}, {RecipientPubkey: "b"}}})
	require.NoError(t, err)
	assert.Len(t, res.Txid, 64)
	assert.Equal(t, []int{0, 1}, res.Vouts)
	assert.Len(t, w.Mints(), 1)

	_, err = w.MintToken(ctx, MintRequest{Kind: TokenCT, ThreadID: "t"})
	assert.Error(t, err)

	ct := models.Outpoint{Txid: res.Txid, Vout: 0}
	_, err = w.BurnToken(ctx, BurnRequest{ThreadID: "t", CT: ct})
	require.NoError(t, err)
	_, err = w.BurnToken(ctx, BurnRequest{ThreadID: "t", CT: ct})
	assert.Error(t, err)
}
