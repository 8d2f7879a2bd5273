// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package guest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/access"
	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage/memory"
)

var fixedNow = time.Unix(1800000000, 0)

func newAcceptor(store *memory.Store) *Acceptor {
	return NewAcceptor(store, nil, WithClock(func() time.Time { return fixedNow }))
}

func decodedInvite(t *testing.T, mutate func(*models.InvitePayload)) *invite.Decoded {
	t.Helper()
	p := models.InvitePayload{
		ProtocolName:  models.InviteProtocolName,
		Version:       models.InviteVersion,
		Kind:          models.InviteKind,
		ThreadID:      "thread-1",
		Inviter:       "02inviter",
		Policy:        models.PolicyMutual,
		Wrap:          "wrap-blob",
		ExpiresAtUnix: fixedNow.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(&p)
	}
	blob, err := invite.Encode(p)
	require.NoError(t, err)
	dec, err := invite.Decode(blob)
	require.NoError(t, err)
	return dec
}

func TestAcceptWithDerivationHydratesTokens(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	kp, err := keys.Generate()
	require.NoError(t, err)

	dec := decodedInvite(t, func(p *models.InvitePayload) {
		p.GuestKeyDerivation = &models.GuestKeyDerivation{PrivateKeyHex: kp.PrivateKeyHex(), PublicKey: kp.PublicKeyHex()}
		p.Tokens = &models.InviteTokens{
			CT:         &models.Outpoint{Txid: "ct1", Vout: 0},
			DTIssuance: &models.DTIssuance{Txid: "dt1", Outputs: []models.DTOutput{{Vout: models.IntPtr(0)}}},
		}
	})

	got, err := newAcceptor(store).Accept(ctx, dec, "session-1")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyHex(), got.Identity.PublicKeyHex)
	assert.Equal(t, kp.PrivateKeyHex(), got.Identity.PrivateKeyHex)

	r := got.Receipt
	assert.Equal(t, models.StatusReady, r.Status)
	assert.Equal(t, models.IdentityGuest, r.IdentityKind)
	assert.Equal(t, dec.Hash, r.InviteHash)
	assert.True(t, r.SupportsLeave)
	require.Len(t, r.DTIssuances, 1)
	assert.Equal(t, kp.PublicKeyHex(), r.DTIssuances[0].Outputs[0].RecipientPubkey)
	assert.Equal(t, "dt1", r.DTIssuances[0].Outputs[0].Txid)

	stored, err := store.GetReceipt(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, got.Identity.ID, *stored.GuestIdentityID)
	_, err = store.GetGuestIdentity(ctx, got.Identity.ID)
	require.NoError(t, err)

	d := access.Validate("thread-1", kp.PublicKeyHex(), stored)
	assert.True(t, d.HasAccess)
	assert.Equal(t, &models.Outpoint{Txid: "dt1", Vout: 0}, d.DTOutpoint)
}

func TestAcceptWithoutTokensIsPending(t *testing.T) {
	store := memory.NewStore()
	got, err := newAcceptor(store).Accept(context.Background(), decodedInvite(t, nil), "s")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Receipt.Status)
	assert.NotEmpty(t, got.Identity.PublicKeyHex)
	assert.Equal(t, got.Identity.PublicKeyHex, got.Receipt.GuestPublicKey)
	assert.Equal(t, access.ReasonNoCTReference, access.Validate("thread-1", got.Identity.PublicKeyHex, got.Receipt).Reason)
}

func TestAcceptDeclaredKeyIsAuthoritative(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	dec := decodedInvite(t, func(p *models.InvitePayload) {
		p.GuestKeyDerivation = &models.GuestKeyDerivation{PrivateKeyHex: kp.PrivateKeyHex(), PublicKey: "02declared"}
	})

	got, err := newAcceptor(memory.NewStore()).Accept(context.Background(), dec, "s")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyHex(), got.Identity.PublicKeyHex)
	assert.Equal(t, "02declared", got.Receipt.GuestPublicKey)
}

func TestAcceptRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked inviter", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.BlockInviter(ctx, models.BlockedInviter{Pubkey: "02inviter"}))
		_, err := newAcceptor(store).Accept(ctx, decodedInvite(t, nil), "s")
		assert.ErrorIs(t, err, ErrInviterBlocked)

		require.NoError(t, store.UnblockInviter(ctx, "02inviter"))
		_, err = newAcceptor(store).Accept(ctx, decodedInvite(t, nil), "s")
		assert.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		dec := decodedInvite(t, func(p *models.InvitePayload) { p.ExpiresAtUnix = fixedNow.Add(-time.Second).Unix() })
		_, err := newAcceptor(memory.NewStore()).Accept(ctx, dec, "s")
		assert.ErrorIs(t, err, invite.ErrInvalidInvite)
	})

	t.Run("already holder", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveReceipt(ctx, &models.JoinReceipt{ThreadID: "thread-1", IdentityKind: models.IdentityHolder, Status: models.StatusReady}))
		_, err := newAcceptor(store).Accept(ctx, decodedInvite(t, nil), "s")
		assert.ErrorIs(t, err, ErrAlreadyHolder)
	})

	t.Run("burned thread", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveReceipt(ctx, &models.JoinReceipt{
			ThreadID:     "thread-1",
			IdentityKind: models.IdentityGuest,
			Status:       models.StatusBurned,
			CTTxid:       "ct",
			CTVout:       models.IntPtr(0),
			BurnTxid:     "burn-tx",
		}))
		_, err := newAcceptor(store).Accept(ctx, decodedInvite(t, nil), "s")
		require.ErrorIs(t, err, ErrThreadClosed)

		stored, err := store.GetReceipt(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusBurned, stored.Status)
		assert.Empty(t, stored.Wrap)
		assert.Equal(t, access.ReasonCTBurned, access.Validate("thread-1", "", stored).Reason)
	})

	t.Run("left thread", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SaveReceipt(ctx, &models.JoinReceipt{
			ThreadID:     "thread-1",
			IdentityKind: models.IdentityGuest,
			Status:       models.StatusLeft,
		}))
		_, err := newAcceptor(store).Accept(ctx, decodedInvite(t, nil), "s")
		require.ErrorIs(t, err, ErrThreadClosed)

		stored, err := store.GetReceipt(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusLeft, stored.Status)
		assert.Empty(t, stored.Wrap)
	})

	t.Run("bad derivation", func(t *testing.T) {
		dec := decodedInvite(t, func(p *models.InvitePayload) {
			p.GuestKeyDerivation = &models.GuestKeyDerivation{PrivateKeyHex: "nothex"}
		})
		_, err := newAcceptor(memory.NewStore()).Accept(ctx, dec, "s")
		assert.ErrorIs(t, err, invite.ErrInvalidInvite)
	})
}

func TestReacceptReplacesGuestIdentity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	a := newAcceptor(store)

	first, err := a.Accept(ctx, decodedInvite(t, nil), "s")
	require.NoError(t, err)
	second, err := a.Accept(ctx, decodedInvite(t, nil), "s")
	require.NoError(t, err)
	assert.NotEqual(t, first.Identity.ID, second.Identity.ID)

	_, err = store.GetGuestIdentity(ctx, first.Identity.ID)
	assert.Error(t, err)
}
