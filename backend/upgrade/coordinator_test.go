// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package upgrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage/memory"
	"github.com/efchatnet/efthread/backend/wallet"
)

// failingSigner wraps a LocalWallet and fails Sign a fixed number of times.
type failingSigner struct {
	*wallet.LocalWallet
	failures int
	calls    int
}

func (f *failingSigner) Sign(ctx context.Context, digest []byte) (wallet.Signature, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("user rejected signing request")
	}
	return f.LocalWallet.Sign(ctx, digest)
}

// countingStore records whether any storage method was reached.
type countingStore struct {
	*memory.Store
	calls int
}

func (c *countingStore) GetGuestIdentity(ctx context.Context, id string) (*models.GuestIdentity, error) {
	c.calls++
	return c.Store.GetGuestIdentity(ctx, id)
}

func (c *countingStore) SaveReceipt(ctx context.Context, r *models.JoinReceipt) error {
	c.calls++
	return c.Store.SaveReceipt(ctx, r)
}

type fixture struct {
	store    *memory.Store
	guest    *keys.KeyPair
	identity *models.GuestIdentity
	receipt  *models.JoinReceipt
	rawKey   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	guestKey, err := keys.Generate()
	require.NoError(t, err)
	rawKey, err := keys.NewThreadKey()
	require.NoError(t, err)
	wrap, err := keys.ECIES{}.Wrap(rawKey, guestKey.PublicKeyHex())
	require.NoError(t, err)

	identity := &models.GuestIdentity{ID: "guest-1", ThreadID: "thread-1", PrivateKeyHex: guestKey.PrivateKeyHex(), PublicKeyHex: guestKey.PublicKeyHex()}
	require.NoError(t, store.SaveGuestIdentity(ctx, identity))

	gid := identity.ID
	receipt := &models.JoinReceipt{
		ThreadID:        "thread-1",
		Inviter:         "02inviter",
		Policy:          models.PolicyMutual,
		IdentityKind:    models.IdentityGuest,
		Status:          models.StatusReady,
		Wrap:            wrap,
		InviteHash:      "abc123",
		GuestIdentityID: &gid,
		GuestPublicKey:  guestKey.PublicKeyHex(),
		SupportsLeave:   true,
	}
	require.NoError(t, store.SaveReceipt(ctx, receipt))
	return &fixture{store: store, guest: guestKey, identity: identity, receipt: receipt, rawKey: rawKey}
}

func TestUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)
	ring := keys.NewKeyRing()
	now := time.Unix(1800000000, 0).UTC()

	c := NewCoordinator(Config{Store: f.store, Wallet: w, KeyRing: ring, Now: func() time.Time { return now }})
	res, err := c.Upgrade(ctx, "thread-1", f.receipt)
	require.NoError(t, err)

	r := res.Receipt
	walletPub := w.Key().PublicKeyHex()
	assert.Equal(t, models.IdentityHolder, r.IdentityKind)
	assert.Equal(t, walletPub, r.HolderPublicKey)
	assert.Nil(t, r.GuestIdentityID)
	assert.False(t, r.SupportsLeave)
	assert.Equal(t, &now, r.UpgradedAt)
	assert.Equal(t, f.rawKey, res.RawThreadKey)
	assert.Equal(t, EncodeRawKey(f.rawKey), res.RawKeyBase64)

	unwrapped, err := keys.ECIES{}.Unwrap(r.Wrap, w.Key().PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, f.rawKey, unwrapped)

	require.NotNil(t, r.UpgradeProof)
	st := r.UpgradeProof.Statement
	assert.Equal(t, StatementIntent, st.Intent)
	assert.Equal(t, "abc123", st.InviteHash)
	assert.Equal(t, f.guest.PublicKeyHex(), st.GuestPubkey)
	assert.Equal(t, walletPub, st.WalletPubkey)
	assert.False(t, r.UpgradeProof.WalletSignatureFallback)
	ok, err := VerifyProof(r.UpgradeProof)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.ControlLink, res.Control.Action)
	assert.Equal(t, walletPub, res.Control.WalletPublicKey)

	stored, err := f.store.GetReceipt(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityHolder, stored.IdentityKind)
	assert.Equal(t, r.Wrap, stored.Wrap)
	assert.Nil(t, stored.GuestIdentityID)

	_, err = f.store.GetGuestIdentity(ctx, f.identity.ID)
	assert.Error(t, err)

	inRing, ok := ring.Get("thread-1")
	require.True(t, ok)
	assert.Equal(t, f.rawKey, inRing)
}

func TestUpgradeFallbackSignature(t *testing.T) {
	f := newFixture(t)
	lw, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)
	w := &failingSigner{LocalWallet: lw, failures: 1}

	res, err := NewCoordinator(Config{Store: f.store, Wallet: w}).Upgrade(context.Background(), "thread-1", f.receipt)
	require.NoError(t, err)

	proof := res.Receipt.UpgradeProof
	assert.True(t, proof.WalletSignatureFallback)
	assert.Equal(t, proof.GuestSignature, proof.WalletSignature)
	ok, err := VerifyProof(proof)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpgradeHolderIsNoop(t *testing.T) {
	store := &countingStore{Store: memory.NewStore()}
	holder := &models.JoinReceipt{ThreadID: "thread-1", IdentityKind: models.IdentityHolder, HolderPublicKey: "02h"}

	res, err := NewCoordinator(Config{Store: store}).Upgrade(context.Background(), "thread-1", holder)
	require.NoError(t, err)
	assert.Same(t, holder, res.Receipt)
	assert.Nil(t, res.Control)
	assert.Zero(t, store.calls)
}

func TestUpgradeFailures(t *testing.T) {
	ctx := context.Background()
	lw, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)

	t.Run("missing guest identity", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.DeleteGuestIdentity(ctx, f.identity.ID))
		_, err := NewCoordinator(Config{Store: f.store, Wallet: lw}).Upgrade(ctx, "thread-1", f.receipt)
		assert.ErrorIs(t, err, ErrGuestKeyUnavailable)
	})

	t.Run("no guest id on receipt", func(t *testing.T) {
		f := newFixture(t)
		f.receipt.GuestIdentityID = nil
		require.NoError(t, f.store.SaveReceipt(ctx, f.receipt))
		_, err := NewCoordinator(Config{Store: f.store, Wallet: lw}).Upgrade(ctx, "thread-1", f.receipt)
		assert.ErrorIs(t, err, ErrGuestKeyUnavailable)
	})

	t.Run("no wallet", func(t *testing.T) {
		f := newFixture(t)
		_, err := NewCoordinator(Config{Store: f.store}).Upgrade(ctx, "thread-1", f.receipt)
		assert.ErrorIs(t, err, ErrWalletUnavailable)

		stored, err := f.store.GetReceipt(ctx, "thread-1")
		require.NoError(t, err)
		assert.Equal(t, models.IdentityGuest, stored.IdentityKind)
	})
}

func TestUpgradeRecordsPriorHolderAsPeer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.receipt.HolderPublicKey = "02previous"
	require.NoError(t, f.store.SaveReceipt(ctx, f.receipt))
	lw, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)

	res, err := NewCoordinator(Config{Store: f.store, Wallet: lw}).Upgrade(ctx, "thread-1", f.receipt)
	require.NoError(t, err)
	assert.Equal(t, "02previous", res.Receipt.PeerWalletPublicKey)
}

func TestUpgradeRefusesClosedReceipt(t *testing.T) {
	ctx := context.Background()
	lw, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)

	for _, status := range []models.ReceiptStatus{models.StatusBurned, models.StatusLeft} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			closed := f.receipt.Clone()
			closed.Status = status
			closed.Wrap = ""
			require.NoError(t, f.store.SaveReceipt(ctx, closed))
			ring := keys.NewKeyRing()

			// f.receipt is the stale ready copy read before the close.
			_, err := NewCoordinator(Config{Store: f.store, Wallet: lw, KeyRing: ring}).Upgrade(ctx, "thread-1", f.receipt)
			require.ErrorIs(t, err, ErrInvalidTransition)

			stored, err := f.store.GetReceipt(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			assert.Equal(t, models.IdentityGuest, stored.IdentityKind)
			assert.Empty(t, stored.Wrap)
			assert.Nil(t, stored.UpgradeProof)
			_, ok := ring.Get("thread-1")
			assert.False(t, ok)
			_, err = f.store.GetGuestIdentity(ctx, f.identity.ID)
			assert.NoError(t, err, "guest identity is kept for a refused upgrade")
		})
	}
}

func TestUpgradeStaleGuestCopyAfterUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lw, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)
	c := NewCoordinator(Config{Store: f.store, Wallet: lw})

	first, err := c.Upgrade(ctx, "thread-1", f.receipt)
	require.NoError(t, err)
	require.NotNil(t, first.Control)

	second, err := c.Upgrade(ctx, "thread-1", f.receipt)
	require.NoError(t, err)
	assert.Nil(t, second.Control, "no second link control")
	assert.Equal(t, models.IdentityHolder, second.Receipt.IdentityKind)
	assert.Equal(t, first.Receipt.UpgradeProof, second.Receipt.UpgradeProof)
}
