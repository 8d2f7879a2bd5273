// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package upgrade links a guest identity to a wallet identity: both keys sign
// one statement, the thread key is re-wrapped to the wallet and the receipt
// becomes a holder receipt.
package upgrade

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
	"github.com/efchatnet/efthread/backend/syncx"
	"github.com/efchatnet/efthread/backend/wallet"
)

// StatementIntent is the fixed intent of an upgrade statement.
const StatementIntent = "link-guest-to-wallet"

var (
	ErrGuestKeyUnavailable          = errors.New("guest key unavailable")
	ErrWalletUnavailable            = errors.New("wallet unavailable")
	ErrUnableToSignUpgradeStatement = errors.New("unable to sign upgrade statement")
	// ErrInvalidTransition means the stored receipt is burned or left.
	ErrInvalidTransition = errors.New("receipt cannot be upgraded")
)

type Store interface {
	storage.ReceiptStore
	storage.IdentityStore
}

type Coordinator struct {
	store   Store
	wallet  wallet.Wallet
	wrapper keys.KeyWrapper
	keyRing *keys.KeyRing
	locks   *syncx.KeyedMutex
	logger  *zap.Logger
	now     func() time.Time
}

type Config struct {
	Store   Store
	Wallet  wallet.Wallet
	Wrapper keys.KeyWrapper
	// KeyRing, when set, receives the unwrapped thread key in memory.
	KeyRing *keys.KeyRing
	// Locks serialises upgrades with other per-thread operations.
	Locks  *syncx.KeyedMutex
	Logger *zap.Logger
	Now    func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		store:   cfg.Store,
		wallet:  cfg.Wallet,
		wrapper: cfg.Wrapper,
		keyRing: cfg.KeyRing,
		locks:   cfg.Locks,
		logger:  logging.OrNop(cfg.Logger),
		now:     cfg.Now,
	}
	if c.wrapper == nil {
		c.wrapper = keys.ECIES{}
	}
	if c.locks == nil {
		c.locks = syncx.NewKeyedMutex()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Result of Upgrade. RawThreadKey lives only in memory for the caller (for
// example to mint new invites) and is never written to any store.
type Result struct {
	Receipt      *models.JoinReceipt
	Control      *models.ControlPayload
	RawThreadKey []byte
	RawKeyBase64 string
}

// Upgrade links the receipt's guest identity to the wallet. A receipt that is
// already a holder is returned unchanged without any I/O. Otherwise the stored
// receipt is re-read under the thread lock and governs the upgrade; burned or
// left receipts are refused with ErrInvalidTransition.
func (c *Coordinator) Upgrade(ctx context.Context, threadID string, receipt *models.JoinReceipt) (*Result, error) {
	if receipt == nil {
		return nil, fmt.Errorf("upgrade %s: %w", threadID, storage.ErrNotFound)
	}
	if receipt.IdentityKind == models.IdentityHolder {
		return &Result{Receipt: receipt}, nil
	}

	unlock := c.locks.Lock(threadID)
	defer unlock()
	log := c.logger.With(zap.String("thread_id", threadID))

	// The caller's copy may predate a burn, leave or upgrade applied since.
	receipt, err := c.store.GetReceipt(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("upgrade %s: %w", threadID, err)
	}
	if receipt.Status.Terminal() {
		return nil, fmt.Errorf("%w: receipt is %s", ErrInvalidTransition, receipt.Status)
	}
	if receipt.IdentityKind == models.IdentityHolder {
		return &Result{Receipt: receipt}, nil
	}

	if receipt.GuestIdentityID == nil || *receipt.GuestIdentityID == "" {
		return nil, ErrGuestKeyUnavailable
	}
	identity, err := c.store.GetGuestIdentity(ctx, *receipt.GuestIdentityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrGuestKeyUnavailable
		}
		return nil, fmt.Errorf("failed to load guest identity: %w", err)
	}
	guestKey, err := keys.FromHex(identity.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestKeyUnavailable, err)
	}
	defer guestKey.Zero()

	if c.wallet == nil {
		return nil, ErrWalletUnavailable
	}
	walletPub, err := c.wallet.IdentityKey(ctx)
	if err != nil || strings.TrimSpace(walletPub) == "" {
		return nil, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}

	now := c.now().UTC()
	statement := models.UpgradeStatement{
		Intent:       StatementIntent,
		ThreadID:     threadID,
		InviteHash:   receipt.InviteHash,
		GuestPubkey:  guestKey.PublicKeyHex(),
		WalletPubkey: walletPub,
		Timestamp:    now.UnixMilli(),
	}
	digest, err := StatementDigest(statement)
	if err != nil {
		return nil, err
	}

	guestSig, err := guestKey.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: guest key: %v", ErrUnableToSignUpgradeStatement, err)
	}
	walletSig, fallback, err := c.walletSignature(ctx, digest, guestKey, log)
	if err != nil {
		return nil, err
	}

	rawKey, err := c.wrapper.Unwrap(receipt.Wrap, guestKey.PrivateKeyHex())
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap thread key: %w", err)
	}
	newWrap, err := c.wrapper.Wrap(rawKey, walletPub)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap thread key for wallet: %w", err)
	}

	next := receipt.Clone()
	if prior := receipt.HolderPublicKey; prior != "" && prior != walletPub {
		next.PeerWalletPublicKey = prior
	}
	next.IdentityKind = models.IdentityHolder
	next.HolderPublicKey = walletPub
	next.GuestIdentityID = nil
	next.Wrap = newWrap
	next.UpgradedAt = &now
	next.UpdatedAt = now
	next.SupportsLeave = false
	next.UpgradeProof = &models.UpgradeProof{
		Statement:               statement,
		StatementHash:           hex.EncodeToString(digest),
		GuestSignature:          hex.EncodeToString(guestSig),
		WalletSignature:         walletSig.Hex(),
		WalletSignatureFallback: fallback,
	}
	if err := c.store.SaveReceipt(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save upgraded receipt: %w", err)
	}
	if err := c.store.DeleteGuestIdentity(ctx, identity.ID); err != nil {
		log.Warn("failed to delete guest identity after upgrade", zap.Error(err))
	}
	if c.keyRing != nil {
		c.keyRing.Put(threadID, rawKey)
	}

	log.Info("guest identity linked to wallet",
		zap.String("wallet", logging.ShortKey(walletPub)),
		zap.Bool("wallet_signature_fallback", fallback))

	return &Result{
		Receipt: next,
		Control: &models.ControlPayload{
			Action:          models.ControlLink,
			WalletPublicKey: walletPub,
			UpgradedAt:      &now,
		},
		RawThreadKey: rawKey,
		RawKeyBase64: EncodeRawKey(rawKey),
	}, nil
}

// walletSignature asks the wallet to sign digest. When the wallet call fails
// the guest key signs in its place and fallback is true.
func (c *Coordinator) walletSignature(ctx context.Context, digest []byte, guestKey *keys.KeyPair, log *zap.Logger) (wallet.Signature, bool, error) {
	sig, walletErr := c.wallet.Sign(ctx, digest)
	if walletErr == nil && len(sig) > 0 {
		return sig, false, nil
	}
	if walletErr == nil {
		walletErr = errors.New("wallet returned an empty signature")
	}
	log.Warn("wallet signing failed, signing upgrade statement with guest key", zap.Error(walletErr))

	fallback, err := guestKey.Sign(digest)
	if err != nil {
		return nil, false, fmt.Errorf("%w: wallet: %v", ErrUnableToSignUpgradeStatement, walletErr)
	}
	return wallet.Signature(fallback), true, nil
}

// StatementDigest is sha256 over the JSON encoding of the statement.
func StatementDigest(s models.UpgradeStatement) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upgrade statement: %w", err)
	}
	return keys.Digest(raw), nil
}

// VerifyProof checks both signatures of an upgrade proof. A fallback wallet
// signature is checked against the guest key it was made with.
func VerifyProof(p *models.UpgradeProof) (bool, error) {
	if p == nil {
		return false, errors.New("no upgrade proof")
	}
	digest, err := StatementDigest(p.Statement)
	if err != nil {
		return false, err
	}
	guestSig, err := hex.DecodeString(p.GuestSignature)
	if err != nil {
		return false, err
	}
	walletSig, err := hex.DecodeString(p.WalletSignature)
	if err != nil {
		return false, err
	}
	ok, err := keys.Verify(p.Statement.GuestPubkey, digest, guestSig)
	if err != nil || !ok {
		return false, err
	}
	walletSigner := p.Statement.WalletPubkey
	if p.WalletSignatureFallback {
		walletSigner = p.Statement.GuestPubkey
	}
	return keys.Verify(walletSigner, digest, walletSig)
}

// EncodeRawKey renders a raw thread key the way invites and UIs expect it.
func EncodeRawKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
