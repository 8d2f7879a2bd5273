// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

var (
	// ErrInviterBlocked is returned for invites from a locally blocked inviter.
	// Unblocking the inviter makes the same invite acceptable again.
	ErrInviterBlocked = errors.New("inviter is blocked")
	// ErrAlreadyHolder means this device already holds the thread with a
	// wallet identity and cannot demote itself to a guest.
	ErrAlreadyHolder = errors.New("thread already joined as holder")
	// ErrThreadClosed means the local receipt is burned or left. Neither is
	// reversible, so a fresh invite for the same thread is refused.
	ErrThreadClosed = errors.New("thread is closed")
)

// Store is the persistence the acceptor needs.
type Store interface {
	storage.ReceiptStore
	storage.IdentityStore
	IsInviterBlocked(ctx context.Context, pubkey string) (bool, error)
}

type Acceptor struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Acceptor)

func WithClock(now func() time.Time) Option {
	return func(a *Acceptor) { a.now = now }
}

func NewAcceptor(store Store, logger *zap.Logger, opts ...Option) *Acceptor {
	a := &Acceptor{store: store, logger: logging.OrNop(logger), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accepted is the outcome of a successful Accept.
type Accepted struct {
	Identity *models.GuestIdentity
	Receipt  *models.JoinReceipt
}

// Accept turns a decoded invite into a persisted guest identity and join
// receipt. Both are stored before Accept returns.
func (a *Acceptor) Accept(ctx context.Context, dec *invite.Decoded, sessionID string) (*Accepted, error) {
	if dec == nil {
		return nil, invite.Invalid("no invite")
	}
	p := dec.Payload
	if err := invite.Validate(p); err != nil {
		return nil, err
	}
	now := a.now()
	log := a.logger.With(zap.String("thread_id", p.ThreadID), zap.String("inviter", logging.ShortKey(p.Inviter)))

	blocked, err := a.store.IsInviterBlocked(ctx, p.Inviter)
	if err != nil {
		return nil, fmt.Errorf("failed to check block list: %w", err)
	}
	if blocked {
		return nil, ErrInviterBlocked
	}
	if p.ExpiresAtUnix > 0 && now.Unix() >= p.ExpiresAtUnix {
		return nil, invite.Invalid(fmt.Sprintf("invite expired at %d", p.ExpiresAtUnix))
	}

	existing, err := a.store.GetReceipt(ctx, p.ThreadID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	if existing != nil && existing.Status.Terminal() {
		return nil, fmt.Errorf("%w: receipt is %s", ErrThreadClosed, existing.Status)
	}
	if existing != nil && existing.IdentityKind == models.IdentityHolder {
		return nil, ErrAlreadyHolder
	}

	identity, dtPubkey, err := a.resolveIdentity(p, sessionID, now, log)
	if err != nil {
		return nil, err
	}

	receipt := &models.JoinReceipt{
		ThreadID:        p.ThreadID,
		Inviter:         p.Inviter,
		Policy:          p.Policy,
		IdentityKind:    models.IdentityGuest,
		Status:          models.StatusPending,
		Wrap:            p.Wrap,
		InviteHash:      dec.Hash,
		GuestIdentityID: &identity.ID,
		GuestPublicKey:  dtPubkey,
		SupportsLeave:   true,
		JoinedAt:        now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	hasCT, hasDT := hydrateTokens(receipt, p.Tokens, dtPubkey)
	if hasCT && hasDT {
		receipt.Status = models.StatusReady
	} else {
		log.Warn("accepting invite without complete token references",
			zap.Bool("has_ct", hasCT), zap.Bool("has_dt", hasDT))
	}

	if err := a.store.SaveGuestIdentity(ctx, identity); err != nil {
		return nil, fmt.Errorf("failed to save guest identity: %w", err)
	}
	if err := a.store.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}
	if existing != nil && existing.GuestIdentityID != nil && *existing.GuestIdentityID != identity.ID {
		if err := a.store.DeleteGuestIdentity(ctx, *existing.GuestIdentityID); err != nil {
			log.Warn("failed to delete replaced guest identity", zap.Error(err))
		}
	}

	log.Info("invite accepted", zap.String("status", string(receipt.Status)), zap.String("guest", logging.ShortKey(dtPubkey)))
	return &Accepted{Identity: identity, Receipt: receipt}, nil
}

// resolveIdentity returns the guest identity and the pubkey DTs are matched
// against. With an embedded derivation the declared public key is
// authoritative even if it disagrees with the derived one.
func (a *Acceptor) resolveIdentity(p models.InvitePayload, sessionID string, now time.Time, log *zap.Logger) (*models.GuestIdentity, string, error) {
	d := p.GuestKeyDerivation
	if d == nil || strings.TrimSpace(d.PrivateKeyHex) == "" {
		id, err := NewIdentity(sessionID, p.ThreadID, now)
		if err != nil {
			return nil, "", err
		}
		return id, id.PublicKeyHex, nil
	}

	id, err := IdentityFromDerivation(*d, sessionID, p.ThreadID, now)
	if err != nil {
		return nil, "", invite.Invalid(err.Error())
	}
	declared := strings.TrimSpace(d.PublicKey)
	if declared == "" {
		return id, id.PublicKeyHex, nil
	}
	if !strings.EqualFold(declared, id.PublicKeyHex) {
		log.Warn("derived guest key does not match declared key",
			zap.String("derived", logging.ShortKey(id.PublicKeyHex)),
			zap.String("declared", logging.ShortKey(declared)))
	}
	return id, declared, nil
}

// hydrateTokens copies invite token references into the receipt, filling in
// recipient and txid defaults so access validation can match the guest.
func hydrateTokens(r *models.JoinReceipt, tokens *models.InviteTokens, guestPub string) (hasCT, hasDT bool) {
	if tokens == nil {
		return false, false
	}
	if ct := tokens.CT; ct != nil && ct.Txid != "" && ct.Vout >= 0 {
		r.CTTxid = ct.Txid
		r.CTVout = models.IntPtr(ct.Vout)
		hasCT = true
	}
	if tokens.DTIssuance != nil && len(tokens.DTIssuance.Outputs) > 0 {
		iss := models.CloneIssuances([]models.DTIssuance{*tokens.DTIssuance})[0]
		for i := range iss.Outputs {
			if iss.Outputs[i].RecipientPubkey == "" {
				iss.Outputs[i].RecipientPubkey = guestPub
			}
			if iss.Outputs[i].Txid == "" {
				iss.Outputs[i].Txid = iss.Txid
			}
		}
		r.DTIssuances = []models.DTIssuance{iss}
		r.LastMintTxid = iss.Txid
		hasDT = true
	}
	return hasCT, hasDT
}
