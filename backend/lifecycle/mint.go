// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/wallet"
)

// CTResult is the outcome of MintCT.
type CTResult struct {
	CT       models.Outpoint
	Issuance models.DTIssuance
	MintedAt time.Time
	Receipt  *models.JoinReceipt
}

// MintCT mints the thread's control token and a data token for every known
// recipient, then announces both to peers (mint-dt first, then mint-ct).
// meta may be nil, in which case the stored metadata is used.
func (l *Lifecycle) MintCT(ctx context.Context, threadID string, meta *models.ThreadMetadata) (*CTResult, error) {
	unlock := l.locks.Lock(threadID)
	defer unlock()
	return l.mintCT(ctx, threadID, meta)
}

func (l *Lifecycle) mintCT(ctx context.Context, threadID string, meta *models.ThreadMetadata, extraRecipients ...string) (*CTResult, error) {
	log := l.logger.With(zap.String("thread_id", threadID))
	if _, ok := l.keyRing.Get(threadID); !ok {
		return nil, ErrMissingThreadKey
	}
	receipt, err := l.loadReceipt(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if receipt.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot mint on a %s thread", ErrInvalidTransition, receipt.Status)
	}
	if meta == nil {
		if meta, err = l.loadMetadata(ctx, threadID); err != nil {
			return nil, err
		}
	}
	if l.wallet == nil {
		return nil, errors.New("no wallet configured")
	}
	holder := receipt.HolderPublicKey
	if holder == "" {
		holder = receipt.GuestPublicKey
	}

	ctMint, err := l.wallet.MintToken(ctx, wallet.MintRequest{
		Kind:     wallet.TokenCT,
		ThreadID: threadID,
		Policy:   receipt.Policy,
		Outputs: []wallet.TokenOutput{{
			RecipientPubkey: holder,
			Fields:          [][]byte{[]byte(threadID), []byte(receipt.Policy), []byte(receipt.Wrap)},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint control token: %w", err)
	}
	if len(ctMint.Vouts) == 0 {
		return nil, fmt.Errorf("control token mint %s returned no outputs", ctMint.Txid)
	}
	ct := models.Outpoint{Txid: ctMint.Txid, Vout: ctMint.Vouts[0]}
	now := l.now().UTC()

	meta.ThreadID = threadID
	meta.CTTxid = ct.Txid
	meta.CTVout = models.IntPtr(ct.Vout)
	meta.MintedAt = &now
	meta.UpdatedAt = now
	if meta.Policy == "" {
		meta.Policy = receipt.Policy
	}
	if err := l.store.SaveMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save control token metadata: %w", err)
	}

	receipt.CTTxid = ct.Txid
	receipt.CTVout = models.IntPtr(ct.Vout)
	issuance, err := l.mintDT(ctx, receipt, recipients(receipt, extraRecipients...), now)
	if err != nil {
		return nil, err
	}

	meta.DTIssuances = append(meta.DTIssuances, models.CloneIssuances([]models.DTIssuance{*issuance})...)
	if err := l.store.SaveMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save data token metadata: %w", err)
	}
	if receipt.Status == models.StatusPending {
		if err := transition(receipt, models.StatusReady); err != nil {
			return nil, err
		}
	}
	receipt.UpdatedAt = now
	if err := l.store.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}
	l.updateSummary(ctx, threadID, receipt.Status, now, log)

	l.publish(threadID, models.ControlPayload{Action: models.ControlMintDT, Issuance: issuance, OccurredAt: &now}, log)
	l.publish(threadID, models.ControlPayload{Action: models.ControlMintCT, Txid: ct.Txid, Vout: models.IntPtr(ct.Vout), OccurredAt: &now}, log)

	log.Info("control token minted", zap.String("ct_txid", ct.Txid), zap.Int("ct_vout", ct.Vout), zap.Int("dt_outputs", len(issuance.Outputs)))
	return &CTResult{CT: ct, Issuance: *issuance, MintedAt: now, Receipt: receipt}, nil
}

// mintDT mints one data token per recipient against the receipt's control
// token and appends the issuance to the receipt. The receipt is not saved.
func (l *Lifecycle) mintDT(ctx context.Context, receipt *models.JoinReceipt, to []string, now time.Time) (*models.DTIssuance, error) {
	ct, ok := receipt.CTOutpoint()
	if !ok {
		return nil, ErrNoControlToken
	}
	if len(to) == 0 {
		return nil, errors.New("no data token recipients")
	}
	outputs := make([]wallet.TokenOutput, len(to))
	for i, pub := range to {
		outputs[i] = wallet.TokenOutput{
			RecipientPubkey: pub,
			Fields:          [][]byte{[]byte(receipt.ThreadID), []byte(ct.Txid)},
		}
	}
	res, err := l.wallet.MintToken(ctx, wallet.MintRequest{
		Kind:     wallet.TokenDT,
		ThreadID: receipt.ThreadID,
		Policy:   receipt.Policy,
		CT:       &ct,
		Outputs:  outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint data tokens: %w", err)
	}
	if len(res.Vouts) != len(to) {
		return nil, fmt.Errorf("data token mint %s returned %d outputs, want %d", res.Txid, len(res.Vouts), len(to))
	}

	issuedAt := now
	issuance := &models.DTIssuance{Txid: res.Txid, IssuedAt: &issuedAt}
	for i, pub := range to {
		issuance.Outputs = append(issuance.Outputs, models.DTOutput{
			RecipientPubkey: pub,
			Vout:            models.IntPtr(res.Vouts[i]),
			Txid:            res.Txid,
		})
	}
	receipt.DTIssuances = append(receipt.DTIssuances, *issuance)
	receipt.LastMintTxid = res.Txid
	return issuance, nil
}

// recipients lists the distinct non-empty pubkeys that should hold a data
// token for the receipt's thread.
func recipients(r *models.JoinReceipt, extra ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pub := range append([]string{r.HolderPublicKey, r.GuestPublicKey, r.PeerWalletPublicKey}, extra...) {
		if pub == "" || seen[pub] {
			continue
		}
		seen[pub] = true
		out = append(out, pub)
	}
	return out
}

// InviteRequest describes an invite to issue for an existing thread.
type InviteRequest struct {
	ThreadID string
	// ExpiresIn overrides the configured invite lifetime when non-zero.
	ExpiresIn time.Duration
	Profile   *models.Profile
}

// IssuedInvite is a ready-to-share invite.
type IssuedInvite struct {
	Blob           string
	URL            string
	Payload        models.InvitePayload
	GuestPublicKey string
}

// IssueInvite creates a guest keypair for the invitee, wraps the thread key
// to it and makes sure the guest holds a data token: the first invite of a
// thread mints the control token, later ones only mint a DT.
func (l *Lifecycle) IssueInvite(ctx context.Context, req InviteRequest) (*IssuedInvite, error) {
	unlock := l.locks.Lock(req.ThreadID)
	defer unlock()
	log := l.logger.With(zap.String("thread_id", req.ThreadID))

	rawKey, ok := l.keyRing.Get(req.ThreadID)
	if !ok {
		return nil, ErrMissingThreadKey
	}
	defer wipe(rawKey)
	receipt, err := l.loadReceipt(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if receipt.IdentityKind != models.IdentityHolder {
		return nil, ErrNotHolder
	}
	if receipt.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot invite to a %s thread", ErrInvalidTransition, receipt.Status)
	}

	guestKey, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	defer guestKey.Zero()
	guestPub := guestKey.PublicKeyHex()
	wrap, err := l.wrapper.Wrap(rawKey, guestPub)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap thread key for guest: %w", err)
	}

	var (
		ct       models.Outpoint
		issuance *models.DTIssuance
	)
	if existing, ok := receipt.CTOutpoint(); ok {
		now := l.now().UTC()
		issuance, err = l.mintDT(ctx, receipt, []string{guestPub}, now)
		if err != nil {
			return nil, err
		}
		ct = existing
		receipt.GuestPublicKey = guestPub
		receipt.UpdatedAt = now
		if err := l.store.SaveReceipt(ctx, receipt); err != nil {
			return nil, fmt.Errorf("failed to save receipt: %w", err)
		}
		l.publish(req.ThreadID, models.ControlPayload{Action: models.ControlMintDT, Issuance: issuance, OccurredAt: &now}, log)
	} else {
		res, err := l.mintCT(ctx, req.ThreadID, nil, guestPub)
		if err != nil {
			return nil, err
		}
		ct = res.CT
		issuance = &res.Issuance
		res.Receipt.GuestPublicKey = guestPub
		if err := l.store.SaveReceipt(ctx, res.Receipt); err != nil {
			return nil, fmt.Errorf("failed to save receipt: %w", err)
		}
	}

	var exp int64
	ttl := l.inviteTTL
	if req.ExpiresIn > 0 {
		ttl = req.ExpiresIn
	}
	if ttl > 0 {
		exp = l.now().Add(ttl).Unix()
	}
	payload := models.InvitePayload{
		ProtocolName:       models.InviteProtocolName,
		Version:            models.InviteVersion,
		Kind:               models.InviteKind,
		ThreadID:           req.ThreadID,
		Inviter:            receipt.HolderPublicKey,
		Policy:             receipt.Policy,
		Wrap:               wrap,
		ExpiresAtUnix:      exp,
		GuestKeyDerivation: &models.GuestKeyDerivation{PrivateKeyHex: guestKey.PrivateKeyHex(), PublicKey: guestPub},
		Tokens:             &models.InviteTokens{CT: &ct, DTIssuance: guestIssuance(issuance, guestPub)},
	}
	if req.Profile != nil {
		payload.Meta = &models.InviteMeta{InviterProfile: req.Profile}
	}
	blob, err := invite.Encode(payload)
	if err != nil {
		return nil, err
	}

	log.Info("invite issued", zap.String("guest", logging.ShortKey(guestPub)), zap.Int64("exp", exp))
	return &IssuedInvite{
		Blob:           blob,
		URL:            invite.BuildURL(l.inviteBaseURL, blob),
		Payload:        payload,
		GuestPublicKey: guestPub,
	}, nil
}

// guestIssuance narrows an issuance to the guest's own output.
func guestIssuance(iss *models.DTIssuance, guestPub string) *models.DTIssuance {
	out := models.CloneIssuances([]models.DTIssuance{*iss})[0]
	all := out.Outputs
	out.Outputs = nil
	for _, o := range all {
		if o.RecipientPubkey == guestPub {
			out.Outputs = append(out.Outputs, o)
		}
	}
	return &out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
