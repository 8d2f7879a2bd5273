// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package lifecycle drives the on-chain side of a thread: control token
// mint and burn, data token issuance, invites, and the local-only leave and
// block transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
	"github.com/efchatnet/efthread/backend/syncx"
	"github.com/efchatnet/efthread/backend/wallet"
)

// BurnedBySelf marks a burn performed by this device.
const BurnedBySelf = "self"

// BurnedByPeer marks a burn learned from a peer's control envelope that did
// not name an actor.
const BurnedByPeer = "peer"

var (
	// ErrMissingThreadKey is returned when a mint needs the raw thread key
	// and none is held in memory.
	ErrMissingThreadKey  = errors.New("missing thread key")
	ErrInvalidTransition = errors.New("invalid receipt status transition")
	ErrLeaveUnsupported  = errors.New("receipt does not support leave")
	ErrNoControlToken    = errors.New("thread has no control token")
	ErrBurnNotPermitted  = errors.New("policy does not allow this identity to burn")
	ErrNotHolder         = errors.New("operation requires a holder receipt")
)

// Publisher sends control envelopes to the thread's peers.
type Publisher interface {
	PublishControl(threadID string, payload any) error
}

type Config struct {
	Store     storage.Store
	Wallet    wallet.Wallet
	Wrapper   keys.KeyWrapper
	KeyRing   *keys.KeyRing
	Locks     *syncx.KeyedMutex
	Publisher Publisher
	Logger    *zap.Logger
	Now       func() time.Time

	// InviteBaseURL prefixes generated invite links.
	InviteBaseURL string
	// InviteTTL is the default invite lifetime. Zero means invites never
	// expire.
	InviteTTL time.Duration
}

type Lifecycle struct {
	store     storage.Store
	wallet    wallet.Wallet
	wrapper   keys.KeyWrapper
	keyRing   *keys.KeyRing
	locks     *syncx.KeyedMutex
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	inviteBaseURL string
	inviteTTL     time.Duration
}

func New(cfg Config) *Lifecycle {
	l := &Lifecycle{
		store:         cfg.Store,
		wallet:        cfg.Wallet,
		wrapper:       cfg.Wrapper,
		keyRing:       cfg.KeyRing,
		locks:         cfg.Locks,
		publisher:     cfg.Publisher,
		logger:        logging.OrNop(cfg.Logger),
		now:           cfg.Now,
		inviteBaseURL: cfg.InviteBaseURL,
		inviteTTL:     cfg.InviteTTL,
	}
	if l.wrapper == nil {
		l.wrapper = keys.ECIES{}
	}
	if l.keyRing == nil {
		l.keyRing = keys.NewKeyRing()
	}
	if l.locks == nil {
		l.locks = syncx.NewKeyedMutex()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// KeyRing returns the in-memory thread key ring used by this lifecycle.
func (l *Lifecycle) KeyRing() *keys.KeyRing { return l.keyRing }

// CreateThread starts a new thread owned by the wallet: a fresh raw thread
// key is wrapped under the wallet key and held in memory for minting.
func (l *Lifecycle) CreateThread(ctx context.Context, policy models.Policy, title string) (*models.JoinReceipt, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("invalid policy %q", policy)
	}
	walletPub, err := l.walletKey(ctx)
	if err != nil {
		return nil, err
	}
	rawKey, err := keys.NewThreadKey()
	if err != nil {
		return nil, err
	}
	wrap, err := l.wrapper.Wrap(rawKey, walletPub)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap thread key: %w", err)
	}

	threadID := uuid.NewString()
	now := l.now().UTC()
	receipt := &models.JoinReceipt{
		ThreadID:        threadID,
		Inviter:         walletPub,
		Policy:          policy,
		IdentityKind:    models.IdentityHolder,
		Status:          models.StatusPending,
		Wrap:            wrap,
		HolderPublicKey: walletPub,
		JoinedAt:        now,
		UpdatedAt:       now,
	}
	if err := l.store.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}
	meta := &models.ThreadMetadata{ThreadID: threadID, Title: title, Policy: policy, Wrap: wrap, UpdatedAt: now}
	if err := l.store.SaveMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to save thread metadata: %w", err)
	}
	summary := &models.ConversationSummary{ThreadID: threadID, Title: title, Status: receipt.Status, UpdatedAt: now}
	if err := l.store.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to save conversation summary: %w", err)
	}
	l.keyRing.Put(threadID, rawKey)

	l.logger.Info("thread created", zap.String("thread_id", threadID), zap.String("policy", string(policy)))
	return receipt, nil
}

// Block adds an inviter to the local block list. Existing receipts are left
// alone; future invites from the inviter are rejected at accept time.
func (l *Lifecycle) Block(ctx context.Context, inviter, reason string) error {
	inviter = strings.TrimSpace(inviter)
	if inviter == "" {
		return errors.New("missing inviter")
	}
	entry := models.BlockedInviter{Pubkey: inviter, Reason: reason, BlockedAt: l.now().UTC()}
	if err := l.store.BlockInviter(ctx, entry); err != nil {
		return fmt.Errorf("failed to block inviter: %w", err)
	}
	l.logger.Info("inviter blocked", zap.String("inviter", logging.ShortKey(inviter)))
	return nil
}

func (l *Lifecycle) Unblock(ctx context.Context, inviter string) error {
	if err := l.store.UnblockInviter(ctx, strings.TrimSpace(inviter)); err != nil {
		return fmt.Errorf("failed to unblock inviter: %w", err)
	}
	l.logger.Info("inviter unblocked", zap.String("inviter", logging.ShortKey(inviter)))
	return nil
}

func (l *Lifecycle) walletKey(ctx context.Context) (string, error) {
	if l.wallet == nil {
		return "", errors.New("no wallet configured")
	}
	pub, err := l.wallet.IdentityKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get wallet identity key: %w", err)
	}
	if strings.TrimSpace(pub) == "" {
		return "", errors.New("wallet returned an empty identity key")
	}
	return pub, nil
}

func (l *Lifecycle) loadReceipt(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	r, err := l.store.GetReceipt(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt %s: %w", threadID, err)
	}
	return r, nil
}

// loadMetadata returns the stored metadata or a fresh record for threadID.
func (l *Lifecycle) loadMetadata(ctx context.Context, threadID string) (*models.ThreadMetadata, error) {
	meta, err := l.store.GetMetadata(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.ThreadMetadata{ThreadID: threadID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread metadata: %w", err)
	}
	return meta, nil
}

func transition(r *models.JoinReceipt, next models.ReceiptStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// updateSummary mirrors a status change into the cached conversation
// summary when there is one.
func (l *Lifecycle) updateSummary(ctx context.Context, threadID string, status models.ReceiptStatus, now time.Time, log *zap.Logger) {
	summary, err := l.store.GetSummary(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("failed to load conversation summary", zap.Error(err))
		return
	}
	summary.Status = status
	summary.UpdatedAt = now
	if err := l.store.SaveSummary(ctx, summary); err != nil {
		log.Warn("failed to update conversation summary", zap.Error(err))
	}
}

// purgeKeyMaterial drops every copy of the thread key this device holds:
// the receipt wrap, the metadata wrap and legacy raw key, the in-memory key
// and the guest identity.
func (l *Lifecycle) purgeKeyMaterial(ctx context.Context, r *models.JoinReceipt, now time.Time, log *zap.Logger) {
	r.Wrap = ""
	l.keyRing.Forget(r.ThreadID)

	if r.GuestIdentityID != nil {
		if err := l.store.DeleteGuestIdentity(ctx, *r.GuestIdentityID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("failed to delete guest identity", zap.Error(err))
		}
		r.GuestIdentityID = nil
	}

	meta, err := l.store.GetMetadata(ctx, r.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("failed to load thread metadata", zap.Error(err))
		return
	}
	meta.Wrap = ""
	meta.LegacyRawKey = ""
	meta.UpdatedAt = now
	if err := l.store.SaveMetadata(ctx, meta); err != nil {
		log.Warn("failed to clear thread metadata key material", zap.Error(err))
	}
}

func (l *Lifecycle) publish(threadID string, payload models.ControlPayload, log *zap.Logger) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishControl(threadID, payload); err != nil {
		log.Warn("failed to publish control envelope", zap.String("action", string(payload.Action)), zap.Error(err))
	}
}
