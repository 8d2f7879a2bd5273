// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package integration wires the thread components to storage and the
// overlay for one device.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/access"
	"github.com/efchatnet/efthread/backend/guest"
	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/lifecycle"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/overlay"
	"github.com/efchatnet/efthread/backend/storage"
	"github.com/efchatnet/efthread/backend/syncx"
	"github.com/efchatnet/efthread/backend/upgrade"
	"github.com/efchatnet/efthread/backend/wallet"
)

type Config struct {
	Store   storage.Store
	Wallet  wallet.Wallet
	Overlay *overlay.Client
	Logger  *zap.Logger
	Now     func() time.Time

	InviteBaseURL string
	InviteTTL     time.Duration

	// OnMessage receives trust-checked message, ack and typing envelopes.
	OnMessage func(overlay.Inbound)
}

// Runtime owns the per-device thread state: the key ring, the per-thread
// locks and one overlay subscription per open thread.
type Runtime struct {
	store       storage.Store
	wallet      wallet.Wallet
	overlay     *overlay.Client
	wrapper     keys.KeyWrapper
	keyRing     *keys.KeyRing
	acceptor    *guest.Acceptor
	coordinator *upgrade.Coordinator
	lifecycle   *lifecycle.Lifecycle
	onMessage   func(overlay.Inbound)
	logger      *zap.Logger

	mu      sync.Mutex
	watches map[string]func()
}

func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Overlay == nil {
		return nil, errors.New("overlay client is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.OrNop(cfg.Logger)
	keyRing := keys.NewKeyRing()
	locks := syncx.NewKeyedMutex()
	wrapper := keys.ECIES{}

	rt := &Runtime{
		store:     cfg.Store,
		wallet:    cfg.Wallet,
		overlay:   cfg.Overlay,
		wrapper:   wrapper,
		keyRing:   keyRing,
		acceptor:  guest.NewAcceptor(cfg.Store, logger, guest.WithClock(cfg.Now)),
		onMessage: cfg.OnMessage,
		logger:    logger.Named("runtime"),
		watches:   make(map[string]func()),
	}
	rt.coordinator = upgrade.NewCoordinator(upgrade.Config{
		Store:   cfg.Store,
		Wallet:  cfg.Wallet,
		Wrapper: wrapper,
		KeyRing: keyRing,
		Locks:   locks,
		Logger:  logger,
		Now:     cfg.Now,
	})
	rt.lifecycle = lifecycle.New(lifecycle.Config{
		Store:         cfg.Store,
		Wallet:        cfg.Wallet,
		Wrapper:       wrapper,
		KeyRing:       keyRing,
		Locks:         locks,
		Publisher:     cfg.Overlay,
		Logger:        logger,
		Now:           cfg.Now,
		InviteBaseURL: cfg.InviteBaseURL,
		InviteTTL:     cfg.InviteTTL,
	})
	return rt, nil
}

// Start subscribes to every open thread and connects the overlay.
func (rt *Runtime) Start(ctx context.Context) error {
	receipts, err := rt.store.ListReceipts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list receipts: %w", err)
	}
	for _, r := range receipts {
		if !r.Status.Terminal() {
			rt.watch(r.ThreadID)
		}
	}
	rt.logger.Info("runtime started", zap.Int("threads", len(rt.watchedThreads())))
	return rt.overlay.Connect(ctx)
}

// Close drops every subscription and closes the overlay.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	watches := rt.watches
	rt.watches = make(map[string]func())
	rt.mu.Unlock()
	for _, unsub := range watches {
		unsub()
	}
	return rt.overlay.Close()
}

func (rt *Runtime) CreateThread(ctx context.Context, policy models.Policy, title string) (*models.JoinReceipt, error) {
	r, err := rt.lifecycle.CreateThread(ctx, policy, title)
	if err != nil {
		return nil, err
	}
	rt.watch(r.ThreadID)
	return r, nil
}

func (rt *Runtime) MintCT(ctx context.Context, threadID string) (*lifecycle.CTResult, error) {
	return rt.lifecycle.MintCT(ctx, threadID, nil)
}

func (rt *Runtime) IssueInvite(ctx context.Context, req lifecycle.InviteRequest) (*lifecycle.IssuedInvite, error) {
	return rt.lifecycle.IssueInvite(ctx, req)
}

// AcceptInvite joins the thread named by an invite URL, path or bare blob
// and loads its thread key into memory.
func (rt *Runtime) AcceptInvite(ctx context.Context, inviteRef, sessionID string) (*models.JoinReceipt, error) {
	blob, err := invite.ParseURL(inviteRef)
	if err != nil {
		return nil, err
	}
	dec, err := invite.Decode(blob)
	if err != nil {
		return nil, err
	}
	accepted, err := rt.acceptor.Accept(ctx, dec, sessionID)
	if err != nil {
		return nil, err
	}

	threadID := accepted.Receipt.ThreadID
	log := rt.logger.With(zap.String("thread_id", threadID))
	raw, err := rt.wrapper.Unwrap(accepted.Receipt.Wrap, accepted.Identity.PrivateKeyHex)
	if err != nil {
		log.Warn("invite wrap does not open with the guest key", zap.Error(err))
	} else {
		rt.keyRing.Put(threadID, raw)
	}

	rt.watch(threadID)
	return accepted.Receipt, nil
}

// Upgrade links the guest identity of a thread to the wallet and tells the
// peers about it.
func (rt *Runtime) Upgrade(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	r, err := rt.Receipt(ctx, threadID)
	if err != nil {
		return nil, err
	}
	res, err := rt.coordinator.Upgrade(ctx, threadID, r)
	if err != nil {
		return nil, err
	}
	if res.Control != nil {
		if err := rt.overlay.PublishControl(threadID, res.Control); err != nil {
			rt.logger.Warn("failed to publish link control", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return res.Receipt, nil
}

func (rt *Runtime) BurnCT(ctx context.Context, threadID string) (*lifecycle.BurnResult, error) {
	res, err := rt.lifecycle.BurnCT(ctx, threadID, nil)
	if err != nil {
		return nil, err
	}
	rt.unwatch(threadID)
	return res, nil
}

func (rt *Runtime) Leave(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	r, err := rt.lifecycle.Leave(ctx, threadID)
	if err != nil {
		return nil, err
	}
	rt.unwatch(threadID)
	return r, nil
}

func (rt *Runtime) Block(ctx context.Context, inviter, reason string) error {
	return rt.lifecycle.Block(ctx, inviter, reason)
}

func (rt *Runtime) Unblock(ctx context.Context, inviter string) error {
	return rt.lifecycle.Unblock(ctx, inviter)
}

func (rt *Runtime) Receipt(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	return rt.store.GetReceipt(ctx, strings.TrimSpace(threadID))
}

// Access decides from the current receipt whether caller may decrypt the
// thread. A missing receipt is a denial, not an error.
func (rt *Runtime) Access(ctx context.Context, threadID, caller string) (access.Decision, error) {
	r, err := rt.store.GetReceipt(ctx, strings.TrimSpace(threadID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return access.Decision{}, fmt.Errorf("failed to load receipt: %w", err)
	}
	return access.Validate(threadID, caller, r), nil
}

// ThreadKey returns the in-memory thread key only when access is granted to
// caller.
func (rt *Runtime) ThreadKey(ctx context.Context, threadID, caller string) ([]byte, access.Decision, error) {
	d, err := rt.Access(ctx, threadID, caller)
	if err != nil || !d.HasAccess {
		return nil, d, err
	}
	key, ok := rt.keyRing.Get(threadID)
	if !ok {
		return nil, d, lifecycle.ErrMissingThreadKey
	}
	return key, d, nil
}

func (rt *Runtime) watch(threadID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.watches[threadID]; ok {
		return
	}
	unsub, err := rt.overlay.Subscribe(threadID, rt.handleInbound)
	if err != nil {
		rt.logger.Warn("failed to subscribe", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	rt.watches[threadID] = unsub
}

func (rt *Runtime) unwatch(threadID string) {
	rt.mu.Lock()
	unsub, ok := rt.watches[threadID]
	delete(rt.watches, threadID)
	rt.mu.Unlock()
	if ok {
		unsub()
	}
}

func (rt *Runtime) watchedThreads() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]string, 0, len(rt.watches))
	for id := range rt.watches {
		ids = append(ids, id)
	}
	return ids
}

func (rt *Runtime) handleInbound(in overlay.Inbound) {
	if in.Type != models.EnvelopeControl {
		if rt.onMessage != nil {
			rt.onMessage(in)
		}
		return
	}
	log := rt.logger.With(zap.String("thread_id", in.ThreadID))

	var payload models.ControlPayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		log.Warn("dropping malformed control payload", zap.Error(err))
		return
	}
	r, err := rt.lifecycle.ApplyControl(context.Background(), in.ThreadID, payload)
	if err != nil {
		log.Warn("failed to apply control", zap.String("action", string(payload.Action)), zap.Error(err))
		return
	}
	if r.Status.Terminal() {
		rt.unwatch(in.ThreadID)
	}
}
