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

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/wallet"
)

// BurnResult is the outcome of BurnCT.
type BurnResult struct {
	BurnTxid string
	BurnedAt time.Time
	Receipt  *models.JoinReceipt
}

// BurnCT burns the thread's control token, clears every local copy of the
// thread key and announces the burn to peers. receipt may be nil, in which
// case the stored receipt is used.
func (l *Lifecycle) BurnCT(ctx context.Context, threadID string, receipt *models.JoinReceipt) (*BurnResult, error) {
	unlock := l.locks.Lock(threadID)
	defer unlock()
	log := l.logger.With(zap.String("thread_id", threadID))

	if receipt == nil {
		var err error
		if receipt, err = l.loadReceipt(ctx, threadID); err != nil {
			return nil, err
		}
	}
	if !receipt.Status.CanTransition(models.StatusBurned) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, receipt.Status, models.StatusBurned)
	}
	if receipt.Policy == models.PolicyInitiator && receipt.HolderPublicKey != receipt.Inviter {
		return nil, ErrBurnNotPermitted
	}
	ct, ok := receipt.CTOutpoint()
	if !ok {
		meta, err := l.loadMetadata(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if meta.CTTxid == "" || meta.CTVout == nil {
			return nil, ErrNoControlToken
		}
		ct = models.Outpoint{Txid: meta.CTTxid, Vout: *meta.CTVout}
	}
	if l.wallet == nil {
		return nil, errors.New("no wallet configured")
	}

	burnTxid, err := l.wallet.BurnToken(ctx, wallet.BurnRequest{ThreadID: threadID, CT: ct})
	if err != nil {
		return nil, fmt.Errorf("failed to burn control token: %w", err)
	}
	now := l.now().UTC()

	next := receipt.Clone()
	if err := transition(next, models.StatusBurned); err != nil {
		return nil, err
	}
	next.BurnTxid = burnTxid
	next.BurnedAt = &now
	next.BurnedBy = BurnedBySelf
	next.UpdatedAt = now
	l.purgeKeyMaterial(ctx, next, now, log)
	if err := l.store.SaveReceipt(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save burned receipt: %w", err)
	}
	l.updateSummary(ctx, threadID, next.Status, now, log)

	l.publish(threadID, models.ControlPayload{
		Action:     models.ControlBurn,
		Actor:      BurnedBySelf,
		BurnTxid:   burnTxid,
		OccurredAt: &now,
	}, log)

	log.Info("control token burned", zap.String("burn_txid", burnTxid))
	return &BurnResult{BurnTxid: burnTxid, BurnedAt: now, Receipt: next}, nil
}

// Leave marks the thread as left and purges this device's key material. No
// token is burned; peers keep their access.
func (l *Lifecycle) Leave(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	unlock := l.locks.Lock(threadID)
	defer unlock()
	log := l.logger.With(zap.String("thread_id", threadID))

	receipt, err := l.loadReceipt(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !receipt.SupportsLeave {
		return nil, ErrLeaveUnsupported
	}
	if err := transition(receipt, models.StatusLeft); err != nil {
		return nil, err
	}
	now := l.now().UTC()
	receipt.UpdatedAt = now
	l.purgeKeyMaterial(ctx, receipt, now, log)
	if err := l.store.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}
	l.updateSummary(ctx, threadID, receipt.Status, now, log)

	log.Info("thread left")
	return receipt, nil
}
