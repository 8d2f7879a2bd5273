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

	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/models"
)

// ApplyControl applies a control envelope received from a peer to the local
// receipt. Mint and link events on a burned or left thread are ignored.
func (l *Lifecycle) ApplyControl(ctx context.Context, threadID string, payload models.ControlPayload) (*models.JoinReceipt, error) {
	unlock := l.locks.Lock(threadID)
	defer unlock()
	log := l.logger.With(zap.String("thread_id", threadID), zap.String("action", string(payload.Action)))

	receipt, err := l.loadReceipt(ctx, threadID)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()

	switch payload.Action {
	case models.ControlBurn:
		if receipt.Status == models.StatusBurned {
			return receipt, nil
		}
		if err := transition(receipt, models.StatusBurned); err != nil {
			return nil, err
		}
		receipt.BurnTxid = payload.BurnTxid
		burnedAt := now
		if payload.OccurredAt != nil {
			burnedAt = payload.OccurredAt.UTC()
		}
		receipt.BurnedAt = &burnedAt
		receipt.BurnedBy = payload.Actor
		if receipt.BurnedBy == "" || receipt.BurnedBy == BurnedBySelf {
			receipt.BurnedBy = BurnedByPeer
		}
		l.purgeKeyMaterial(ctx, receipt, now, log)

	case models.ControlMintCT:
		if receipt.Status.Terminal() {
			log.Debug("ignoring control token mint on closed thread", zap.String("status", string(receipt.Status)))
			return receipt, nil
		}
		if payload.Txid == "" || payload.Vout == nil || *payload.Vout < 0 {
			return nil, errors.New("mint-ct control without a valid outpoint")
		}
		receipt.CTTxid = payload.Txid
		receipt.CTVout = models.IntPtr(*payload.Vout)
		if receipt.Status == models.StatusPending {
			if err := transition(receipt, models.StatusReady); err != nil {
				return nil, err
			}
		}

	case models.ControlMintDT:
		if receipt.Status.Terminal() {
			log.Debug("ignoring data token mint on closed thread", zap.String("status", string(receipt.Status)))
			return receipt, nil
		}
		if payload.Issuance == nil || payload.Issuance.Txid == "" {
			return nil, errors.New("mint-dt control without an issuance")
		}
		if !hasIssuance(receipt, payload.Issuance.Txid) {
			iss := models.CloneIssuances([]models.DTIssuance{*payload.Issuance})[0]
			for i := range iss.Outputs {
				if iss.Outputs[i].Txid == "" {
					iss.Outputs[i].Txid = iss.Txid
				}
			}
			receipt.DTIssuances = append(receipt.DTIssuances, iss)
			receipt.LastMintTxid = iss.Txid
		}

	case models.ControlLink:
		if receipt.Status.Terminal() {
			return receipt, nil
		}
		if payload.WalletPublicKey == "" {
			return nil, errors.New("link control without a wallet public key")
		}
		if payload.WalletPublicKey != receipt.HolderPublicKey {
			receipt.PeerWalletPublicKey = payload.WalletPublicKey
		}

	default:
		return nil, fmt.Errorf("unknown control action %q", payload.Action)
	}

	receipt.UpdatedAt = now
	if err := l.store.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to save receipt: %w", err)
	}
	l.updateSummary(ctx, threadID, receipt.Status, now, log)
	log.Info("peer control applied", zap.String("status", string(receipt.Status)))
	return receipt, nil
}

func hasIssuance(r *models.JoinReceipt, txid string) bool {
	for _, iss := range r.DTIssuances {
		if iss.Txid == txid {
			return true
		}
	}
	return false
}
