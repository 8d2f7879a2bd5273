// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/models"
)

// LocalWallet is an in-process wallet for development and tests. Mints and
// burns only produce random txids; nothing touches a chain.
type LocalWallet struct {
	key *keys.KeyPair

	mu     sync.Mutex
	mints  []MintRequest
	burned map[models.Outpoint]string
}

var _ Wallet = (*LocalWallet)(nil)

func NewLocalWallet(key *keys.KeyPair) *LocalWallet {
	return &LocalWallet{key: key, burned: make(map[models.Outpoint]string)}
}

// GenerateLocalWallet creates a LocalWallet with a fresh key.
func GenerateLocalWallet() (*LocalWallet, error) {
	kp, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return NewLocalWallet(kp), nil
}

// Key exposes the wallet keypair so tests can unwrap data sealed to it.
func (w *LocalWallet) Key() *keys.KeyPair { return w.key }

func (w *LocalWallet) IdentityKey(_ context.Context) (string, error) {
	return w.key.PublicKeyHex(), nil
}

func (w *LocalWallet) Sign(_ context.Context, digest []byte) (Signature, error) {
	sig, err := w.key.Sign(digest)
	if err != nil {
		return nil, err
	}
	return Signature(sig), nil
}

func (w *LocalWallet) MintToken(_ context.Context, req MintRequest) (*MintResult, error) {
	if len(req.Outputs) == 0 {
		return nil, fmt.Errorf("mint %s for %s: no outputs", req.Kind, req.ThreadID)
	}
	txid, err := randomTxid()
	if err != nil {
		return nil, err
	}
	vouts := make([]int, len(req.Outputs))
	for i := range vouts {
		vouts[i] = i
	}
	w.mu.Lock()
	w.mints = append(w.mints, req)
	w.mu.Unlock()
	return &MintResult{Txid: txid, Vouts: vouts}, nil
}

func (w *LocalWallet) BurnToken(_ context.Context, req BurnRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if txid, ok := w.burned[req.CT]; ok {
		return "", fmt.Errorf("control token %s:%d already burned in %s", req.CT.Txid, req.CT.Vout, txid)
	}
	txid, err := randomTxid()
	if err != nil {
		return "", err
	}
	w.burned[req.CT] = txid
	return txid, nil
}

// Mints returns the mint requests seen so far.
func (w *LocalWallet) Mints() []MintRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]MintRequest, len(w.mints))
	copy(out, w.mints)
	return out
}

func randomTxid() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate txid: %w", err)
	}
	return hex.EncodeToString(b), nil
}
