// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package guest bootstraps wallet-less guest identities from invites.
package guest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/models"
)

// NewIdentity generates a fresh random guest keypair for (sessionID, threadID).
func NewIdentity(sessionID, threadID string, now time.Time) (*models.GuestIdentity, error) {
	kp, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return build(kp, sessionID, threadID, now), nil
}

// IdentityFromDerivation rebuilds the guest keypair embedded in an invite.
func IdentityFromDerivation(d models.GuestKeyDerivation, sessionID, threadID string, now time.Time) (*models.GuestIdentity, error) {
	kp, err := keys.FromHex(d.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid guest key derivation: %w", err)
	}
	return build(kp, sessionID, threadID, now), nil
}

func build(kp *keys.KeyPair, sessionID, threadID string, now time.Time) *models.GuestIdentity {
	return &models.GuestIdentity{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ThreadID:      threadID,
		PrivateKeyHex: kp.PrivateKeyHex(),
		PublicKeyHex:  kp.PublicKeyHex(),
		CreatedAt:     now.UTC(),
	}
}
