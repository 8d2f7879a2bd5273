// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// GuestIdentity is an ephemeral keypair owned by one (session, thread) pair.
type GuestIdentity struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	ThreadID      string    `json:"threadId"`
	PrivateKeyHex string    `json:"privateKeyHex"`
	PublicKeyHex  string    `json:"publicKeyHex"`
	CreatedAt     time.Time `json:"createdAt"`
}
