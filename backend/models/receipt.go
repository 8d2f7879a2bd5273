// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Outpoint identifies a specific transaction output.
type Outpoint struct {
	Txid string `json:"txid"`
	Vout int    `json:"vout"`
}

type IdentityKind string

const (
	IdentityGuest  IdentityKind = "guest"
	IdentityHolder IdentityKind = "holder"
)

type ReceiptStatus string

const (
	StatusPending ReceiptStatus = "pending"
	StatusReady   ReceiptStatus = "ready"
	StatusBurned  ReceiptStatus = "burned"
	StatusLeft    ReceiptStatus = "left"
	StatusBlocked ReceiptStatus = "blocked"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ReceiptStatus) Terminal() bool {
	return s == StatusBurned || s == StatusLeft
}

// CanTransition reports whether a receipt may move from s to next.
// Staying in the same non-terminal status is allowed.
func (s ReceiptStatus) CanTransition(next ReceiptStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusPending:
		return s == StatusPending
	case StatusReady:
		return s == StatusPending || s == StatusReady
	case StatusBurned, StatusLeft:
		return s == StatusPending || s == StatusReady
	}
	return false
}

// DTOutput is one recipient's data token inside an issuance.
type DTOutput struct {
	RecipientPubkey string `json:"recipientPubkey"`
	Vout            *int   `json:"vout,omitempty"`
	Txid            string `json:"txid,omitempty"`
}

// DTIssuance is one mint transaction carrying data tokens.
type DTIssuance struct {
	Txid     string     `json:"txid"`
	Outputs  []DTOutput `json:"outputs"`
	IssuedAt *time.Time `json:"issuedAt,omitempty"`
}

// UpgradeStatement is what both the guest key and the wallet sign when a
// guest identity is linked to a wallet.
type UpgradeStatement struct {
	Intent       string `json:"intent"`
	ThreadID     string `json:"threadId"`
	InviteHash   string `json:"inviteHash"`
	GuestPubkey  string `json:"guestPubkey"`
	WalletPubkey string `json:"walletPubkey"`
	Timestamp    int64  `json:"timestamp"`
}

type UpgradeProof struct {
	Statement               UpgradeStatement `json:"statement"`
	StatementHash           string           `json:"statementHash"`
	GuestSignature          string           `json:"guestSignature"`
	WalletSignature         string           `json:"walletSignature"`
	WalletSignatureFallback bool             `json:"walletSignatureFallback,omitempty"`
}

// BurnProof is attached to access decisions for burned threads.
type BurnProof struct {
	BurnTxid string     `json:"burnTxid"`
	BurnedAt *time.Time `json:"burnedAt,omitempty"`
	BurnedBy string     `json:"burnedBy"`
}

// JoinReceipt is the durable per-thread access record. It is mutated in place
// over the life of the thread.
type JoinReceipt struct {
	ThreadID     string        `json:"threadId"`
	Inviter      string        `json:"inviter"`
	Policy       Policy        `json:"policy"`
	IdentityKind IdentityKind  `json:"identityKind"`
	Status       ReceiptStatus `json:"status"`
	Wrap         string        `json:"wrap,omitempty"`
	InviteHash   string        `json:"inviteHash,omitempty"`

	CTTxid       string       `json:"ctTxid,omitempty"`
	CTVout       *int         `json:"ctVout,omitempty"`
	DTIssuances  []DTIssuance `json:"dtIssuances,omitempty"`
	LastMintTxid string       `json:"lastMintTxid,omitempty"`

	GuestIdentityID     *string `json:"guestIdentityId"`
	GuestPublicKey      string  `json:"guestPublicKey,omitempty"`
	HolderPublicKey     string  `json:"holderPublicKey,omitempty"`
	PeerWalletPublicKey string  `json:"peerWalletPublicKey,omitempty"`
	SupportsLeave       bool    `json:"supportsLeave"`

	UpgradeProof *UpgradeProof `json:"upgradeProof"`
	UpgradedAt   *time.Time    `json:"upgradedAt,omitempty"`

	BurnTxid string     `json:"burnTxid,omitempty"`
	BurnedAt *time.Time `json:"burnedAt,omitempty"`
	BurnedBy string     `json:"burnedBy,omitempty"`

	JoinedAt  time.Time `json:"joinedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CTOutpoint returns the control token reference, or false when the receipt
// does not carry a usable one.
func (r *JoinReceipt) CTOutpoint() (Outpoint, bool) {
	if r == nil || r.CTTxid == "" || r.CTVout == nil || *r.CTVout < 0 {
		return Outpoint{}, false
	}
	return Outpoint{Txid: r.CTTxid, Vout: *r.CTVout}, true
}

// Clone returns a deep copy so callers can mutate without aliasing a stored
// snapshot.
func (r *JoinReceipt) Clone() *JoinReceipt {
	if r == nil {
		return nil
	}
	c := *r
	if r.CTVout != nil {
		v := *r.CTVout
		c.CTVout = &v
	}
	if r.GuestIdentityID != nil {
		v := *r.GuestIdentityID
		c.GuestIdentityID = &v
	}
	if r.UpgradeProof != nil {
		p := *r.UpgradeProof
		c.UpgradeProof = &p
	}
	c.DTIssuances = CloneIssuances(r.DTIssuances)
	return &c
}

// CloneIssuances deep-copies a slice of issuances.
func CloneIssuances(in []DTIssuance) []DTIssuance {
	if in == nil {
		return nil
	}
	out := make([]DTIssuance, len(in))
	for i, iss := range in {
		out[i] = iss
		out[i].Outputs = make([]DTOutput, len(iss.Outputs))
		for j, o := range iss.Outputs {
			out[i].Outputs[j] = o
			if o.Vout != nil {
				v := *o.Vout
				out[i].Outputs[j].Vout = &v
			}
		}
	}
	return out
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int { return &v }

// ThreadMetadata is the local per-thread record kept next to the receipt.
// It never carries the raw thread key; LegacyRawKey only exists so that
// burns can clear values written by older clients.
type ThreadMetadata struct {
	ThreadID     string       `json:"threadId"`
	Title        string       `json:"title,omitempty"`
	Policy       Policy       `json:"policy,omitempty"`
	CTTxid       string       `json:"ctTxid,omitempty"`
	CTVout       *int         `json:"ctVout,omitempty"`
	MintedAt     *time.Time   `json:"mintedAt,omitempty"`
	DTIssuances  []DTIssuance `json:"dtIssuances,omitempty"`
	Wrap         string       `json:"wrap,omitempty"`
	LegacyRawKey string       `json:"rawKeyBase64,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ConversationSummary is the cached list-view entry for a thread.
type ConversationSummary struct {
	ThreadID      string        `json:"threadId"`
	Title         string        `json:"title,omitempty"`
	PeerPublicKey string        `json:"peerPublicKey,omitempty"`
	Status        ReceiptStatus `json:"status"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// BlockedInviter is one entry of the local block list.
type BlockedInviter struct {
	Pubkey    string    `json:"pubkey"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blockedAt"`
}
