// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

// InviteProtocolName identifies invite payloads produced by this module.
const InviteProtocolName = "efthread"

// InviteVersion is the only invite payload version accepted by the decoder.
const InviteVersion = 1

// InviteKind is the only accepted value of InvitePayload.Kind.
const InviteKind = "invite"

// Policy decides who may mint and burn the thread's control token.
type Policy string

const (
	PolicyMutual    Policy = "mutual"
	PolicyInitiator Policy = "initiator"
)

// Valid reports whether p is one of the known policies.
func (p Policy) Valid() bool {
	return p == PolicyMutual || p == PolicyInitiator
}

// InvitePayload is the self-contained invite created once by the inviter and
// consumed once by the acceptor. It travels as base64url JSON.
type InvitePayload struct {
	ProtocolName       string              `json:"protocol"`
	Version            int                 `json:"v"`
	Kind               string              `json:"kind"`
	ThreadID           string              `json:"threadId"`
	Inviter            string              `json:"inviter"`
	Policy             Policy              `json:"policy"`
	Wrap               string              `json:"wrap"`
	ExpiresAtUnix      int64               `json:"exp"`
	GuestKeyDerivation *GuestKeyDerivation `json:"guestKeyDerivation,omitempty"`
	Tokens             *InviteTokens       `json:"tokens,omitempty"`
	Meta               *InviteMeta         `json:"meta,omitempty"`
}

// GuestKeyDerivation lets the acceptor rebuild the exact guest keypair the
// inviter pre-computed a DT for.
type GuestKeyDerivation struct {
	PrivateKeyHex string `json:"privateKeyHex"`
	PublicKey     string `json:"publicKey,omitempty"`
}

// InviteTokens carries the on-chain references the inviter already minted.
type InviteTokens struct {
	CT         *Outpoint   `json:"ct,omitempty"`
	DTIssuance *DTIssuance `json:"dtIssuance,omitempty"`
}

type InviteMeta struct {
	InviterProfile *Profile `json:"inviterProfile,omitempty"`
}

type Profile struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
