// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"encoding/json"
	"time"
)

// EnvelopeType names one overlay wire message kind.
type EnvelopeType string

const (
	EnvelopeSubscribe    EnvelopeType = "subscribe"
	EnvelopeUnsubscribe  EnvelopeType = "unsubscribe"
	EnvelopeMessage      EnvelopeType = "message"
	EnvelopeAck          EnvelopeType = "ack"
	EnvelopeTyping       EnvelopeType = "typing"
	EnvelopeControl      EnvelopeType = "control"
	EnvelopePing         EnvelopeType = "ping"
	EnvelopePong         EnvelopeType = "pong"
	EnvelopeDelivery     EnvelopeType = "delivery"
	EnvelopeSubscribed   EnvelopeType = "subscribed"
	EnvelopeUnsubscribed EnvelopeType = "unsubscribed"
	EnvelopeEcho         EnvelopeType = "echo"
)

// UserOriginated reports whether envelopes of this type carry application
// payloads that may be signed.
func (t EnvelopeType) UserOriginated() bool {
	switch t {
	case EnvelopeMessage, EnvelopeAck, EnvelopeTyping, EnvelopeControl:
		return true
	}
	return false
}

// Envelope is one wire unit on the overlay.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	ThreadID string          `json:"threadId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DeliveryReceipt is the only part of a delivery envelope handed to threads.
type DeliveryReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type ControlAction string

const (
	ControlMintCT ControlAction = "mint-ct"
	ControlMintDT ControlAction = "mint-dt"
	ControlBurn   ControlAction = "burn"
	ControlLink   ControlAction = "link"
)

// ControlPayload is the payload of a control envelope. Only the fields of
// the given action are set.
type ControlPayload struct {
	Action          ControlAction `json:"action"`
	Txid            string        `json:"txid,omitempty"`
	Vout            *int          `json:"vout,omitempty"`
	Issuance        *DTIssuance   `json:"issuance,omitempty"`
	Actor           string        `json:"actor,omitempty"`
	BurnTxid        string        `json:"burnTxid,omitempty"`
	WalletPublicKey string        `json:"walletPublicKey,omitempty"`
	UpgradedAt      *time.Time    `json:"upgradedAt,omitempty"`
	OccurredAt      *time.Time    `json:"occurredAt,omitempty"`
}
