// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package access decides whether a caller may decrypt a thread.
//
// Validate is the only authority for decryption decisions. It is pure and
// must be re-run against the current receipt snapshot on every attempt.
package access

import (
	"strings"

	"github.com/efchatnet/efthread/backend/models"
)

type Reason string

const (
	ReasonValidDT        Reason = "VALID_DT"
	ReasonNoDTFound      Reason = "NO_DT_FOUND"
	ReasonThreadMismatch Reason = "THREAD_MISMATCH"
	ReasonCTBurned       Reason = "CT_BURNED"
	ReasonUserLeft       Reason = "USER_LEFT"
	ReasonNoCTReference  Reason = "NO_CT_REFERENCE"
)

// Decision is the outcome of Validate. HasAccess is true iff Reason is
// ReasonValidDT.
type Decision struct {
	HasAccess  bool              `json:"hasAccess"`
	Reason     Reason            `json:"reason"`
	CTOutpoint *models.Outpoint  `json:"ctOutpoint,omitempty"`
	DTOutpoint *models.Outpoint  `json:"dtOutpoint,omitempty"`
	BurnProof  *models.BurnProof `json:"burnProof,omitempty"`
}

func deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Validate runs the ordered checks; the first match wins.
func Validate(threadID, callerPubkey string, receipt *models.JoinReceipt) Decision {
	if receipt == nil {
		return deny(ReasonNoDTFound)
	}
	if strings.TrimSpace(receipt.ThreadID) != strings.TrimSpace(threadID) {
		return deny(ReasonThreadMismatch)
	}
	ct, hasCT := receipt.CTOutpoint()

	switch receipt.Status {
	case models.StatusBurned:
		d := deny(ReasonCTBurned)
		d.BurnProof = &models.BurnProof{
			BurnTxid: receipt.BurnTxid,
			BurnedAt: receipt.BurnedAt,
			BurnedBy: receipt.BurnedBy,
		}
		if hasCT {
			d.CTOutpoint = &ct
		}
		return d
	case models.StatusLeft:
		return deny(ReasonUserLeft)
	}

	if !hasCT {
		return deny(ReasonNoCTReference)
	}

	out, issuanceTxid, ok := findOutput(receipt, callerPubkey)
	if !ok {
		return deny(ReasonNoDTFound)
	}
	txid := out.Txid
	if txid == "" {
		txid = issuanceTxid
	}
	if txid == "" {
		txid = receipt.LastMintTxid
	}
	return Decision{
		HasAccess:  true,
		Reason:     ReasonValidDT,
		CTOutpoint: &ct,
		DTOutpoint: &models.Outpoint{Txid: txid, Vout: *out.Vout},
	}
}

func findOutput(receipt *models.JoinReceipt, callerPubkey string) (models.DTOutput, string, bool) {
	if callerPubkey == "" {
		return models.DTOutput{}, "", false
	}
	for _, iss := range receipt.DTIssuances {
		for _, out := range iss.Outputs {
			if out.RecipientPubkey == callerPubkey && out.Vout != nil {
				return out, iss.Txid, true
			}
		}
	}
	return models.DTOutput{}, "", false
}

// CanAccessThread is a coarse gate for UI purposes only. Never use it for the
// decrypt decision.
func CanAccessThread(receipt *models.JoinReceipt) bool {
	if receipt == nil {
		return false
	}
	switch receipt.Status {
	case models.StatusBurned, models.StatusLeft, models.StatusBlocked:
		return false
	}
	return true
}
