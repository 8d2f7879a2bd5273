// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/efchatnet/efthread/backend/models"
)

func readyReceipt() *models.JoinReceipt {
	return &models.JoinReceipt{
		ThreadID: "thread-1",
		Status:   models.StatusReady,
		CTTxid:   "ct1",
		CTVout:   models.IntPtr(0),
		DTIssuances: []models.DTIssuance{{
			Txid:    "dt1",
			Outputs: []models.DTOutput{{RecipientPubkey: "U", Vout: models.IntPtr(0)}},
		}},
	}
}

func TestValidateValidDT(t *testing.T) {
	d := Validate("thread-1", "U", readyReceipt())
	assert.Equal(t, Decision{
		HasAccess:  true,
		Reason:     ReasonValidDT,
		CTOutpoint: &models.Outpoint{Txid: "ct1", Vout: 0},
		DTOutpoint: &models.Outpoint{Txid: "dt1", Vout: 0},
	}, d)
}

func TestValidateBurned(t *testing.T) {
	burnedAt := time.Unix(1700000000, 0).UTC()
	r := readyReceipt()
	r.Status = models.StatusBurned
	r.BurnTxid = "b1"
	r.BurnedAt = &burnedAt
	r.BurnedBy = "self"

	d := Validate("thread-1", "U", r)
	assert.False(t, d.HasAccess)
	assert.Equal(t, ReasonCTBurned, d.Reason)
	assert.Equal(t, &models.BurnProof{BurnTxid: "b1", BurnedAt: &burnedAt, BurnedBy: "self"}, d.BurnProof)
	assert.Equal(t, &models.Outpoint{Txid: "ct1", Vout: 0}, d.CTOutpoint)
	assert.Nil(t, d.DTOutpoint)
}

func TestValidateOrderedChecks(t *testing.T) {
	tests := []struct {
		name    string
		thread  string
		caller  string
		receipt func() *models.JoinReceipt
		want    Reason
	}{
		{"absent receipt", "thread-1", "U", func() *models.JoinReceipt { return nil }, ReasonNoDTFound},
		{"thread mismatch", "thread-2", "U", readyReceipt, ReasonThreadMismatch},
		{"mismatch wins over burn", "thread-2", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.Status = models.StatusBurned
			return r
		}, ReasonThreadMismatch},
		{"left", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.Status = models.StatusLeft
			return r
		}, ReasonUserLeft},
		{"missing ct txid", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.CTTxid = ""
			return r
		}, ReasonNoCTReference},
		{"negative ct vout", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.CTVout = models.IntPtr(-1)
			return r
		}, ReasonNoCTReference},
		{"missing ct vout", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.CTVout = nil
			return r
		}, ReasonNoCTReference},
		{"other caller", "thread-1", "V", readyReceipt, ReasonNoDTFound},
		{"output without vout", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.DTIssuances[0].Outputs[0].Vout = nil
			return r
		}, ReasonNoDTFound},
		{"pending with tokens", "thread-1", "U", func() *models.JoinReceipt {
			r := readyReceipt()
			r.Status = models.StatusPending
			return r
		}, ReasonValidDT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Validate(tt.thread, tt.caller, tt.receipt())
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, d.Reason == ReasonValidDT, d.HasAccess)
		})
	}
}

func TestBurnDominatesValidDT(t *testing.T) {
	for _, caller := range []string{"U", "V", ""} {
		r := readyReceipt()
		r.Status = models.StatusBurned
		d := Validate("thread-1", caller, r)
		assert.Equal(t, ReasonCTBurned, d.Reason)
		assert.False(t, d.HasAccess)
	}
}

func TestDTOutpointTxidFallbacks(t *testing.T) {
	r := readyReceipt()
	r.DTIssuances[0].Outputs[0].Txid = "per-output"
	assert.Equal(t, "per-output", Validate("thread-1", "U", r).DTOutpoint.Txid)

	r = readyReceipt()
	r.DTIssuances[0].Txid = ""
	r.LastMintTxid = "last"
	assert.Equal(t, "last", Validate("thread-1", "U", r).DTOutpoint.Txid)
}

func TestCanAccessThread(t *testing.T) {
	assert.False(t, CanAccessThread(nil))
	for status, want := range map[models.ReceiptStatus]bool{
		models.StatusPending: true,
		models.StatusReady:   true,
		models.StatusBurned:  false,
		models.StatusLeft:    false,
		models.StatusBlocked: false,
	} {
		r := readyReceipt()
		r.Status = status
		assert.Equal(t, want, CanAccessThread(r), status)
	}
}
