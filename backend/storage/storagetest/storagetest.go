// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package storagetest holds behaviour checks shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

// RunStoreTests exercises s. The store must start empty.
func RunStoreTests(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("receipts", func(t *testing.T) {
		_, err := s.GetReceipt(ctx, "t1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		gid := "g1"
		r := &models.JoinReceipt{
			ThreadID:        "t1",
			Inviter:         "02aa",
			Policy:          models.PolicyMutual,
			IdentityKind:    models.IdentityGuest,
			Status:          models.StatusReady,
			CTTxid:          "ct",
			CTVout:          models.IntPtr(0),
			GuestIdentityID: &gid,
			DTIssuances: []models.DTIssuance{{
				Txid:    "dt",
				Outputs: []models.DTOutput{{RecipientPubkey: "02bb", Vout: models.IntPtr(1)}},
			}},
			JoinedAt: time.Unix(1700000000, 0).UTC(),
		}
		require.NoError(t, s.SaveReceipt(ctx, r))
		require.NoError(t, s.SaveReceipt(ctx, &models.JoinReceipt{ThreadID: "t2", Status: models.StatusPending}))

		got, err := s.GetReceipt(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, r, got)

		got.Status = models.StatusBurned
		again, err := s.GetReceipt(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusReady, again.Status)

		all, err := s.ListReceipts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "t1", all[0].ThreadID)
		assert.Equal(t, "t2", all[1].ThreadID)

		require.NoError(t, s.DeleteReceipt(ctx, "t2"))
		_, err = s.GetReceipt(ctx, "t2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("identities", func(t *testing.T) {
		id := &models.GuestIdentity{ID: "g1", SessionID: "s", ThreadID: "t1", PrivateKeyHex: "aa", PublicKeyHex: "02bb", CreatedAt: time.Unix(5, 0).UTC()}
		require.NoError(t, s.SaveGuestIdentity(ctx, id))
		got, err := s.GetGuestIdentity(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, id, got)

		require.NoError(t, s.DeleteGuestIdentity(ctx, "g1"))
		_, err = s.GetGuestIdentity(ctx, "g1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("block list", func(t *testing.T) {
		blocked, err := s.IsInviterBlocked(ctx, "02cc")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, s.BlockInviter(ctx, models.BlockedInviter{Pubkey: "02cc", Reason: "spam", BlockedAt: time.Unix(9, 0).UTC()}))
		blocked, err = s.IsInviterBlocked(ctx, "02cc")
		require.NoError(t, err)
		assert.True(t, blocked)

		list, err := s.ListBlockedInviters(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "spam", list[0].Reason)

		require.NoError(t, s.UnblockInviter(ctx, "02cc"))
		blocked, err = s.IsInviterBlocked(ctx, "02cc")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("metadata and summaries", func(t *testing.T) {
		meta := &models.ThreadMetadata{ThreadID: "t1", Title: "hi", CTTxid: "ct", CTVout: models.IntPtr(0), UpdatedAt: time.Unix(7, 0).UTC()}
		require.NoError(t, s.SaveMetadata(ctx, meta))
		got, err := s.GetMetadata(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, meta, got)
		require.NoError(t, s.DeleteMetadata(ctx, "t1"))
		_, err = s.GetMetadata(ctx, "t1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		sum := &models.ConversationSummary{ThreadID: "t1", Status: models.StatusReady, UpdatedAt: time.Unix(8, 0).UTC()}
		require.NoError(t, s.SaveSummary(ctx, sum))
		gotSum, err := s.GetSummary(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, sum, gotSum)
		require.NoError(t, s.DeleteSummary(ctx, "t1"))
		_, err = s.GetSummary(ctx, "t1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
