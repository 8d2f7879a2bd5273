// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/access"
	"github.com/efchatnet/efthread/backend/guest"
	"github.com/efchatnet/efthread/backend/handlers"
	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/lifecycle"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/overlay"
	"github.com/efchatnet/efthread/backend/relay"
	"github.com/efchatnet/efthread/backend/storage/memory"
	"github.com/efchatnet/efthread/backend/upgrade"
	"github.com/efchatnet/efthread/backend/wallet"
)

type device struct {
	rt     *Runtime
	store  *memory.Store
	wallet *wallet.LocalWallet
}

func newDevice(t *testing.T, cfg overlay.Config) *device {
	t.Helper()
	w, err := wallet.GenerateLocalWallet()
	require.NoError(t, err)
	store := memory.NewStore()
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = -1
	}
	cfg.ReconnectDelays = []time.Duration{10 * time.Millisecond}
	cfg.Signer = w.Key()

	rt, err := NewRuntime(Config{
		Store:         store,
		Wallet:        w,
		Overlay:       overlay.New(cfg),
		InviteBaseURL: "https://efchat.net",
		InviteTTL:     time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	require.NoError(t, rt.ValidateSetup(context.Background()))
	require.NoError(t, rt.Start(context.Background()))
	return &device{rt: rt, store: store, wallet: w}
}

func newRelay(t *testing.T) (*relay.Server, overlay.Config) {
	t.Helper()
	s := relay.New(nil, nil)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, overlay.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", Origin: srv.URL}
}

func online(t *testing.T, d *device) {
	t.Helper()
	require.Eventually(t, func() bool { return d.rt.overlay.State() == overlay.StateOnline }, 2*time.Second, 5*time.Millisecond)
}

func TestInviteUpgradeBurnAcrossRelay(t *testing.T) {
	ctx := context.Background()
	s, cfg := newRelay(t)
	alice := newDevice(t, cfg)
	bob := newDevice(t, cfg)
	online(t, alice)
	online(t, bob)

	thread, err := alice.rt.CreateThread(ctx, models.PolicyMutual, "plans")
	require.NoError(t, err)
	threadID := thread.ThreadID

	issued, err := alice.rt.IssueInvite(ctx, lifecycle.InviteRequest{ThreadID: threadID})
	require.NoError(t, err)

	joined, err := bob.rt.AcceptInvite(ctx, issued.URL, "session-bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, joined.Status)
	assert.Equal(t, models.IdentityGuest, joined.IdentityKind)

	key, decision, err := bob.rt.ThreadKey(ctx, threadID, issued.GuestPublicKey)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonValidDT, decision.Reason)
	aliceKey, ok := alice.rt.keyRing.Get(threadID)
	require.True(t, ok)
	assert.Equal(t, aliceKey, key)

	require.Eventually(t, func() bool { return s.Subscribers(threadID) == 2 }, 2*time.Second, 5*time.Millisecond)

	upgraded, err := bob.rt.Upgrade(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityHolder, upgraded.IdentityKind)
	assert.Nil(t, upgraded.GuestIdentityID)

	bobPub, err := bob.wallet.IdentityKey(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := alice.store.GetReceipt(ctx, threadID)
		return err == nil && r.PeerWalletPublicKey == bobPub
	}, 2*time.Second, 5*time.Millisecond, "link control reaches the inviter")

	burned, err := alice.rt.BurnCT(ctx, threadID)
	require.NoError(t, err)
	assert.NotEmpty(t, burned.BurnTxid)

	require.Eventually(t, func() bool {
		r, err := bob.store.GetReceipt(ctx, threadID)
		return err == nil && r.Status == models.StatusBurned
	}, 2*time.Second, 5*time.Millisecond, "burn control reaches the guest")

	r, err := bob.store.GetReceipt(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.BurnedByPeer, r.BurnedBy)
	assert.Equal(t, burned.BurnTxid, r.BurnTxid)
	assert.Empty(t, r.Wrap)

	decision, err = bob.rt.Access(ctx, threadID, issued.GuestPublicKey)
	require.NoError(t, err)
	assert.False(t, decision.HasAccess)
	assert.Equal(t, access.ReasonCTBurned, decision.Reason)
	_, ok = bob.rt.keyRing.Get(threadID)
	assert.False(t, ok)

	_, err = bob.rt.AcceptInvite(ctx, issued.URL, "session-bob")
	require.ErrorIs(t, err, guest.ErrThreadClosed, "a burned thread cannot be rejoined")
	decision, err = bob.rt.Access(ctx, threadID, issued.GuestPublicKey)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonCTBurned, decision.Reason)
	_, ok = bob.rt.keyRing.Get(threadID)
	assert.False(t, ok)

	require.Eventually(t, func() bool { return s.Subscribers(threadID) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAcceptRejectsBlockedInviter(t *testing.T) {
	ctx := context.Background()
	alice := newDevice(t, overlay.Config{Mode: overlay.ModeStub})
	bob := newDevice(t, overlay.Config{Mode: overlay.ModeStub})

	thread, err := alice.rt.CreateThread(ctx, models.PolicyInitiator, "")
	require.NoError(t, err)
	issued, err := alice.rt.IssueInvite(ctx, lifecycle.InviteRequest{ThreadID: thread.ThreadID})
	require.NoError(t, err)

	require.NoError(t, bob.rt.Block(ctx, thread.Inviter, "spam"))
	_, err = bob.rt.AcceptInvite(ctx, issued.Blob, "s")
	assert.ErrorIs(t, err, guest.ErrInviterBlocked)

	require.NoError(t, bob.rt.Unblock(ctx, thread.Inviter))
	_, err = bob.rt.AcceptInvite(ctx, issued.Blob, "s")
	require.NoError(t, err)

	r, err := bob.rt.Leave(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLeft, r.Status)

	_, err = bob.rt.AcceptInvite(ctx, issued.Blob, "s")
	require.ErrorIs(t, err, guest.ErrThreadClosed)
	r, err = bob.rt.Receipt(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLeft, r.Status)
	assert.Empty(t, r.Wrap)
	decision, err := bob.rt.Access(ctx, thread.ThreadID, issued.GuestPublicKey)
	require.NoError(t, err)
	assert.Equal(t, access.ReasonUserLeft, decision.Reason)

	_, err = bob.rt.Upgrade(ctx, thread.ThreadID)
	require.ErrorIs(t, err, upgrade.ErrInvalidTransition, "a left guest cannot link a wallet")
}

func TestAccessWithoutReceipt(t *testing.T) {
	d := newDevice(t, overlay.Config{})
	assert.Equal(t, overlay.ModeOffline, d.rt.overlay.Mode())

	decision, err := d.rt.Access(context.Background(), "missing", "02abc")
	require.NoError(t, err)
	assert.Equal(t, access.ReasonNoDTFound, decision.Reason)

	_, err = d.rt.AcceptInvite(context.Background(), "https://efchat.net/invite/", "s")
	assert.ErrorIs(t, err, invite.ErrInvalidInvite)
}

func TestThreadAPI(t *testing.T) {
	d := newDevice(t, overlay.Config{Mode: overlay.ModeStub})
	router := mux.NewRouter()
	d.rt.RegisterRoutes(router, nil)

	call := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(handlers.SessionHeader, "session-api")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := call(http.MethodPost, "/api/threads", `{"policy":"mutual","title":"t"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var thread models.JoinReceipt
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&thread))
	assert.Equal(t, models.IdentityHolder, thread.IdentityKind)

	assert.Equal(t, http.StatusBadRequest, call(http.MethodPost, "/api/threads", `{"policy":"nobody"}`).Code)
	assert.Equal(t, http.StatusNotFound, call(http.MethodGet, "/api/threads/nope", "").Code)
	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "/api/threads/"+thread.ThreadID+"/leave", "").Code, "holders burn, never leave")

	rec = call(http.MethodPost, "/api/threads/"+thread.ThreadID+"/invites", `{"expiresInSeconds":60}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&issued))
	assert.True(t, strings.HasPrefix(issued["url"], "https://efchat.net/invite/"))

	rec = call(http.MethodPost, "/api/invites/accept", `{"invite":"`+issued["blob"]+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "a holder cannot demote itself")

	rec = call(http.MethodGet, "/api/threads/"+thread.ThreadID+"/access?caller="+issued["guestPublicKey"], "")
	require.Equal(t, http.StatusOK, rec.Code)
	var decision access.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.Equal(t, access.ReasonValidDT, decision.Reason, "the holder receipt lists the guest data token")

	rec = call(http.MethodPost, "/api/threads/"+thread.ThreadID+"/burn", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "/api/threads/"+thread.ThreadID+"/burn", "").Code)
	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "/api/invites/accept", `{"invite":"`+issued["blob"]+`"}`).Code, "burned threads stay closed")

	assert.Equal(t, http.StatusCreated, call(http.MethodPost, "/api/blocks", `{"inviter":"02abc"}`).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodDelete, "/api/blocks/02abc", "").Code)

	rec = call(http.MethodGet, "/api/overlay/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mode":"stub","state":"online","queued":0}`, rec.Body.String())
}
