// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/access"
	"github.com/efchatnet/efthread/backend/guest"
	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/lifecycle"
	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/middleware"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
	"github.com/efchatnet/efthread/backend/upgrade"
)

// ThreadService is the device-side thread API.
type ThreadService interface {
	CreateThread(ctx context.Context, policy models.Policy, title string) (*models.JoinReceipt, error)
	MintCT(ctx context.Context, threadID string) (*lifecycle.CTResult, error)
	IssueInvite(ctx context.Context, req lifecycle.InviteRequest) (*lifecycle.IssuedInvite, error)
	AcceptInvite(ctx context.Context, inviteRef, sessionID string) (*models.JoinReceipt, error)
	Upgrade(ctx context.Context, threadID string) (*models.JoinReceipt, error)
	BurnCT(ctx context.Context, threadID string) (*lifecycle.BurnResult, error)
	Leave(ctx context.Context, threadID string) (*models.JoinReceipt, error)
	Block(ctx context.Context, inviter, reason string) error
	Unblock(ctx context.Context, inviter string) error
	Receipt(ctx context.Context, threadID string) (*models.JoinReceipt, error)
	Access(ctx context.Context, threadID, caller string) (access.Decision, error)
}

// SessionHeader carries the session id when no bearer token supplied one.
const SessionHeader = "X-Session-ID"

type ThreadHandler struct {
	service ThreadService
	logger  *zap.Logger
}

func NewThreadHandler(service ThreadService, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{service: service, logger: logging.OrNop(logger).Named("threads")}
}

func (h *ThreadHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/threads", h.CreateThread).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}", h.GetReceipt).Methods("GET", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/ct", h.MintCT).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/invites", h.IssueInvite).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/upgrade", h.Upgrade).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/burn", h.Burn).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/leave", h.Leave).Methods("POST", "OPTIONS")
	router.HandleFunc("/threads/{thread_id}/access", h.Access).Methods("GET", "OPTIONS")
	router.HandleFunc("/invites/accept", h.AcceptInvite).Methods("POST", "OPTIONS")
	router.HandleFunc("/blocks", h.Block).Methods("POST", "OPTIONS")
	router.HandleFunc("/blocks/{inviter}", h.Unblock).Methods("DELETE", "OPTIONS")
}

type createThreadRequest struct {
	Policy models.Policy `json:"policy"`
	Title  string        `json:"title"`
}

func (h *ThreadHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Policy == "" {
		req.Policy = models.PolicyMutual
	}
	if !req.Policy.Valid() {
		http.Error(w, "Invalid policy", http.StatusBadRequest)
		return
	}

	receipt, err := h.service.CreateThread(r.Context(), req.Policy, req.Title)
	if err != nil {
		h.fail(w, "create thread", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *ThreadHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Receipt(r.Context(), mux.Vars(r)["thread_id"])
	if err != nil {
		h.fail(w, "get receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *ThreadHandler) MintCT(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.MintCT(r.Context(), mux.Vars(r)["thread_id"])
	if err != nil {
		h.fail(w, "mint control token", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ct":       res.CT,
		"issuance": res.Issuance,
		"mintedAt": res.MintedAt,
		"receipt":  res.Receipt,
	})
}

type issueInviteRequest struct {
	ExpiresInSeconds int64           `json:"expiresInSeconds"`
	Profile          *models.Profile `json:"profile"`
}

func (h *ThreadHandler) IssueInvite(w http.ResponseWriter, r *http.Request) {
	var req issueInviteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.ExpiresInSeconds < 0 {
		http.Error(w, "expiresInSeconds must not be negative", http.StatusBadRequest)
		return
	}

	issued, err := h.service.IssueInvite(r.Context(), lifecycle.InviteRequest{
		ThreadID:  mux.Vars(r)["thread_id"],
		ExpiresIn: time.Duration(req.ExpiresInSeconds) * time.Second,
		Profile:   req.Profile,
	})
	if err != nil {
		h.fail(w, "issue invite", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"blob":           issued.Blob,
		"url":            issued.URL,
		"guestPublicKey": issued.GuestPublicKey,
	})
}

type acceptInviteRequest struct {
	Invite string `json:"invite"`
}

func (h *ThreadHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	sessionID, ok := middleware.GetSessionID(r)
	if !ok {
		sessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
	}
	if sessionID == "" {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return
	}

	receipt, err := h.service.AcceptInvite(r.Context(), req.Invite, sessionID)
	if err != nil {
		h.fail(w, "accept invite", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *ThreadHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Upgrade(r.Context(), mux.Vars(r)["thread_id"])
	if err != nil {
		h.fail(w, "upgrade", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *ThreadHandler) Burn(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.BurnCT(r.Context(), mux.Vars(r)["thread_id"])
	if err != nil {
		h.fail(w, "burn", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"burnTxid": res.BurnTxid,
		"burnedAt": res.BurnedAt,
		"receipt":  res.Receipt,
	})
}

func (h *ThreadHandler) Leave(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.Leave(r.Context(), mux.Vars(r)["thread_id"])
	if err != nil {
		h.fail(w, "leave", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *ThreadHandler) Access(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.URL.Query().Get("caller"))
	if caller == "" {
		http.Error(w, "caller is required", http.StatusBadRequest)
		return
	}
	decision, err := h.service.Access(r.Context(), mux.Vars(r)["thread_id"], caller)
	if err != nil {
		h.fail(w, "access", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type blockRequest struct {
	Inviter string `json:"inviter"`
	Reason  string `json:"reason"`
}

func (h *ThreadHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Inviter) == "" {
		http.Error(w, "inviter is required", http.StatusBadRequest)
		return
	}
	if err := h.service.Block(r.Context(), req.Inviter, req.Reason); err != nil {
		h.fail(w, "block", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked"})
}

func (h *ThreadHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unblock(r.Context(), mux.Vars(r)["inviter"]); err != nil {
		h.fail(w, "unblock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (h *ThreadHandler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.Error(err))
	} else {
		h.logger.Debug(op+" rejected", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, invite.ErrInvalidInvite):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, guest.ErrInviterBlocked), errors.Is(err, lifecycle.ErrBurnNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, guest.ErrAlreadyHolder),
		errors.Is(err, guest.ErrThreadClosed),
		errors.Is(err, upgrade.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrLeaveUnsupported),
		errors.Is(err, lifecycle.ErrNoControlToken),
		errors.Is(err, lifecycle.ErrNotHolder),
		errors.Is(err, lifecycle.ErrMissingThreadKey),
		errors.Is(err, upgrade.ErrGuestKeyUnavailable):
		return http.StatusConflict
	case errors.Is(err, upgrade.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, upgrade.ErrUnableToSignUpgradeStatement):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
