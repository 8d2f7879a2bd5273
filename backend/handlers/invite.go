// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efthread/backend/invite"
	"github.com/efchatnet/efthread/backend/models"
)

// InviteHandler decodes invite blobs without accepting them.
type InviteHandler struct{}

func NewInviteHandler() *InviteHandler {
	return &InviteHandler{}
}

func (h *InviteHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/invite/{blob}", h.Preview).Methods("GET", "OPTIONS")
}

type InvitePreview struct {
	ThreadID  string          `json:"threadId"`
	Inviter   string          `json:"inviter"`
	Policy    models.Policy   `json:"policy"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Expired   bool            `json:"expired"`
	Hash      string          `json:"hash"`
	HasTokens bool            `json:"hasTokens"`
	Profile   *models.Profile `json:"inviterProfile,omitempty"`
}

// Preview returns what a guest would join. It never touches local state.
func (h *InviteHandler) Preview(w http.ResponseWriter, r *http.Request) {
	dec, err := invite.Decode(mux.Vars(r)["blob"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, PreviewOf(dec, time.Now()))
}

// PreviewOf summarises a decoded invite at now.
func PreviewOf(dec *invite.Decoded, now time.Time) InvitePreview {
	p := dec.Payload
	preview := InvitePreview{
		ThreadID:  p.ThreadID,
		Inviter:   p.Inviter,
		Policy:    p.Policy,
		Hash:      dec.Hash,
		HasTokens: p.Tokens != nil && p.Tokens.CT != nil && p.Tokens.DTIssuance != nil,
	}
	if p.ExpiresAtUnix > 0 {
		exp := time.Unix(p.ExpiresAtUnix, 0).UTC()
		preview.ExpiresAt = &exp
		preview.Expired = !now.Before(exp)
	}
	if p.Meta != nil {
		preview.Profile = p.Meta.InviterProfile
	}
	return preview
}
