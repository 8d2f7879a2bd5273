// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package integration

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efthread/backend/handlers"
)

// RegisterRoutes adds the thread API under /api on router. A nil
// authMiddleware leaves the routes unauthenticated.
func (rt *Runtime) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	handlers.NewThreadHandler(rt, rt.logger).RegisterRoutes(api)
	api.HandleFunc("/overlay/status", rt.OverlayStatus).Methods("GET", "OPTIONS")
}

// OverlayStatus reports the overlay connection for connectivity indicators.
func (rt *Runtime) OverlayStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"mode":%q,"state":%q,"queued":%d}`, rt.overlay.Mode(), rt.overlay.State(), rt.overlay.QueueLen())
}

// ValidateSetup checks that the store answers and, when a wallet is
// configured, that it exposes an identity key.
func (rt *Runtime) ValidateSetup(ctx context.Context) error {
	if _, err := rt.store.ListReceipts(ctx); err != nil {
		return &ValidationError{Field: "store", Message: err.Error()}
	}
	if rt.wallet == nil {
		return nil
	}
	pub, err := rt.wallet.IdentityKey(ctx)
	if err != nil {
		return &ValidationError{Field: "wallet", Message: err.Error()}
	}
	if strings.TrimSpace(pub) == "" {
		return &ValidationError{Field: "wallet", Message: "wallet has no identity key"}
	}
	return nil
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}
