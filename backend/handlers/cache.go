// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package handlers serves the helper cache and invite preview HTTP APIs.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/efchatnet/efthread/backend/logging"
	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

// DefaultCacheTTL applies when the handler is built with a zero TTL.
const DefaultCacheTTL = 172800 * time.Second

// PersistentPrefix marks cache ids that never expire.
const PersistentPrefix = "wallet-backup"

// MaxCachePayload bounds the request body of POST /cache.
const MaxCachePayload = 1 << 20

type CacheHandler struct {
	store  storage.CacheStore
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewCacheHandler(store storage.CacheStore, ttl time.Duration, logger *zap.Logger) *CacheHandler {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CacheHandler{
		store:  store,
		ttl:    ttl,
		logger: logging.OrNop(logger).Named("cache"),
		now:    time.Now,
	}
}

// RegisterRoutes mounts the cache API under router.
func (h *CacheHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/cache", h.Put).Methods("POST", "OPTIONS")
	router.HandleFunc("/cache/prune", h.Prune).Methods("POST", "OPTIONS")
	router.HandleFunc("/cache/{id}", h.Get).Methods("GET", "OPTIONS")
	router.HandleFunc("/cache/{id}", h.Delete).Methods("DELETE", "OPTIONS")
}

type cachePutRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (h *CacheHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req cachePutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxCachePayload)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || len(req.Payload) == 0 {
		http.Error(w, "id and payload are required", http.StatusBadRequest)
		return
	}

	now := h.now().UTC()
	entry := models.CacheEntry{ID: req.ID, Payload: req.Payload, CreatedAt: now}
	if !strings.HasPrefix(req.ID, PersistentPrefix) {
		exp := now.Add(h.ttl)
		entry.ExpiresAt = &exp
	}

	if err := h.store.Put(r.Context(), entry); err != nil {
		if errors.Is(err, storage.ErrCacheFull) {
			http.Error(w, "Cache is full", http.StatusInsufficientStorage)
			return
		}
		h.logger.Error("failed to store cache entry", zap.String("id", req.ID), zap.Error(err))
		http.Error(w, "Failed to store entry", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to read cache entry", zap.String("id", id), zap.Error(err))
		http.Error(w, "Failed to read entry", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *CacheHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to delete cache entry", zap.String("id", id), zap.Error(err))
		http.Error(w, "Failed to delete entry", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *CacheHandler) Prune(w http.ResponseWriter, r *http.Request) {
	pruned, remaining, err := h.store.Prune(r.Context(), h.now())
	if err != nil {
		h.logger.Error("failed to prune cache", zap.Error(err))
		http.Error(w, "Failed to prune cache", http.StatusInternalServerError)
		return
	}
	if pruned > 0 {
		h.logger.Info("cache pruned", zap.Int("pruned", pruned), zap.Int("remaining", remaining))
	}

	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned, "remaining": remaining})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
