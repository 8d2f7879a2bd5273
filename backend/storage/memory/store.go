// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package memory provides in-process stores for tests and stub mode.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

// Store keeps every record as JSON so callers never share memory with it.
type Store struct {
	mu         sync.RWMutex
	receipts   map[string][]byte
	identities map[string][]byte
	blocked    map[string]models.BlockedInviter
	metadata   map[string][]byte
	summaries  map[string][]byte
}

func NewStore() *Store {
	return &Store{
		receipts:   make(map[string][]byte),
		identities: make(map[string][]byte),
		blocked:    make(map[string]models.BlockedInviter),
		metadata:   make(map[string][]byte),
		summaries:  make(map[string][]byte),
	}
}

var _ storage.Store = (*Store)(nil)

func put(m map[string][]byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[key] = data
	return nil
}

func get[T any](m map[string][]byte, key string) (*T, error) {
	data, ok := m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) GetReceipt(_ context.Context, threadID string) (*models.JoinReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get[models.JoinReceipt](s.receipts, threadID)
}

func (s *Store) SaveReceipt(_ context.Context, receipt *models.JoinReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.receipts, receipt.ThreadID, receipt)
}

func (s *Store) DeleteReceipt(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receipts, threadID)
	return nil
}

func (s *Store) ListReceipts(_ context.Context) ([]*models.JoinReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.receipts))
	for id := range s.receipts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.JoinReceipt, 0, len(ids))
	for _, id := range ids {
		r, err := get[models.JoinReceipt](s.receipts, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SaveGuestIdentity(_ context.Context, identity *models.GuestIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.identities, identity.ID, identity)
}

func (s *Store) GetGuestIdentity(_ context.Context, id string) (*models.GuestIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get[models.GuestIdentity](s.identities, id)
}

func (s *Store) DeleteGuestIdentity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, id)
	return nil
}

func (s *Store) BlockInviter(_ context.Context, entry models.BlockedInviter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[entry.Pubkey] = entry
	return nil
}

func (s *Store) UnblockInviter(_ context.Context, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, pubkey)
	return nil
}

func (s *Store) IsInviterBlocked(_ context.Context, pubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[pubkey]
	return ok, nil
}

func (s *Store) ListBlockedInviters(_ context.Context) ([]models.BlockedInviter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BlockedInviter, 0, len(s.blocked))
	for _, b := range s.blocked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out, nil
}

func (s *Store) GetMetadata(_ context.Context, threadID string) (*models.ThreadMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get[models.ThreadMetadata](s.metadata, threadID)
}

func (s *Store) SaveMetadata(_ context.Context, meta *models.ThreadMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.metadata, meta.ThreadID, meta)
}

func (s *Store) DeleteMetadata(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, threadID)
	return nil
}

func (s *Store) GetSummary(_ context.Context, threadID string) (*models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get[models.ConversationSummary](s.summaries, threadID)
}

func (s *Store) SaveSummary(_ context.Context, summary *models.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.summaries, summary.ThreadID, summary)
}

func (s *Store) DeleteSummary(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.summaries, threadID)
	return nil
}

func (s *Store) Close() error { return nil }

// CacheStore is a bounded in-process helper cache.
type CacheStore struct {
	mu         sync.Mutex
	entries    map[string]models.CacheEntry
	maxEntries int
}

// NewCacheStore returns a cache holding at most maxEntries live entries;
// zero means unbounded.
func NewCacheStore(maxEntries int) *CacheStore {
	return &CacheStore{entries: make(map[string]models.CacheEntry), maxEntries: maxEntries}
}

var _ storage.CacheStore = (*CacheStore)(nil)

func (c *CacheStore) Put(_ context.Context, entry models.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.ID]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.pruneLocked(time.Now())
		if len(c.entries) >= c.maxEntries {
			return storage.ErrCacheFull
		}
	}
	c.entries[entry.ID] = entry
	return nil
}

func (c *CacheStore) Get(_ context.Context, id string) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.Expired(time.Now()) {
		delete(c.entries, id)
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

func (c *CacheStore) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return storage.ErrNotFound
	}
	delete(c.entries, id)
	return nil
}

func (c *CacheStore) Prune(_ context.Context, now time.Time) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := c.pruneLocked(now)
	return pruned, len(c.entries), nil
}

func (c *CacheStore) pruneLocked(now time.Time) int {
	pruned := 0
	for id, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, id)
			pruned++
		}
	}
	return pruned
}
