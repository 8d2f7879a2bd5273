// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pebble is the on-device store: one pebble database holding
// receipts, guest identities, the block list, metadata and summaries as JSON
// values under per-kind key prefixes.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

const (
	receiptPrefix  = "receipt/"
	identityPrefix = "identity/"
	blockPrefix    = "block/"
	metaPrefix     = "meta/"
	summaryPrefix  = "summary/"
)

type Store struct {
	db *pebble.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *Store) get(key string, v any) error {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *Store) delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

// scan calls fn with the value of every key under prefix, in key order.
func (s *Store) scan(prefix string, fn func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (s *Store) GetReceipt(_ context.Context, threadID string) (*models.JoinReceipt, error) {
	var r models.JoinReceipt
	if err := s.get(receiptPrefix+threadID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveReceipt(_ context.Context, receipt *models.JoinReceipt) error {
	return s.put(receiptPrefix+receipt.ThreadID, receipt)
}

func (s *Store) DeleteReceipt(_ context.Context, threadID string) error {
	return s.delete(receiptPrefix + threadID)
}

func (s *Store) ListReceipts(_ context.Context) ([]*models.JoinReceipt, error) {
	var out []*models.JoinReceipt
	err := s.scan(receiptPrefix, func(value []byte) error {
		var r models.JoinReceipt
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (s *Store) SaveGuestIdentity(_ context.Context, identity *models.GuestIdentity) error {
	return s.put(identityPrefix+identity.ID, identity)
}

func (s *Store) GetGuestIdentity(_ context.Context, id string) (*models.GuestIdentity, error) {
	var g models.GuestIdentity
	if err := s.get(identityPrefix+id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) DeleteGuestIdentity(_ context.Context, id string) error {
	return s.delete(identityPrefix + id)
}

func (s *Store) BlockInviter(_ context.Context, entry models.BlockedInviter) error {
	return s.put(blockPrefix+entry.Pubkey, entry)
}

func (s *Store) UnblockInviter(_ context.Context, pubkey string) error {
	return s.delete(blockPrefix + pubkey)
}

func (s *Store) IsInviterBlocked(_ context.Context, pubkey string) (bool, error) {
	var b models.BlockedInviter
	err := s.get(blockPrefix+pubkey, &b)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListBlockedInviters(_ context.Context) ([]models.BlockedInviter, error) {
	var out []models.BlockedInviter
	err := s.scan(blockPrefix, func(value []byte) error {
		var b models.BlockedInviter
		if err := json.Unmarshal(value, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

func (s *Store) GetMetadata(_ context.Context, threadID string) (*models.ThreadMetadata, error) {
	var m models.ThreadMetadata
	if err := s.get(metaPrefix+threadID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) SaveMetadata(_ context.Context, meta *models.ThreadMetadata) error {
	return s.put(metaPrefix+meta.ThreadID, meta)
}

func (s *Store) DeleteMetadata(_ context.Context, threadID string) error {
	return s.delete(metaPrefix + threadID)
}

func (s *Store) GetSummary(_ context.Context, threadID string) (*models.ConversationSummary, error) {
	var sum models.ConversationSummary
	if err := s.get(summaryPrefix+threadID, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) SaveSummary(_ context.Context, summary *models.ConversationSummary) error {
	return s.put(summaryPrefix+summary.ThreadID, summary)
}

func (s *Store) DeleteSummary(_ context.Context, threadID string) error {
	return s.delete(summaryPrefix + threadID)
}
