// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

const (
	// Redis key prefixes
	cacheEntryPrefix = "cache:entry:" // cache:entry:{id} - JSON entry, native TTL
	cacheIndexKey    = "cache:index"  // set of live entry ids, used for capacity
)

// CacheStore keeps helper cache blobs in Redis. Expiry is left to Redis;
// the index set is reconciled lazily on reads and by Prune.
type CacheStore struct {
	rdb        *redis.Client
	maxEntries int64
}

var _ storage.CacheStore = (*CacheStore)(nil)

func NewCacheStore(rdb *redis.Client, maxEntries int) *CacheStore {
	return &CacheStore{rdb: rdb, maxEntries: int64(maxEntries)}
}

func (s *CacheStore) Put(ctx context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if s.maxEntries > 0 {
		member, err := s.rdb.SIsMember(ctx, cacheIndexKey, entry.ID).Result()
		if err != nil {
			return fmt.Errorf("failed to check cache index: %w", err)
		}
		if !member {
			count, err := s.rdb.SCard(ctx, cacheIndexKey).Result()
			if err != nil {
				return fmt.Errorf("failed to count cache entries: %w", err)
			}
			if count >= s.maxEntries {
				if _, _, err := s.Prune(ctx, time.Now()); err != nil {
					return err
				}
				if count, err = s.rdb.SCard(ctx, cacheIndexKey).Result(); err != nil {
					return fmt.Errorf("failed to count cache entries: %w", err)
				}
				if count >= s.maxEntries {
					return storage.ErrCacheFull
				}
			}
		}
	}

	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.rdb.Set(ctx, cacheEntryPrefix+entry.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	if err := s.rdb.SAdd(ctx, cacheIndexKey, entry.ID).Err(); err != nil {
		return fmt.Errorf("failed to index cache entry: %w", err)
	}
	return nil
}

func (s *CacheStore) Get(ctx context.Context, id string) (*models.CacheEntry, error) {
	data, err := s.rdb.Get(ctx, cacheEntryPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		// expired or deleted, drop from the index
		s.rdb.SRem(ctx, cacheIndexKey, id)
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, nil
}

func (s *CacheStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, cacheEntryPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	s.rdb.SRem(ctx, cacheIndexKey, id)
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Prune drops index members whose entries Redis already expired.
func (s *CacheStore) Prune(ctx context.Context, _ time.Time) (int, int, error) {
	ids, err := s.rdb.SMembers(ctx, cacheIndexKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list cache index: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		if s.rdb.Exists(ctx, cacheEntryPrefix+id).Val() == 0 {
			s.rdb.SRem(ctx, cacheIndexKey, id)
			pruned++
		}
	}
	remaining, err := s.rdb.SCard(ctx, cacheIndexKey).Result()
	if err != nil {
		return pruned, 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return pruned, int(remaining), nil
}
