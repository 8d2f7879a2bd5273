// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efthread/backend/models"
)

// ErrNotFound is returned by every store when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCacheFull is returned by CacheStore.Put when the cache is at capacity.
var ErrCacheFull = errors.New("cache is full")

type ReceiptStore interface {
	GetReceipt(ctx context.Context, threadID string) (*models.JoinReceipt, error)
	SaveReceipt(ctx context.Context, receipt *models.JoinReceipt) error
	DeleteReceipt(ctx context.Context, threadID string) error
	ListReceipts(ctx context.Context) ([]*models.JoinReceipt, error)
}

type IdentityStore interface {
	SaveGuestIdentity(ctx context.Context, identity *models.GuestIdentity) error
	GetGuestIdentity(ctx context.Context, id string) (*models.GuestIdentity, error)
	DeleteGuestIdentity(ctx context.Context, id string) error
}

type BlockStore interface {
	BlockInviter(ctx context.Context, entry models.BlockedInviter) error
	UnblockInviter(ctx context.Context, pubkey string) error
	IsInviterBlocked(ctx context.Context, pubkey string) (bool, error)
	ListBlockedInviters(ctx context.Context) ([]models.BlockedInviter, error)
}

type MetadataStore interface {
	GetMetadata(ctx context.Context, threadID string) (*models.ThreadMetadata, error)
	SaveMetadata(ctx context.Context, meta *models.ThreadMetadata) error
	DeleteMetadata(ctx context.Context, threadID string) error
}

type SummaryStore interface {
	GetSummary(ctx context.Context, threadID string) (*models.ConversationSummary, error)
	SaveSummary(ctx context.Context, summary *models.ConversationSummary) error
	DeleteSummary(ctx context.Context, threadID string) error
}

// Store is the local persistence used by the thread access state machine.
type Store interface {
	ReceiptStore
	IdentityStore
	BlockStore
	MetadataStore
	SummaryStore
	Close() error
}

// CacheStore backs the helper cache HTTP API.
type CacheStore interface {
	Put(ctx context.Context, entry models.CacheEntry) error
	Get(ctx context.Context, id string) (*models.CacheEntry, error)
	Delete(ctx context.Context, id string) error
	Prune(ctx context.Context, now time.Time) (pruned int, remaining int, err error)
}
