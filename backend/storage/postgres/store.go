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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/efthread/backend/models"
	"github.com/efchatnet/efthread/backend/storage"
)

// Store keeps the thread access records in Postgres. The full record is a
// JSONB document; the columns next to it exist for indexing and operators.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanJSON(row *sql.Row, v any) error {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) GetReceipt(ctx context.Context, threadID string) (*models.JoinReceipt, error) {
	var r models.JoinReceipt
	err := scanJSON(s.db.QueryRowContext(ctx, `
		SELECT data FROM join_receipts WHERE thread_id = $1`, threadID), &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SaveReceipt(ctx context.Context, receipt *models.JoinReceipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO join_receipts (thread_id, inviter, identity_kind, status, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id) DO UPDATE
		SET inviter = $2, identity_kind = $3, status = $4, data = $5, updated_at = $6`,
		receipt.ThreadID, receipt.Inviter, string(receipt.IdentityKind), string(receipt.Status), data, time.Now())
	return err
}

func (s *Store) DeleteReceipt(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM join_receipts WHERE thread_id = $1`, threadID)
	return err
}

func (s *Store) ListReceipts(ctx context.Context) ([]*models.JoinReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM join_receipts ORDER BY thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JoinReceipt
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.JoinReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) SaveGuestIdentity(ctx context.Context, identity *models.GuestIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guest_identities (id, session_id, thread_id, private_key_hex, public_key_hex, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET session_id = $2, thread_id = $3, private_key_hex = $4, public_key_hex = $5`,
		identity.ID, identity.SessionID, identity.ThreadID, identity.PrivateKeyHex, identity.PublicKeyHex, identity.CreatedAt)
	return err
}

func (s *Store) GetGuestIdentity(ctx context.Context, id string) (*models.GuestIdentity, error) {
	g := &models.GuestIdentity{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, thread_id, private_key_hex, public_key_hex, created_at
		FROM guest_identities WHERE id = $1`, id).Scan(
		&g.ID, &g.SessionID, &g.ThreadID, &g.PrivateKeyHex, &g.PublicKeyHex, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

func (s *Store) DeleteGuestIdentity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guest_identities WHERE id = $1`, id)
	return err
}

func (s *Store) BlockInviter(ctx context.Context, entry models.BlockedInviter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_inviters (pubkey, reason, blocked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pubkey) DO UPDATE SET reason = $2, blocked_at = $3`,
		entry.Pubkey, entry.Reason, entry.BlockedAt)
	return err
}

func (s *Store) UnblockInviter(ctx context.Context, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_inviters WHERE pubkey = $1`, pubkey)
	return err
}

func (s *Store) IsInviterBlocked(ctx context.Context, pubkey string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM blocked_inviters WHERE pubkey = $1)`, pubkey).Scan(&exists)
	return exists, err
}

func (s *Store) ListBlockedInviters(ctx context.Context) ([]models.BlockedInviter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, reason, blocked_at FROM blocked_inviters ORDER BY pubkey`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BlockedInviter
	for rows.Next() {
		var b models.BlockedInviter
		if err := rows.Scan(&b.Pubkey, &b.Reason, &b.BlockedAt); err != nil {
			return nil, err
		}
		b.BlockedAt = b.BlockedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetMetadata(ctx context.Context, threadID string) (*models.ThreadMetadata, error) {
	var m models.ThreadMetadata
	err := scanJSON(s.db.QueryRowContext(ctx, `
		SELECT data FROM thread_metadata WHERE thread_id = $1`, threadID), &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) SaveMetadata(ctx context.Context, meta *models.ThreadMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_metadata (thread_id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET data = $2, updated_at = $3`,
		meta.ThreadID, data, time.Now())
	return err
}

func (s *Store) DeleteMetadata(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_metadata WHERE thread_id = $1`, threadID)
	return err
}

func (s *Store) GetSummary(ctx context.Context, threadID string) (*models.ConversationSummary, error) {
	var sum models.ConversationSummary
	err := scanJSON(s.db.QueryRowContext(ctx, `
		SELECT data FROM conversation_summaries WHERE thread_id = $1`, threadID), &sum)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *Store) SaveSummary(ctx context.Context, summary *models.ConversationSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_summaries (thread_id, status, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE SET status = $2, data = $3, updated_at = $4`,
		summary.ThreadID, string(summary.Status), data, time.Now())
	return err
}

func (s *Store) DeleteSummary(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_summaries WHERE thread_id = $1`, threadID)
	return err
}
