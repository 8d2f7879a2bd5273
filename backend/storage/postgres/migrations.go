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

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Join receipts, one per thread on this device
		`CREATE TABLE IF NOT EXISTS join_receipts (
			thread_id VARCHAR(255) PRIMARY KEY,
			inviter VARCHAR(255) NOT NULL DEFAULT '',
			identity_kind VARCHAR(16) NOT NULL CHECK (identity_kind IN ('guest', 'holder', '')),
			status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'ready', 'burned', 'left', 'blocked')),
			data JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_join_receipts_inviter
		ON join_receipts(inviter)`,

		// Guest identities (ephemeral keys, deleted on upgrade or leave)
		`CREATE TABLE IF NOT EXISTS guest_identities (
			id VARCHAR(64) PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			thread_id VARCHAR(255) NOT NULL,
			private_key_hex VARCHAR(64) NOT NULL,
			public_key_hex VARCHAR(130) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_guest_identities_thread
		ON guest_identities(thread_id)`,

		// Inviters whose future invites are rejected
		`CREATE TABLE IF NOT EXISTS blocked_inviters (
			pubkey VARCHAR(130) PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			blocked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Local thread metadata (never holds raw thread keys)
		`CREATE TABLE IF NOT EXISTS thread_metadata (
			thread_id VARCHAR(255) PRIMARY KEY,
			data JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Cached conversation list entries
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			thread_id VARCHAR(255) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
