// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/storage/storagetest"
)

// Runs only against a disposable database, e.g.
// EFTHREAD_TEST_DATABASE_URL=postgres://localhost/efthread_test?sslmode=disable
func TestStore(t *testing.T) {
	dsn := os.Getenv("EFTHREAD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EFTHREAD_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	ctx := context.Background()
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	for _, table := range []string{"join_receipts", "guest_identities", "blocked_inviters", "thread_metadata", "conversation_summaries"} {
		_, err := db.ExecContext(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}

	storagetest.RunStoreTests(t, s)
}
