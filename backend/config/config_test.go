// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 172800*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.Overlay.ReconnectDelays)
	assert.Equal(t, "offline", cfg.OverlayMode())
	assert.Equal(t, 72*time.Hour, cfg.Invite.TTL)
	assert.Equal(t, "efchat", cfg.Auth.JWTIssuer)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.True(t, cfg.Overlay.RelayEnabled)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("OVERLAY_URL", "ws://relay.local/ws")
	t.Setenv("OVERLAY_RECONNECT_DELAYS", "100ms,200ms,400ms")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.OverlayMode())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, cfg.Overlay.ReconnectDelays)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestParseRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	_, err := Parse()
	assert.Error(t, err)

	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("OVERLAY_MODE", "websocket")
	_, err = Parse()
	assert.ErrorContains(t, err, "OVERLAY_URL")

	t.Setenv("OVERLAY_MODE", "stub")
	t.Setenv("INVITE_TTL", "-1h")
	_, err = Parse()
	assert.ErrorContains(t, err, "INVITE_TTL")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\nOVERLAY_MODE=stub\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PORT")
		os.Unsetenv("OVERLAY_MODE")
	})

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "stub", cfg.OverlayMode())
}
