// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package overlay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efthread/backend/keys"
)

func TestCheckTrust(t *testing.T) {
	key, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)

	signed, err := SignPayload(map[string]any{"text": "hi", "n": 12345678901234567, "nested": map[string]any{"b": 1, "a": 2}}, key)
	require.NoError(t, err)

	var forged map[string]any
	require.NoError(t, json.Unmarshal(signed, &forged))
	forged["author"] = other.PublicKeyHex()
	forgedRaw, err := json.Marshal(forged)
	require.NoError(t, err)

	tests := []struct {
		name     string
		payload  string
		accepted bool
		verified bool
		reason   TrustReason
	}{
		{"signed", string(signed), true, true, TrustVerified},
		{"unsigned", `{"text":"hi"}`, true, false, TrustNoSignature},
		{"empty", "", true, false, TrustNoSignature},
		{"not an object", `"hello"`, true, false, TrustNoSignature},
		{"other author", string(forgedRaw), false, false, TrustInvalidSignature},
		{"missing author", `{"text":"hi","sig":"3044"}`, false, false, TrustMissingAuthor},
		{"garbage signature", `{"text":"hi","sig":"zz","author":"` + key.PublicKeyHex() + `"}`, false, false, TrustInvalidSignature},
		{"malformed", `{"text":`, false, false, TrustMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckTrust(json.RawMessage(tt.payload))
			assert.Equal(t, tt.accepted, got.Accepted)
			assert.Equal(t, tt.verified, got.Verified)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestSignPayloadReplacesExistingSignature(t *testing.T) {
	key, err := keys.Generate()
	require.NoError(t, err)

	first, err := SignPayload(map[string]any{"text": "hi"}, key)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(first, &fields))

	again, err := SignPayload(json.RawMessage(first), key)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(again))
	assert.True(t, CheckTrust(again).Verified)

	_, err = SignPayload([]int{1, 2}, key)
	assert.Error(t, err)
}
