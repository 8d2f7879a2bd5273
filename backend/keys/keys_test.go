// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	digest := Digest([]byte("hello"))
	sig, err := kp.Sign(digest)
	require.NoError(t, err)

	ok, err := Verify(kp.PublicKeyHex(), digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(kp.PublicKeyHex(), Digest([]byte("other")), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignIsDeterministic(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	digest := Digest([]byte("statement"))

	a, err := kp.Sign(digest)
	require.NoError(t, err)
	b, err := kp.Sign(digest)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromHexRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	again, err := FromHex(kp.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyHex(), again.PublicKeyHex())

	_, err = FromHex("zz")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	_, err = FromHex("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	_, err = Verify("not-hex", Digest(nil), []byte{1})
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = Verify(kp.PublicKeyHex(), Digest(nil), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestECIESWrapUnwrap(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	secret, err := NewThreadKey()
	require.NoError(t, err)

	var w KeyWrapper = ECIES{}
	blob, err := w.Wrap(secret, kp.PublicKeyHex())
	require.NoError(t, err)

	plain, err := w.Unwrap(blob, kp.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	other, err := Generate()
	require.NoError(t, err)
	_, err = w.Unwrap(blob, other.PrivateKeyHex())
	assert.ErrorIs(t, err, ErrUnwrapFailed)

	_, err = w.Unwrap("short", kp.PrivateKeyHex())
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestKeyRing(t *testing.T) {
	ring := NewKeyRing()
	key := []byte{1, 2, 3}
	ring.Put("t1", key)
	key[0] = 9

	got, ok := ring.Get("t1")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	ring.Forget("t1")
	_, ok = ring.Get("t1")
	assert.False(t, ok)
}
