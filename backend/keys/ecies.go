// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyWrapper seals bytes to a recipient public key. Implementations are
// resolved once at construction and injected where needed.
type KeyWrapper interface {
	Wrap(plaintext []byte, recipientPubHex string) (string, error)
	Unwrap(blob string, privateKeyHex string) ([]byte, error)
}

var ErrUnwrapFailed = errors.New("unable to unwrap key blob")

const eciesNonceSize = 12

// ECIES wraps with an ephemeral secp256k1 ECDH, sha256 of the shared x
// coordinate as the AES-256-GCM key. The blob is base64url of
// ephemeralPub(33) || nonce(12) || ciphertext.
type ECIES struct {
	Rand io.Reader
}

func (e ECIES) random() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

func (e ECIES) Wrap(plaintext []byte, recipientPubHex string) (string, error) {
	pub, err := ParsePublicKey(recipientPubHex)
	if err != nil {
		return "", err
	}
	eph, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer eph.Zero()

	gcm, err := newGCM(secp256k1.GenerateSharedSecret(eph, pub))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, eciesNonceSize)
	if _, err := io.ReadFull(e.random(), nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	ephPub := eph.PubKey().SerializeCompressed()
	out := make([]byte, 0, len(ephPub)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, ephPub)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (e ECIES) Unwrap(blob string, privateKeyHex string) ([]byte, error) {
	kp, err := FromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	if len(raw) < secp256k1.PubKeyBytesLenCompressed+eciesNonceSize {
		return nil, fmt.Errorf("%w: blob too short", ErrUnwrapFailed)
	}
	ephPub := raw[:secp256k1.PubKeyBytesLenCompressed]
	nonce := raw[secp256k1.PubKeyBytesLenCompressed : secp256k1.PubKeyBytesLenCompressed+eciesNonceSize]
	sealed := raw[secp256k1.PubKeyBytesLenCompressed+eciesNonceSize:]

	pub, err := secp256k1.ParsePubKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	gcm, err := newGCM(secp256k1.GenerateSharedSecret(kp.private(), pub))
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, sealed, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	return plain, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
