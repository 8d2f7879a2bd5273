// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package keys holds the secp256k1 primitives shared by guest identities,
// envelope signing and key wrapping.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidSignature  = errors.New("invalid signature encoding")
)

// KeyPair is a secp256k1 keypair. PublicKey is compressed SEC1 hex.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// Generate returns a fresh random keypair.
func Generate() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// FromHex rebuilds a keypair from a 32-byte hex private key.
func FromHex(privateKeyHex string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil || len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, ErrInvalidPrivateKey
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, ErrInvalidPrivateKey
	}
	return &KeyPair{priv: priv}, nil
}

func (k *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// Sign signs a 32-byte digest and returns the DER signature. Signatures are
// deterministic (RFC6979): the same key and digest always give the same bytes.
func (k *KeyPair) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	return ecdsa.Sign(k.priv, digest).Serialize(), nil
}

// Zero wipes the private scalar.
func (k *KeyPair) Zero() {
	if k != nil && k.priv != nil {
		k.priv.Zero()
	}
}

func (k *KeyPair) private() *secp256k1.PrivateKey { return k.priv }

// ParsePublicKey decodes a hex SEC1 public key (compressed or not).
func ParsePublicKey(pubHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// Verify checks a DER signature over digest against pubHex.
func Verify(pubHex string, digest, sig []byte) (bool, error) {
	pub, err := ParsePublicKey(pubHex)
	if err != nil {
		return false, err
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parsed.Verify(digest, pub), nil
}

// Digest is sha256 over data.
func Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SamePublicKey compares two hex public keys by curve point, so a compressed
// and an uncompressed encoding of one key are equal.
func SamePublicKey(a, b string) bool {
	pa, err := ParsePublicKey(a)
	if err != nil {
		return false
	}
	pb, err := ParsePublicKey(b)
	if err != nil {
		return false
	}
	return pa.IsEqual(pb)
}
