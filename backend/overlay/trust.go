// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package overlay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/efchatnet/efthread/backend/keys"
	"github.com/efchatnet/efthread/backend/wallet"
)

// TrustReason explains the outcome of CheckTrust.
type TrustReason string

const (
	TrustVerified         TrustReason = "VERIFIED"
	TrustNoSignature      TrustReason = "NO_SIGNATURE"
	TrustMissingAuthor    TrustReason = "MISSING_AUTHOR"
	TrustInvalidSignature TrustReason = "INVALID_SIGNATURE"
	TrustMalformedPayload TrustReason = "MALFORMED_PAYLOAD"
)

// Trust is the result of checking one inbound payload.
type Trust struct {
	Accepted bool
	Verified bool
	Reason   TrustReason
	Author   string
}

// Signer signs payload digests. *keys.KeyPair satisfies it.
type Signer interface {
	PublicKeyHex() string
	Sign(digest []byte) ([]byte, error)
}

var errPayloadNotObject = errors.New("payload must be a JSON object")

// CheckTrust decides whether a user payload may be dispatched. Payloads
// without a signature are accepted unverified. A signature must verify
// against the author key over the payload minus "sig".
func CheckTrust(payload json.RawMessage) Trust {
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return Trust{Accepted: true, Reason: TrustNoSignature}
	}
	fields, err := decodeFields(payload)
	if err != nil {
		if errors.Is(err, errPayloadNotObject) {
			return Trust{Accepted: true, Reason: TrustNoSignature}
		}
		return Trust{Reason: TrustMalformedPayload}
	}

	rawSig, ok := fields["sig"]
	if !ok || rawSig == nil || rawSig == "" {
		author, _ := fields["author"].(string)
		return Trust{Accepted: true, Reason: TrustNoSignature, Author: author}
	}
	author, _ := fields["author"].(string)
	author = strings.TrimSpace(author)
	if author == "" {
		return Trust{Reason: TrustMissingAuthor}
	}
	sig, err := wallet.NormalizeSignature(rawSig)
	if err != nil {
		return Trust{Reason: TrustInvalidSignature, Author: author}
	}
	delete(fields, "sig")
	digest, err := fieldsDigest(fields)
	if err != nil {
		return Trust{Reason: TrustMalformedPayload, Author: author}
	}
	valid, err := keys.Verify(author, digest, sig)
	if err != nil || !valid {
		return Trust{Reason: TrustInvalidSignature, Author: author}
	}
	return Trust{Accepted: true, Verified: true, Reason: TrustVerified, Author: author}
}

// SignPayload sets payload.author to the signer's key and adds payload.sig,
// a signature over the sha256 of the canonical JSON of everything but sig.
func SignPayload(payload any, signer Signer) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	delete(fields, "sig")
	fields["author"] = signer.PublicKeyHex()
	digest, err := fieldsDigest(fields)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	fields["sig"] = hex.EncodeToString(sig)
	return json.Marshal(fields)
}

// decodeFields parses a JSON object keeping numbers as written so that a
// re-encoding matches what the signer hashed.
func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, errPayloadNotObject
	}
	return fields, nil
}

// fieldsDigest hashes the canonical encoding of fields: encoding/json writes
// map keys in sorted order at every level.
func fieldsDigest(fields map[string]any) ([]byte, error) {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return keys.Digest(canonical), nil
}
