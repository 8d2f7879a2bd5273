// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package invite encodes, decodes and validates invite payloads.
package invite

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/efchatnet/efthread/backend/models"
)

// ErrInvalidInvite is matched by every *InvalidInviteError.
var ErrInvalidInvite = errors.New("invalid invite")

// InvalidInviteError lists every structural problem found in a payload.
type InvalidInviteError struct {
	Problems []string
}

func (e *InvalidInviteError) Error() string {
	return "invalid invite: " + strings.Join(e.Problems, "; ")
}

func (e *InvalidInviteError) Is(target error) bool {
	return target == ErrInvalidInvite
}

// Invalid builds an InvalidInviteError from the given problems.
func Invalid(problems ...string) error {
	return &InvalidInviteError{Problems: problems}
}

// Decoded is a validated payload together with the sha256 hex of the JSON
// text it was decoded from.
type Decoded struct {
	Payload models.InvitePayload
	Hash    string
	Raw     []byte
}

// Encode renders the payload as base64url (no padding) JSON.
func Encode(p models.InvitePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal invite: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode and validates the result before returning it.
func Decode(blob string) (*Decoded, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, Invalid("empty invite blob")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(blob, "="))
	if err != nil {
		return nil, Invalid(fmt.Sprintf("invite is not base64url: %v", err))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, Invalid(fmt.Sprintf("invite is not a JSON object: %v", err))
	}
	if problems := checkFields(fields); len(problems) > 0 {
		return nil, &InvalidInviteError{Problems: problems}
	}

	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, Invalid(fmt.Sprintf("malformed invite: %v", err))
	}
	exp, err := unixSeconds(w.ExpiresAtUnix)
	if err != nil {
		return nil, Invalid(err.Error())
	}
	p := w.InvitePayload
	p.ExpiresAtUnix = exp
	if err := Validate(p); err != nil {
		return nil, err
	}
	return &Decoded{Payload: p, Hash: Hash(raw), Raw: raw}, nil
}

// Hash is the hex sha256 of the invite's JSON text.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Validate checks a typed payload. It reports every violated field at once.
func Validate(p models.InvitePayload) error {
	var problems []string
	if p.Kind != models.InviteKind {
		problems = append(problems, fmt.Sprintf("unexpected kind %q", p.Kind))
	}
	if p.Version != models.InviteVersion {
		problems = append(problems, fmt.Sprintf("Unsupported invite version %d", p.Version))
	}
	if strings.TrimSpace(p.ThreadID) == "" {
		problems = append(problems, "missing threadId")
	}
	if strings.TrimSpace(p.Inviter) == "" {
		problems = append(problems, "missing inviter")
	}
	if strings.TrimSpace(p.Wrap) == "" {
		problems = append(problems, "missing wrap")
	}
	if !p.Policy.Valid() {
		problems = append(problems, fmt.Sprintf("invalid policy %q", p.Policy))
	}
	if len(problems) > 0 {
		return &InvalidInviteError{Problems: problems}
	}
	return nil
}

// wirePayload reads exp as any JSON number; inviters may send it in
// exponent or fractional form.
type wirePayload struct {
	models.InvitePayload
	ExpiresAtUnix json.Number `json:"exp"`
}

// unixSeconds floors a JSON number to whole seconds.
func unixSeconds(n json.Number) (int64, error) {
	f, err := n.Float64()
	f = math.Floor(f)
	if err != nil || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("exp out of range: %s", n)
	}
	return int64(f), nil
}

// checkFields catches type problems that a typed unmarshal would either
// reject with a single opaque error or silently zero.
func checkFields(fields map[string]json.RawMessage) []string {
	var problems []string
	if exp, ok := fields["exp"]; !ok || !isNumber(exp) {
		problems = append(problems, "exp must be numeric")
	}
	if v, ok := fields["v"]; ok && !isInteger(v) {
		problems = append(problems, "v must be numeric")
	}
	for _, name := range []string{"kind", "threadId", "inviter", "wrap", "policy"} {
		if v, ok := fields[name]; ok && !isString(v) {
			problems = append(problems, fmt.Sprintf("%s must be a string", name))
		}
	}
	return problems
}

func number(raw json.RawMessage) (json.Number, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	n, ok := v.(json.Number)
	return n, ok
}

func isNumber(raw json.RawMessage) bool {
	_, ok := number(raw)
	return ok
}

func isInteger(raw json.RawMessage) bool {
	n, ok := number(raw)
	if !ok {
		return false
	}
	_, err := n.Int64()
	return err == nil
}

func isString(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil
}

// BuildURL places the blob under /invite/ on base.
func BuildURL(base, blob string) string {
	return strings.TrimRight(base, "/") + "/invite/" + blob
}

// ParseURL extracts the blob from a full invite URL, a path, or returns the
// input as-is when it already is a bare blob.
func ParseURL(s string) (string, error) {
	s = strings.TrimSpace(s)
	path := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", Invalid(fmt.Sprintf("invalid invite url: %v", err))
		}
		path = u.Path
	}
	if i := strings.Index(path, "/invite/"); i >= 0 {
		path = path[i+len("/invite/"):]
	}
	path = strings.Trim(path, "/")
	if path == "" || strings.Contains(path, "/") {
		return "", Invalid("invite url has no blob segment")
	}
	return path, nil
}
