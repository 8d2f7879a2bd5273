// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package keys

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// ThreadKeySize is the length of a raw symmetric thread key.
const ThreadKeySize = 32

// NewThreadKey returns fresh random thread key material.
func NewThreadKey() ([]byte, error) {
	k := make([]byte, ThreadKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("failed to generate thread key: %w", err)
	}
	return k, nil
}

// KeyRing holds raw thread keys in memory only. Nothing in it is ever
// written to a store.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string][]byte)}
}

// Put stores a copy of key for threadID, wiping any previous key.
func (r *KeyRing) Put(threadID string, key []byte) {
	cp := make([]byte, len(key))
	copy(cp, key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.keys[threadID]; ok {
		wipe(old)
	}
	r.keys[threadID] = cp
}

// Get returns a copy of the key for threadID.
func (r *KeyRing) Get(threadID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[threadID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(k))
	copy(cp, k)
	return cp, true
}

// Forget wipes and drops the key for threadID.
func (r *KeyRing) Forget(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[threadID]; ok {
		wipe(k)
		delete(r.keys, threadID)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
