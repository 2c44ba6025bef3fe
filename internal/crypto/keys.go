// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize        = 16
	pbkdf2Iteration = 10000
)

// KeyManager maps key ids to AES-256 keys. It is an explicitly constructed
// long-lived value injected into the master and the client; there is no
// package-level instance. Optionally it persists keys to a file encrypted
// under a master password: salt(16) || AES-GCM(JSON{key_id: key_hex}).
//
// Callers treat GetKey as cheap and StoreKey as rare; both are safe for
// concurrent use.
type KeyManager struct {
	lock sync.Mutex
	keys map[string][]byte

	// Key file path and password. Empty path means in-memory only.
	path     string
	password string
}

// NewKeyManager returns an empty in-memory key manager.
func NewKeyManager() *KeyManager {
	return &KeyManager{keys: make(map[string][]byte)}
}

// NewPersistentKeyManager returns a key manager backed by the key file at
// path, loading any keys already stored there.
func NewPersistentKeyManager(path, password string) (*KeyManager, error) {
	m := &KeyManager{keys: make(map[string][]byte), path: path, password: password}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// GetKey returns the key stored under id.
func (m *KeyManager) GetKey(id string) ([]byte, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key, ok := m.keys[id]
	return key, ok
}

// StoreKey records a key under id and rewrites the key file if one is
// configured.
func (m *KeyManager) StoreKey(id string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.keys[id] = append([]byte(nil), key...)
	return m.save()
}

// MintKey generates, stores, and returns a fresh key for id.
func (m *KeyManager) MintKey(id string) ([]byte, error) {
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := m.StoreKey(id, key); err != nil {
		return nil, err
	}
	return key, nil
}

// save must be called with the lock held.
func (m *KeyManager) save() error {
	if m.path == "" {
		return nil
	}

	hexKeys := make(map[string]string, len(m.keys))
	for id, key := range m.keys {
		hexKeys[id] = hex.EncodeToString(key)
	}
	plain, err := json.Marshal(hexKeys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	sealed, err := Encrypt(plain, deriveKey(m.password, salt))
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, append(salt, sealed...), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return os.Rename(tmp, m.path)
}

func (m *KeyManager) load() error {
	blob, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	if len(blob) < saltSize {
		return fmt.Errorf("key file too short: %d bytes", len(blob))
	}

	plain, err := Decrypt(blob[saltSize:], deriveKey(m.password, blob[:saltSize]))
	if err != nil {
		return fmt.Errorf("open key file (wrong password?): %w", err)
	}

	var hexKeys map[string]string
	if err := json.Unmarshal(plain, &hexKeys); err != nil {
		return fmt.Errorf("unmarshal keys: %w", err)
	}
	for id, h := range hexKeys {
		key, err := hex.DecodeString(h)
		if err != nil || len(key) != KeySize {
			return fmt.Errorf("bad key under id %q", id)
		}
		m.keys[id] = key
	}
	return nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iteration, KeySize, sha256.New)
}
