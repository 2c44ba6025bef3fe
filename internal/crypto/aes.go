// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package crypto provides the chunk encryption primitive and the key store.
// Chunks are sealed with AES-256-GCM; the wire and disk layout of an
// encrypted blob is IV(12) || ciphertext || tag(16).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32

	// ivSize is the GCM nonce length.
	ivSize = 12

	// tagSize is the GCM authentication tag length.
	tagSize = 16

	// EncryptionOverhead is how many bytes sealing adds to a payload.
	EncryptionOverhead = ivSize + tagSize
)

// Encrypt seals plaintext under key with a fresh random IV and returns
// IV || ciphertext || tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	// Seal appends ciphertext+tag after the IV, giving the blob layout
	// directly.
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// Decrypt opens an IV || ciphertext || tag blob. Tag failure is an error;
// no partial plaintext is ever returned.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, fmt.Errorf("encrypted blob too short: %d bytes", len(blob))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, blob[:ivSize], blob[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// NewKey returns a fresh random AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
