// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey: %s", err)
	}

	for _, plain := range [][]byte{{}, []byte("hello world"), bytes.Repeat([]byte{0xAB}, 1<<20)} {
		blob, err := Encrypt(plain, key)
		if err != nil {
			t.Fatalf("Encrypt: %s", err)
		}
		if len(blob) != len(plain)+EncryptionOverhead {
			t.Errorf("blob is %d bytes, want %d", len(blob), len(plain)+EncryptionOverhead)
		}
		if len(plain) > 0 && bytes.Contains(blob, plain) {
			t.Errorf("ciphertext contains the plaintext")
		}

		got, err := Decrypt(blob, key)
		if err != nil {
			t.Fatalf("Decrypt: %s", err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("round trip of %d bytes mismatched", len(plain))
		}
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, _ := NewKey()
	blob, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt: %s", err)
	}

	for _, pos := range []int{0, 13, len(blob) - 1} {
		tampered := append([]byte(nil), blob...)
		tampered[pos] ^= 0xFF
		if _, err := Decrypt(tampered, key); err == nil {
			t.Errorf("tampering at byte %d went undetected", pos)
		}
	}

	other, _ := NewKey()
	if _, err := Decrypt(blob, other); err == nil {
		t.Errorf("decryption under the wrong key succeeded")
	}

	if _, err := Decrypt(blob[:10], key); err == nil {
		t.Errorf("truncated blob decrypted")
	}
}

func TestEncryptUniqueIVs(t *testing.T) {
	key, _ := NewKey()
	a, _ := Encrypt([]byte("same"), key)
	b, _ := Encrypt([]byte("same"), key)
	if bytes.Equal(a, b) {
		t.Errorf("two encryptions of the same payload are identical")
	}
}

func TestKeyManagerRoundTrip(t *testing.T) {
	m := NewKeyManager()
	key, _ := NewKey()

	if err := m.StoreKey("f1_key", key); err != nil {
		t.Fatalf("StoreKey: %s", err)
	}
	got, ok := m.GetKey("f1_key")
	if !ok || !bytes.Equal(got, key) {
		t.Fatalf("GetKey returned %v, %t", got, ok)
	}
	if _, ok := m.GetKey("absent"); ok {
		t.Errorf("GetKey found an absent key")
	}

	if err := m.StoreKey("bad", []byte("short")); err == nil {
		t.Errorf("StoreKey accepted a short key")
	}
}

func TestPersistentKeyManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.bin")

	m, err := NewPersistentKeyManager(path, "master-password")
	if err != nil {
		t.Fatalf("NewPersistentKeyManager: %s", err)
	}
	minted, err := m.MintKey("f1_key")
	if err != nil {
		t.Fatalf("MintKey: %s", err)
	}

	// A second manager over the same file sees the key.
	m2, err := NewPersistentKeyManager(path, "master-password")
	if err != nil {
		t.Fatalf("reopening key file: %s", err)
	}
	got, ok := m2.GetKey("f1_key")
	if !ok || !bytes.Equal(got, minted) {
		t.Fatalf("reloaded key mismatched")
	}

	// The wrong password cannot open it.
	if _, err := NewPersistentKeyManager(path, "wrong"); err == nil {
		t.Errorf("key file opened under the wrong password")
	}
}
