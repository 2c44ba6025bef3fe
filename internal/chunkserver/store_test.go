// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkserver

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

func newTestStore(t *testing.T) (*Store, *Config) {
	t.Helper()
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()
	s, err := NewStore(&cfg)
	if err != nil {
		t.Fatalf("NewStore: %s", err)
	}
	return s, &cfg
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	sum := checksumOf(data)

	stored, err := s.Write("c1", data, sum, false, false)
	if err != core.NoError {
		t.Fatalf("Write: %s", err)
	}
	if stored != sum {
		t.Errorf("stored checksum %s, want %s", stored, sum)
	}

	got, gotSum, err := s.Read("c1", true)
	if err != core.NoError {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(got, data) || gotSum != sum {
		t.Errorf("read returned wrong data or checksum")
	}
}

func TestWriteRejectsChecksumMismatch(t *testing.T) {
	s, cfg := newTestStore(t)

	if _, err := s.Write("c1", []byte("data"), checksumOf([]byte("other")), false, false); err != core.ErrCorruptData {
		t.Fatalf("want ErrCorruptData, got %s", err)
	}
	// Nothing may be visible after the rejected write.
	if s.Has("c1") {
		t.Errorf("rejected chunk is visible")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "c1")); !os.IsNotExist(err) {
		t.Errorf("rejected chunk left a data file")
	}
}

func TestReadMissingChunk(t *testing.T) {
	s, _ := newTestStore(t)
	if _, _, err := s.Read("absent", false); err != core.ErrChunkNotFound {
		t.Errorf("want ErrChunkNotFound, got %s", err)
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	s, cfg := newTestStore(t)
	data := []byte("precious bytes")
	s.Write("c1", data, "", false, false)

	// Flip the on-disk contents behind the store's back.
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "c1"), bytes.Repeat([]byte{0xFF}, len(data)), 0644); err != nil {
		t.Fatalf("corrupting: %s", err)
	}

	if _, _, err := s.Read("c1", true); err != core.ErrCorruptData {
		t.Errorf("verified read of corrupt chunk: want ErrCorruptData, got %s", err)
	}
	// Unverified reads hand back whatever is there.
	if _, _, err := s.Read("c1", false); err != core.NoError {
		t.Errorf("unverified read failed: %s", err)
	}

	valid, _, err := s.Check("c1")
	if err != core.NoError || valid {
		t.Errorf("Check = %t, %s; want false, no error", valid, err)
	}
}

func TestScrubPurgesCorruptChunks(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Write("good", []byte("fine"), "", false, false)
	s.Write("bad", []byte("doomed"), "", false, false)

	os.WriteFile(filepath.Join(cfg.DataDir, "bad"), []byte("DOOMED"), 0644)

	corrupt := s.Scrub()
	if len(corrupt) != 1 || corrupt[0] != "bad" {
		t.Fatalf("Scrub returned %v, want [bad]", corrupt)
	}
	if s.Has("bad") {
		t.Errorf("corrupt chunk survived the scrub")
	}
	if !s.Has("good") {
		t.Errorf("healthy chunk was purged")
	}
}

func TestScrubDropsVanishedChunks(t *testing.T) {
	s, cfg := newTestStore(t)
	s.Write("c1", []byte("data"), "", false, false)
	os.Remove(filepath.Join(cfg.DataDir, "c1"))

	corrupt := s.Scrub()
	if len(corrupt) != 1 || corrupt[0] != "c1" {
		t.Fatalf("Scrub returned %v, want [c1]", corrupt)
	}
	if s.Has("c1") {
		t.Errorf("vanished chunk still in the table")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Write("c1", []byte("data"), "", false, false)

	if err := s.Remove("c1"); err != core.NoError {
		t.Fatalf("Remove: %s", err)
	}
	if err := s.Remove("c1"); err != core.NoError {
		t.Fatalf("second Remove: %s", err)
	}
	if s.Has("c1") {
		t.Errorf("removed chunk still visible")
	}
}

// Restarting the store over the same directory reloads every chunk along
// with its sidecar flags.
func TestReloadFromDisk(t *testing.T) {
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()

	s1, err := NewStore(&cfg)
	if err != nil {
		t.Fatalf("NewStore: %s", err)
	}
	data := []byte("persistent")
	s1.Write("c1", data, "", true, false)
	s1.Write("c2", []byte("more"), "", false, true)
	s1.FlushIndex()

	s2, err := NewStore(&cfg)
	if err != nil {
		t.Fatalf("reopening store: %s", err)
	}
	if s2.Count() != 2 {
		t.Fatalf("reloaded %d chunks, want 2", s2.Count())
	}
	got, _, rerr := s2.Read("c1", true)
	if rerr != core.NoError || !bytes.Equal(got, data) {
		t.Errorf("reloaded chunk c1 unreadable: %s", rerr)
	}
	m, ok := s2.GetMeta("c1")
	if !ok || !m.Encrypted || m.ErasureCoded {
		t.Errorf("reloaded sidecar flags wrong: %+v", m)
	}
	m2, _ := s2.GetMeta("c2")
	if !m2.ErasureCoded {
		t.Errorf("reloaded sidecar flags wrong for c2: %+v", m2)
	}
}

func TestReloadToleratesMissingSidecar(t *testing.T) {
	cfg := DefaultConfig
	cfg.DataDir = t.TempDir()

	s1, _ := NewStore(&cfg)
	data := []byte("no sidecar")
	s1.Write("c1", data, "", false, false)
	s1.FlushIndex()
	os.Remove(filepath.Join(cfg.DataDir, "c1.meta"))

	s2, err := NewStore(&cfg)
	if err != nil {
		t.Fatalf("reopening store: %s", err)
	}
	got, _, rerr := s2.Read("c1", true)
	if rerr != core.NoError || !bytes.Equal(got, data) {
		t.Errorf("chunk without sidecar unreadable: %s", rerr)
	}
}

func TestUsedBytes(t *testing.T) {
	s, _ := newTestStore(t)
	s.Write("a", make([]byte, 100), "", false, false)
	s.Write("b", make([]byte, 50), "", false, false)
	if got := s.UsedBytes(); got != 150 {
		t.Errorf("UsedBytes = %d, want 150", got)
	}
}
