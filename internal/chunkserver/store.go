// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package chunkserver implements the chunk server: a content store of
// opaque chunk blobs with per-chunk integrity verification, heartbeats to
// the master, and master-directed copy and delete.
package chunkserver

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Store durably stores chunk bytes keyed by chunk id.
//
// The in-memory chunk table is guarded by a reader/writer lock; per-chunk
// file I/O happens outside it. A separate per-id busy map serializes
// writers against readers and deleters of the same id, so a deletion can
// never race an in-flight write that would re-create the id.
type Store struct {
	cfg *Config

	// Guards chunks and dirty.
	lock   sync.RWMutex
	chunks map[string]Meta

	// Set when the on-disk checksum index is stale.
	dirty bool

	// What's busy? Positive value is the number of active readers, -1 is
	// one active writer, any other value is invalid.
	busy     map[string]int32
	busyLock sync.Mutex
	busyCond sync.Cond
}

// NewStore opens (creating if needed) the on-disk layout rooted at
// cfg.DataDir and loads the chunk table.
func NewStore(cfg *Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		cfg:    cfg,
		chunks: make(map[string]Meta),
		busy:   make(map[string]int32),
	}
	s.busyCond.L = &s.busyLock
	if err := s.loadChunks(); err != nil {
		return nil, err
	}
	log.Infof("chunk store opened at %s with %d chunks", cfg.DataDir, len(s.chunks))
	return s, nil
}

//------ Per-id busy locking ------//

func (s *Store) lockRead(id string) {
	s.busyLock.Lock()
	for s.busy[id] < 0 {
		s.busyCond.Wait()
	}
	s.busy[id]++
	s.busyLock.Unlock()
}

func (s *Store) unlockRead(id string) {
	s.busyLock.Lock()
	if s.busy[id]--; s.busy[id] == 0 {
		delete(s.busy, id)
	}
	s.busyLock.Unlock()
	s.busyCond.Broadcast()
}

func (s *Store) lockWrite(id string) {
	s.busyLock.Lock()
	for s.busy[id] != 0 {
		s.busyCond.Wait()
	}
	s.busy[id] = -1
	s.busyLock.Unlock()
}

func (s *Store) unlockWrite(id string) {
	s.busyLock.Lock()
	delete(s.busy, id)
	s.busyLock.Unlock()
	s.busyCond.Broadcast()
}

//------ Operations ------//

// Write stores one chunk. If wantChecksum is non-empty the data is hashed
// first and a mismatch is rejected before anything touches disk. On any
// failure the partial data file is removed and the chunk is not visible.
func (s *Store) Write(chunkID string, data []byte, wantChecksum string, encrypted, erasureCoded bool) (string, core.Error) {
	sum := checksumOf(data)
	if wantChecksum != "" && wantChecksum != sum {
		log.Errorf("write of chunk %s: client checksum %s does not match data %s", chunkID, wantChecksum, sum)
		return "", core.ErrCorruptData
	}

	s.lockWrite(chunkID)
	defer s.unlockWrite(chunkID)

	path := s.dataPath(chunkID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Errorf("write of chunk %s failed: %s", chunkID, err)
		os.Remove(path)
		return "", core.ErrIO
	}

	m := Meta{
		ChunkID:      chunkID,
		Checksum:     sum,
		Encrypted:    encrypted,
		ErasureCoded: erasureCoded,
		CreatedTime:  nowMillis(),
		Size:         int64(len(data)),
		LastAccessed: nowMillis(),
	}
	if err := s.writeSidecar(m); err != nil {
		log.Errorf("sidecar write for chunk %s failed: %s", chunkID, err)
		os.Remove(path)
		os.Remove(s.metaPath(chunkID))
		return "", core.ErrIO
	}

	s.lock.Lock()
	s.chunks[chunkID] = m
	s.dirty = true
	s.lock.Unlock()

	log.V(2).Infof("wrote chunk %s (%d bytes)", chunkID, len(data))
	return sum, core.NoError
}

// Read returns one chunk's bytes and recorded checksum. With verify set the
// bytes are rehashed and corruption is returned as an error instead of bad
// data.
func (s *Store) Read(chunkID string, verify bool) ([]byte, string, core.Error) {
	s.lock.RLock()
	m, ok := s.chunks[chunkID]
	s.lock.RUnlock()
	if !ok {
		return nil, "", core.ErrChunkNotFound
	}

	s.lockRead(chunkID)
	data, err := os.ReadFile(s.dataPath(chunkID))
	s.unlockRead(chunkID)
	if err != nil {
		log.Errorf("read of chunk %s failed: %s", chunkID, err)
		return nil, "", core.ErrIO
	}

	if verify {
		if sum := checksumOf(data); sum != m.Checksum {
			log.Errorf("chunk %s is corrupt: stored checksum %s, data hashes to %s", chunkID, m.Checksum, sum)
			return nil, "", core.ErrCorruptData
		}
	}

	s.lock.Lock()
	if m, ok := s.chunks[chunkID]; ok {
		m.LastAccessed = nowMillis()
		s.chunks[chunkID] = m
	}
	s.lock.Unlock()

	return data, m.Checksum, core.NoError
}

// Check recomputes one chunk's checksum in place.
func (s *Store) Check(chunkID string) (valid bool, checksum string, err core.Error) {
	s.lock.RLock()
	m, ok := s.chunks[chunkID]
	s.lock.RUnlock()
	if !ok {
		return false, "", core.ErrChunkNotFound
	}

	s.lockRead(chunkID)
	data, e := os.ReadFile(s.dataPath(chunkID))
	s.unlockRead(chunkID)
	if e != nil {
		return false, m.Checksum, core.ErrIO
	}
	return checksumOf(data) == m.Checksum, m.Checksum, core.NoError
}

// Remove deletes one chunk from disk and the chunk table. Removing an
// absent chunk is not an error; deletions are idempotent.
func (s *Store) Remove(chunkID string) core.Error {
	s.lockWrite(chunkID)
	defer s.unlockWrite(chunkID)

	s.lock.Lock()
	_, existed := s.chunks[chunkID]
	delete(s.chunks, chunkID)
	if existed {
		s.dirty = true
	}
	s.lock.Unlock()

	if err := os.Remove(s.dataPath(chunkID)); err != nil && !os.IsNotExist(err) {
		log.Errorf("removing chunk %s failed: %s", chunkID, err)
		return core.ErrIO
	}
	os.Remove(s.metaPath(chunkID))
	if existed {
		log.V(2).Infof("removed chunk %s", chunkID)
	}
	return core.NoError
}

// Has reports whether the store currently holds chunkID.
func (s *Store) Has(chunkID string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.chunks[chunkID]
	return ok
}

// GetMeta returns the chunk table entry for chunkID.
func (s *Store) GetMeta(chunkID string) (Meta, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	m, ok := s.chunks[chunkID]
	return m, ok
}

// ChunkIDs returns the ids of every stored chunk.
func (s *Store) ChunkIDs() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of stored chunks.
func (s *Store) Count() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.chunks)
}

// UsedBytes returns the total size of stored chunks.
func (s *Store) UsedBytes() (total int64) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, m := range s.chunks {
		total += m.Size
	}
	return
}

// FlushIndex rewrites checksums.json if anything changed since the last
// flush. Called periodically and on clean shutdown.
func (s *Store) FlushIndex() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.dirty {
		return
	}
	if err := s.writeIndex(); err != nil {
		log.Errorf("flushing checksum index failed: %s", err)
		return
	}
	s.dirty = false
}

// Scrub rehashes every stored chunk, purges files whose bytes no longer
// match their recorded checksum (and table entries whose files vanished),
// rewrites the index, and returns the ids it purged so the caller can
// report them for repair.
func (s *Store) Scrub() (corrupt []string) {
	start := time.Now()
	for _, id := range s.ChunkIDs() {
		s.lock.RLock()
		m, ok := s.chunks[id]
		s.lock.RUnlock()
		if !ok {
			continue
		}

		s.lockRead(id)
		data, err := os.ReadFile(s.dataPath(id))
		s.unlockRead(id)

		if err != nil {
			if os.IsNotExist(err) {
				log.Errorf("scrub: chunk %s vanished from disk", id)
				corrupt = append(corrupt, id)
				s.Remove(id)
			}
			continue
		}
		if checksumOf(data) != m.Checksum {
			log.Errorf("scrub: chunk %s no longer matches its checksum, purging", id)
			corrupt = append(corrupt, id)
			s.Remove(id)
		}
	}

	s.lock.Lock()
	if err := s.writeIndex(); err != nil {
		log.Errorf("scrub: rewriting checksum index failed: %s", err)
	} else {
		s.dirty = false
	}
	count := len(s.chunks)
	s.lock.Unlock()

	log.Infof("scrub finished in %s: %d chunks, %d purged", time.Since(start), count, len(corrupt))
	return
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
