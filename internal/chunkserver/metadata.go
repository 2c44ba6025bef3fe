// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	log "github.com/golang/glog"
)

// Each chunk is stored as two files in the data directory: the data file,
// named by the chunk id, and a JSON sidecar named "<chunk_id>.meta". A
// checksums.json index at the root summarises chunk_id -> sha256 for fast
// startup; when the index and a sidecar disagree, the sidecar wins.

const (
	metaSuffix    = ".meta"
	indexFilename = "checksums.json"
)

// Meta is the sidecar record for one chunk.
type Meta struct {
	ChunkID      string `json:"chunk_id"`
	Checksum     string `json:"checksum"`
	Encrypted    bool   `json:"is_encrypted"`
	ErasureCoded bool   `json:"is_erasure_coded"`
	CreatedTime  int64  `json:"created_time"`

	// Size and LastAccessed are kept in memory only.
	Size         int64 `json:"-"`
	LastAccessed int64 `json:"-"`
}

func (s *Store) dataPath(chunkID string) string {
	return filepath.Join(s.cfg.DataDir, chunkID)
}

func (s *Store) metaPath(chunkID string) string {
	return filepath.Join(s.cfg.DataDir, chunkID+metaSuffix)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.cfg.DataDir, indexFilename)
}

// writeSidecar persists a chunk's sidecar next to its data file.
func (s *Store) writeSidecar(m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.metaPath(m.ChunkID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(m.ChunkID))
}

// readSidecar loads a chunk's sidecar, if present.
func (s *Store) readSidecar(chunkID string) (Meta, bool) {
	b, err := os.ReadFile(s.metaPath(chunkID))
	if err != nil {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		log.Errorf("bad sidecar for chunk %s: %s", chunkID, err)
		return Meta{}, false
	}
	return m, true
}

// writeIndex rewrites checksums.json from the in-memory index.
// Call with the store lock held for reading at least.
func (s *Store) writeIndex() error {
	sums := make(map[string]string, len(s.chunks))
	for id, m := range s.chunks {
		sums[id] = m.Checksum
	}
	b, err := json.Marshal(sums)
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

// readIndex loads checksums.json. A missing index is an empty map.
func (s *Store) readIndex() map[string]string {
	b, err := os.ReadFile(s.indexPath())
	if err != nil {
		return map[string]string{}
	}
	sums := map[string]string{}
	if err := json.Unmarshal(b, &sums); err != nil {
		log.Errorf("bad checksum index, rebuilding from sidecars: %s", err)
		return map[string]string{}
	}
	return sums
}

// loadChunks reconciles the checksum index, the sidecars, and the data
// files present on disk into the in-memory chunk table at startup.
func (s *Store) loadChunks() error {
	sums := s.readIndex()

	entries, err := os.ReadDir(s.cfg.DataDir)
	if err != nil {
		return err
	}

	now := nowMillis()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFilename || strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, ".tmp") {
			continue
		}

		fi, err := e.Info()
		if err != nil {
			continue
		}

		m, ok := s.readSidecar(name)
		if !ok {
			// Tolerate missing sidecars: fall back to the index, or
			// to hashing the data file itself.
			m = Meta{ChunkID: name, Checksum: sums[name], CreatedTime: fi.ModTime().UnixMilli()}
			if m.Checksum == "" {
				b, err := os.ReadFile(s.dataPath(name))
				if err != nil {
					log.Errorf("unreadable chunk %s at startup: %s", name, err)
					continue
				}
				m.Checksum = checksumOf(b)
			}
		} else if idx, ok := sums[name]; ok && idx != m.Checksum {
			log.Errorf("chunk %s: index checksum %s disagrees with sidecar %s, sidecar wins", name, idx, m.Checksum)
		}

		m.Size = fi.Size()
		m.LastAccessed = now
		s.chunks[name] = m
	}

	// Index entries whose data files are gone are simply dropped; the
	// rewrite below forgets them.
	for id := range sums {
		if _, ok := s.chunks[id]; !ok {
			log.Errorf("chunk %s is in the index but missing on disk, dropping", id)
		}
	}

	return s.writeIndex()
}
