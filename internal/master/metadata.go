// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package master implements the metadata master: the single authority for
// files, chunks, server liveness, placement, and repair.
package master

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Manager is the concurrent metadata store: files, chunks, servers, and the
// bidirectional chunk<->server relation. One reader/writer lock protects
// everything; readers proceed in parallel, any mutation is exclusive, and
// all relation sides are kept consistent under the lock. No I/O or RPC
// happens while it is held.
type Manager struct {
	lock sync.RWMutex

	// Files by name, with a side index from file id to name.
	files     map[string]*core.FileInfo
	fileNames map[string]string

	chunks  map[string]*core.ChunkMeta
	servers map[string]*core.ServerInfo

	// The relation, maintained symmetrically.
	chunkToServers map[string]map[string]bool
	serverToChunks map[string]map[string]bool

	// A time-providing function, shim layer inserted for testing.
	getTime func() time.Time
}

// NewManager returns an empty metadata manager.
func NewManager() *Manager {
	return &Manager{
		files:          make(map[string]*core.FileInfo),
		fileNames:      make(map[string]string),
		chunks:         make(map[string]*core.ChunkMeta),
		servers:        make(map[string]*core.ServerInfo),
		chunkToServers: make(map[string]map[string]bool),
		serverToChunks: make(map[string]map[string]bool),
		getTime:        time.Now,
	}
}

func (m *Manager) now() int64 {
	return m.getTime().UnixMilli()
}

//------ Files ------//

// AddFile records a new file. Fails if the name is taken.
func (m *Manager) AddFile(f core.FileInfo) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.files[f.Filename]; ok {
		return core.ErrAlreadyExists
	}
	cp := f
	m.files[f.Filename] = &cp
	m.fileNames[f.FileID] = f.Filename
	return core.NoError
}

// GetFile looks a file up by name.
func (m *Manager) GetFile(filename string) (core.FileInfo, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	f, ok := m.files[filename]
	if !ok {
		return core.FileInfo{}, false
	}
	return copyFile(f), true
}

// GetFileByID looks a file up by id.
func (m *Manager) GetFileByID(fileID string) (core.FileInfo, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	name, ok := m.fileNames[fileID]
	if !ok {
		return core.FileInfo{}, false
	}
	return copyFile(m.files[name]), true
}

// ListFiles returns completed files whose names start with prefix, sorted
// by name.
func (m *Manager) ListFiles(prefix string) []core.FileInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []core.FileInfo
	for name, f := range m.files {
		if strings.HasPrefix(name, prefix) && f.Completed {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// CompleteUpload seals a file with its final chunk list and stamps the
// modification time. Sizes and checksums are recorded per chunk.
func (m *Manager) CompleteUpload(fileID string, chunkIDs []string, sizes []int64, checksums []string) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	name, ok := m.fileNames[fileID]
	if !ok {
		return core.ErrFileNotFound
	}
	f := m.files[name]

	for i, id := range chunkIDs {
		c, ok := m.chunks[id]
		if !ok {
			return core.ErrChunkNotFound
		}
		if len(m.chunkToServers[id]) == 0 {
			// Nothing acknowledged this chunk; the upload is incomplete.
			return core.ErrIncompleteUpload
		}
		if i < len(sizes) {
			c.Size = sizes[i]
		}
		if i < len(checksums) {
			c.Checksum = checksums[i]
		}
	}

	f.ChunkIDs = append([]string(nil), chunkIDs...)
	f.Completed = true
	f.ModifiedTime = m.now()
	return core.NoError
}

// SetFileChunks records the planned chunk list of a file at allocation
// time, so a later delete can cascade even if the upload never completes.
func (m *Manager) SetFileChunks(fileID string, chunkIDs []string) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	name, ok := m.fileNames[fileID]
	if !ok {
		return core.ErrFileNotFound
	}
	m.files[name].ChunkIDs = append([]string(nil), chunkIDs...)
	return core.NoError
}

// DeleteFile removes a file and its chunks from the metadata. It returns,
// per server id, the chunk ids that server should now delete; the caller
// queues them onto heartbeat replies.
func (m *Manager) DeleteFile(filename string) (map[string][]string, core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	f, ok := m.files[filename]
	if !ok {
		return nil, core.ErrFileNotFound
	}

	deletions := make(map[string][]string)
	for _, chunkID := range f.ChunkIDs {
		for serverID := range m.chunkToServers[chunkID] {
			deletions[serverID] = append(deletions[serverID], chunkID)
		}
		m.removeChunkLocked(chunkID)
	}

	delete(m.fileNames, f.FileID)
	delete(m.files, filename)
	return deletions, core.NoError
}

// StaleFiles returns the names of files that were created before the deadline
// but never completed. They are garbage, usually from abandoned uploads.
func (m *Manager) StaleFiles(deadline time.Duration) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	cutoff := m.now() - deadline.Milliseconds()
	var out []string
	for _, f := range m.files {
		if !f.Completed && f.CreatedTime < cutoff {
			out = append(out, f.Filename)
		}
	}
	return out
}

//------ Chunks ------//

// AddChunk records a new chunk.
func (m *Manager) AddChunk(c core.ChunkMeta) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cp := c
	if cp.CreatedTime == 0 {
		cp.CreatedTime = m.now()
	}
	if cp.LastAccessedTime == 0 {
		cp.LastAccessedTime = cp.CreatedTime
	}
	m.chunks[c.ChunkID] = &cp
}

// GetChunk returns a chunk's metadata.
func (m *Manager) GetChunk(chunkID string) (core.ChunkMeta, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return core.ChunkMeta{}, false
	}
	return *c, true
}

// TouchChunk advances a chunk's last-accessed time.
func (m *Manager) TouchChunk(chunkID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c, ok := m.chunks[chunkID]; ok {
		c.LastAccessedTime = m.now()
	}
}

// RemoveChunk drops a chunk and both sides of its location relation.
func (m *Manager) RemoveChunk(chunkID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.removeChunkLocked(chunkID)
}

// Call with the write lock held.
func (m *Manager) removeChunkLocked(chunkID string) {
	for serverID := range m.chunkToServers[chunkID] {
		delete(m.serverToChunks[serverID], chunkID)
	}
	delete(m.chunkToServers, chunkID)
	delete(m.chunks, chunkID)
}

//------ Locations ------//

// AddLocation records that a server holds a chunk, updating both sides of
// the relation atomically.
func (m *Manager) AddLocation(chunkID, serverID string) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.chunks[chunkID]; !ok {
		return core.ErrChunkNotFound
	}
	if _, ok := m.servers[serverID]; !ok {
		return core.ErrServerNotFound
	}
	if m.chunkToServers[chunkID] == nil {
		m.chunkToServers[chunkID] = make(map[string]bool)
	}
	if m.serverToChunks[serverID] == nil {
		m.serverToChunks[serverID] = make(map[string]bool)
	}
	m.chunkToServers[chunkID][serverID] = true
	m.serverToChunks[serverID][chunkID] = true
	return core.NoError
}

// RemoveLocation is the symmetric inverse of AddLocation.
func (m *Manager) RemoveLocation(chunkID, serverID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.chunkToServers[chunkID], serverID)
	delete(m.serverToChunks[serverID], chunkID)
}

// Locations returns the ids of the servers currently holding a chunk.
func (m *Manager) Locations(chunkID string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return keys(m.chunkToServers[chunkID])
}

// LocationAddrs returns the addresses of the healthy servers holding a
// chunk, healthiest-first ordering not guaranteed.
func (m *Manager) LocationAddrs(chunkID string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var addrs []string
	for serverID := range m.chunkToServers[chunkID] {
		if s, ok := m.servers[serverID]; ok && s.Healthy {
			addrs = append(addrs, s.Addr)
		}
	}
	sort.Strings(addrs)
	return addrs
}

// ChunksOn returns the ids of the chunks a server holds.
func (m *Manager) ChunksOn(serverID string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return keys(m.serverToChunks[serverID])
}

//------ Servers ------//

// RegisterServer adds a server under the given id.
func (m *Manager) RegisterServer(s core.ServerInfo) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cp := s
	cp.Healthy = true
	cp.LastHeartbeat = m.now()
	m.servers[s.ServerID] = &cp
	if m.serverToChunks[s.ServerID] == nil {
		m.serverToChunks[s.ServerID] = make(map[string]bool)
	}
	log.Infof("registered chunkserver %s at %s (%d bytes total)", s.ServerID, s.Addr, s.TotalSpace)
}

// UnregisterServer removes a server and every location it held. The caller
// is responsible for repairing the affected chunks; their ids are returned.
func (m *Manager) UnregisterServer(serverID string) []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	affected := keys(m.serverToChunks[serverID])
	for _, chunkID := range affected {
		delete(m.chunkToServers[chunkID], serverID)
	}
	delete(m.serverToChunks, serverID)
	delete(m.servers, serverID)
	log.Infof("unregistered chunkserver %s (%d chunks affected)", serverID, len(affected))
	return affected
}

// Heartbeat applies one heartbeat: liveness, resource figures, and the
// server's reported inventory. The inventory is reconciled into the
// relation: reported chunks the master knows about become locations, and
// chunk ids the master has no record of are returned so the caller can ask
// the server to delete them (they are garbage from dropped files).
func (m *Manager) Heartbeat(beat core.HeartbeatReq) (unknown []string, err core.Error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.servers[beat.ServerID]
	if !ok {
		return nil, core.ErrServerNotFound
	}

	s.Addr = beat.Addr
	s.TotalSpace = beat.TotalSpace
	s.FreeSpace = beat.FreeSpace
	s.ChunkCount = beat.ChunkCount
	s.CPUUsage = beat.CPUUsage
	s.MemoryUsage = beat.MemoryUsage
	s.Healthy = true
	s.LastHeartbeat = m.now()

	reported := make(map[string]bool, len(beat.StoredChunks))
	for _, chunkID := range beat.StoredChunks {
		reported[chunkID] = true
		if _, known := m.chunks[chunkID]; !known {
			unknown = append(unknown, chunkID)
			continue
		}
		if m.chunkToServers[chunkID] == nil {
			m.chunkToServers[chunkID] = make(map[string]bool)
		}
		m.chunkToServers[chunkID][beat.ServerID] = true
		m.serverToChunks[beat.ServerID][chunkID] = true
	}

	// Locations the server no longer reports are gone (a crash, a scrub
	// purge); drop them so repair can notice.
	for chunkID := range m.serverToChunks[beat.ServerID] {
		if !reported[chunkID] {
			delete(m.serverToChunks[beat.ServerID], chunkID)
			delete(m.chunkToServers[chunkID], beat.ServerID)
		}
	}

	return unknown, core.NoError
}

// GetServer returns one server's record.
func (m *Manager) GetServer(serverID string) (core.ServerInfo, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.servers[serverID]
	if !ok {
		return core.ServerInfo{}, false
	}
	return *s, true
}

// ServerByAddr finds a server by its address.
func (m *Manager) ServerByAddr(addr string) (core.ServerInfo, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for _, s := range m.servers {
		if s.Addr == addr {
			return *s, true
		}
	}
	return core.ServerInfo{}, false
}

// Servers returns every server record, sorted by id.
func (m *Manager) Servers() []core.ServerInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]core.ServerInfo, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// HealthyServers returns the servers currently considered healthy.
func (m *Manager) HealthyServers() []core.ServerInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []core.ServerInfo
	for _, s := range m.servers {
		if s.Healthy {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// SweepHealth marks servers without a recent heartbeat unhealthy and
// returns their ids; servers overdue by unregisterAfter or more are
// returned separately for full unregistration.
func (m *Manager) SweepHealth(timeout, unregisterAfter time.Duration) (unhealthy, expired []string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	for id, s := range m.servers {
		overdue := now - s.LastHeartbeat
		if overdue >= unregisterAfter.Milliseconds() {
			expired = append(expired, id)
		} else if overdue >= timeout.Milliseconds() && s.Healthy {
			s.Healthy = false
			unhealthy = append(unhealthy, id)
		}
	}
	return
}

// Counts returns the number of files and chunks.
func (m *Manager) Counts() (files, chunks int) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.files), len(m.chunks)
}

//------ Persistence ------//

// persistedState is the JSON snapshot layout: {files, chunks, servers},
// with locations flattened onto each chunk.
type persistedState struct {
	Files  []core.FileInfo  `json:"files"`
	Chunks []persistedChunk `json:"chunks"`
	Servers []core.ServerInfo `json:"servers"`
}

type persistedChunk struct {
	core.ChunkMeta
	ServerLocations []string `json:"server_locations"`
}

// Save serializes the full metadata to path atomically.
func (m *Manager) Save(path string) error {
	m.lock.RLock()
	state := persistedState{}
	for _, f := range m.files {
		state.Files = append(state.Files, copyFile(f))
	}
	for id, c := range m.chunks {
		state.Chunks = append(state.Chunks, persistedChunk{
			ChunkMeta:       *c,
			ServerLocations: keys(m.chunkToServers[id]),
		})
	}
	for _, s := range m.servers {
		state.Servers = append(state.Servers, *s)
	}
	m.lock.RUnlock()

	sort.Slice(state.Files, func(i, j int) bool { return state.Files[i].Filename < state.Files[j].Filename })
	sort.Slice(state.Chunks, func(i, j int) bool { return state.Chunks[i].ChunkID < state.Chunks[j].ChunkID })
	sort.Slice(state.Servers, func(i, j int) bool { return state.Servers[i].ServerID < state.Servers[j].ServerID })

	b, err := json.Marshal(&state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load replays a snapshot written by Save. A missing file is a fresh
// cluster, not an error.
func (m *Manager) Load(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("no metadata snapshot at %s, starting fresh", path)
		return nil
	} else if err != nil {
		return err
	}

	var state persistedState
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	for i := range state.Files {
		f := state.Files[i]
		m.files[f.Filename] = &f
		m.fileNames[f.FileID] = f.Filename
	}
	for i := range state.Servers {
		s := state.Servers[i]
		// Everyone starts unhealthy until it beats again.
		s.Healthy = false
		m.servers[s.ServerID] = &s
		m.serverToChunks[s.ServerID] = make(map[string]bool)
	}
	for i := range state.Chunks {
		pc := state.Chunks[i]
		c := pc.ChunkMeta
		m.chunks[c.ChunkID] = &c
		for _, serverID := range pc.ServerLocations {
			if _, ok := m.servers[serverID]; !ok {
				continue
			}
			if m.chunkToServers[c.ChunkID] == nil {
				m.chunkToServers[c.ChunkID] = make(map[string]bool)
			}
			m.chunkToServers[c.ChunkID][serverID] = true
			m.serverToChunks[serverID][c.ChunkID] = true
		}
	}

	log.Infof("loaded metadata snapshot: %d files, %d chunks, %d servers", len(m.files), len(m.chunks), len(m.servers))
	return nil
}

func copyFile(f *core.FileInfo) core.FileInfo {
	cp := *f
	cp.ChunkIDs = append([]string(nil), f.ChunkIDs...)
	return cp
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
