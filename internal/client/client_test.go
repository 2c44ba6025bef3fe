// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
	"github.com/KrishnaChamarthy/dfs/internal/ec"
	"github.com/KrishnaChamarthy/dfs/pkg/rpc"
)

var bg = context.Background()

// memCluster is an in-memory master plus chunk servers, implementing the
// talker interfaces so the pipelines run without a network.
type memCluster struct {
	sync.Mutex

	cfg *Config

	files   map[string]*core.FileInfo // by name
	byID    map[string]string
	chunks  map[string]*core.ChunkMeta
	keys    *crypto.KeyManager
	servers []string // addrs

	// Per-addr chunk stores.
	stored map[string]map[string][]byte

	// Addresses that fail every request.
	dead map[string]bool

	// Addresses that serve flipped bytes.
	corrupt map[string]bool
}

func newMemCluster(cfg *Config, serverCount int) *memCluster {
	m := &memCluster{
		cfg:     cfg,
		files:   make(map[string]*core.FileInfo),
		byID:    make(map[string]string),
		chunks:  make(map[string]*core.ChunkMeta),
		keys:    crypto.NewKeyManager(),
		stored:  make(map[string]map[string][]byte),
		dead:    make(map[string]bool),
		corrupt: make(map[string]bool),
	}
	for i := 0; i < serverCount; i++ {
		addr := fmt.Sprintf("cs%d:1", i)
		m.servers = append(m.servers, addr)
		m.stored[addr] = make(map[string][]byte)
	}
	return m
}

//------ masterTalker ------//

func (m *memCluster) CreateFile(ctx context.Context, req core.CreateFileReq) (core.CreateFileReply, core.Error) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.files[req.Filename]; ok {
		return core.CreateFileReply{}, core.ErrAlreadyExists
	}
	id := fmt.Sprintf("id-%d", len(m.files))
	f := &core.FileInfo{
		FileID:       id,
		Filename:     req.Filename,
		Size:         req.Size,
		Encrypted:    req.Encrypted,
		ErasureCoded: req.ErasureCoded,
	}
	reply := core.CreateFileReply{FileID: id}
	if req.Encrypted {
		f.KeyID = core.KeyID(id)
		reply.KeyID = f.KeyID
		if _, err := m.keys.MintKey(f.KeyID); err != nil {
			return core.CreateFileReply{}, core.ErrFatal
		}
	}
	m.files[req.Filename] = f
	m.byID[id] = req.Filename
	return reply, core.NoError
}

func (m *memCluster) DeleteFile(ctx context.Context, filename string) core.Error {
	m.Lock()
	defer m.Unlock()
	f, ok := m.files[filename]
	if !ok {
		return core.ErrFileNotFound
	}
	delete(m.byID, f.FileID)
	delete(m.files, filename)
	return core.NoError
}

func (m *memCluster) ListFiles(ctx context.Context, prefix string) ([]core.FileInfo, core.Error) {
	m.Lock()
	defer m.Unlock()
	var out []core.FileInfo
	for _, f := range m.files {
		if f.Completed {
			out = append(out, *f)
		}
	}
	return out, core.NoError
}

func (m *memCluster) GetFileInfo(ctx context.Context, filename string) (core.GetFileInfoReply, core.Error) {
	m.Lock()
	defer m.Unlock()
	f, ok := m.files[filename]
	if !ok {
		return core.GetFileInfoReply{}, core.ErrFileNotFound
	}
	reply := core.GetFileInfoReply{Info: *f}
	for _, id := range f.ChunkIDs {
		c := m.chunks[id]
		info := core.ChunkInfo{ChunkID: id, Size: c.Size, Checksum: c.Checksum, ErasureCoded: c.ErasureCoded}
		for _, addr := range m.servers {
			if _, ok := m.stored[addr][id]; ok {
				info.Addrs = append(info.Addrs, addr)
			}
		}
		reply.Chunks = append(reply.Chunks, info)
	}
	return reply, core.NoError
}

func (m *memCluster) AllocateChunks(ctx context.Context, req core.AllocateChunksReq) ([]core.ChunkInfo, core.Error) {
	m.Lock()
	defer m.Unlock()

	name, ok := m.byID[req.FileID]
	if !ok {
		return nil, core.ErrFileNotFound
	}
	f := m.files[name]

	count := int((req.Size + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize)
	if count == 0 {
		count = 1
	}

	var out []core.ChunkInfo
	if req.ErasureCoded {
		total := m.cfg.DataBlocks + m.cfg.ParityBlocks
		if len(m.servers) < total {
			return nil, core.ErrNoServers
		}
		for g := 0; g < count; g++ {
			groupID := core.GroupID(req.FileID, g)
			for b := 0; b < total; b++ {
				id := core.BlockID(groupID, b)
				m.chunks[id] = &core.ChunkMeta{ChunkID: id, ErasureCoded: true, GroupID: groupID, BlockIndex: b}
				out = append(out, core.ChunkInfo{
					ChunkID:      id,
					Addrs:        []string{m.servers[b%len(m.servers)]},
					ErasureCoded: true,
				})
			}
		}
	} else {
		r := 3
		if len(m.servers) < r {
			r = len(m.servers)
		}
		for i := 0; i < count; i++ {
			id := core.ChunkID(req.FileID, i)
			m.chunks[id] = &core.ChunkMeta{ChunkID: id}
			out = append(out, core.ChunkInfo{ChunkID: id, Addrs: append([]string(nil), m.servers[:r]...)})
		}
	}

	f.ChunkIDs = nil
	for _, c := range out {
		f.ChunkIDs = append(f.ChunkIDs, c.ChunkID)
	}
	return out, core.NoError
}

func (m *memCluster) GetChunkLocations(ctx context.Context, chunkIDs []string) ([]core.ChunkInfo, core.Error) {
	return nil, core.ErrUnknown
}

func (m *memCluster) CompleteUpload(ctx context.Context, req core.CompleteUploadReq) core.Error {
	m.Lock()
	defer m.Unlock()
	name, ok := m.byID[req.FileID]
	if !ok {
		return core.ErrFileNotFound
	}
	f := m.files[name]
	for i, id := range req.ChunkIDs {
		c, ok := m.chunks[id]
		if !ok {
			return core.ErrChunkNotFound
		}
		stored := false
		for _, addr := range m.servers {
			if _, ok := m.stored[addr][id]; ok {
				stored = true
			}
		}
		if !stored {
			return core.ErrIncompleteUpload
		}
		c.Size = req.Sizes[i]
		c.Checksum = req.Checksums[i]
	}
	f.ChunkIDs = append([]string(nil), req.ChunkIDs...)
	f.Completed = true
	return core.NoError
}

func (m *memCluster) GetFileKey(ctx context.Context, keyID string) ([]byte, core.Error) {
	if key, ok := m.keys.GetKey(keyID); ok {
		return key, core.NoError
	}
	return nil, core.ErrKeyNotFound
}

func (m *memCluster) GetClusterStats(ctx context.Context) (core.ClusterStatsReply, core.Error) {
	m.Lock()
	defer m.Unlock()
	return core.ClusterStatsReply{Files: len(m.files), Chunks: len(m.chunks)}, core.NoError
}

//------ chunkTalker ------//

func (m *memCluster) WriteChunk(ctx context.Context, addr string, req core.WriteChunkReq) (string, core.Error) {
	m.Lock()
	defer m.Unlock()
	if m.dead[addr] {
		return "", core.ErrRPC
	}
	sum := core.Checksum(req.Data)
	if req.Checksum != "" && req.Checksum != sum {
		return "", core.ErrCorruptData
	}
	m.stored[addr][req.ChunkID] = append([]byte(nil), req.Data...)
	return sum, core.NoError
}

func (m *memCluster) ReadChunk(ctx context.Context, addr string, chunkID string) ([]byte, string, core.Error) {
	m.Lock()
	defer m.Unlock()
	if m.dead[addr] {
		return nil, "", core.ErrRPC
	}
	data, ok := m.stored[addr][chunkID]
	if !ok {
		return nil, "", core.ErrChunkNotFound
	}
	out := append([]byte(nil), data...)
	if m.corrupt[addr] {
		for i := range out {
			out[i] ^= 0xFF
		}
	}
	return out, core.Checksum(data), core.NoError
}

//------ harness ------//

func newTestClient(t *testing.T, servers int) (*Client, *memCluster) {
	t.Helper()
	cfg := DefaultConfig
	cfg.ChunkSize = 1024 // small chunks keep the tests quick
	cfg.CacheSizeMB = 1
	cluster := newMemCluster(&cfg, servers)

	coder, err := ec.New(cfg.DataBlocks, cfg.ParityBlocks)
	if err != nil {
		t.Fatalf("ec.New: %s", err)
	}
	c := &Client{
		cfg:    &cfg,
		cc:     rpc.NewConnectionCache(cfg.DialTimeout, cfg.RPCTimeout, 0),
		coder:  coder,
		keys:   crypto.NewKeyManager(),
		master: cluster,
		chunks: cluster,
		cache:  newChunkCache(int64(cfg.CacheSizeMB) * 1024 * 1024),
	}
	return c, cluster
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing temp file: %s", err)
	}
	return path
}

func roundTrip(t *testing.T, c *Client, local, remote string) []byte {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out")
	if err := c.Download(bg, remote, out, nil); err != core.NoError {
		t.Fatalf("Download(%s): %s", remote, err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading download: %s", err)
	}
	return got
}

//------ Tests ------//

// A plain replicated file survives the round trip bit for bit, landing on
// every replica.
func TestUploadDownloadReplicated(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	data := patternData(2560) // two full chunks and a tail

	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	f := cluster.files["/f1"]
	if !f.Completed || len(f.ChunkIDs) != 3 {
		t.Fatalf("file after upload: %+v", f)
	}
	// Every replica holds every chunk.
	for _, id := range f.ChunkIDs {
		for _, addr := range cluster.servers {
			if _, ok := cluster.stored[addr][id]; !ok {
				t.Errorf("chunk %s missing on %s", id, addr)
			}
		}
	}

	if got := roundTrip(t, c, local, "/f1"); !bytes.Equal(got, data) {
		t.Errorf("round trip mismatched")
	}
}

func TestUploadBoundarySizes(t *testing.T) {
	for _, n := range []int{0, 1024, 1023, 1025} {
		c, _ := newTestClient(t, 3)
		data := patternData(n)
		local := writeTemp(t, data)
		remote := fmt.Sprintf("/size-%d", n)
		if err := c.Upload(bg, local, remote, false, false, nil); err != core.NoError {
			t.Fatalf("Upload(%d bytes): %s", n, err)
		}
		if got := roundTrip(t, c, local, remote); !bytes.Equal(got, data) {
			t.Errorf("round trip of %d bytes mismatched", n)
		}
	}
}

// A dead replica is skipped on download; data still comes back.
func TestDownloadSkipsDeadReplica(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	data := patternData(2000)
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	c.cache = nil // force network reads
	cluster.dead["cs0:1"] = true

	if got := roundTrip(t, c, local, "/f1"); !bytes.Equal(got, data) {
		t.Errorf("round trip with a dead replica mismatched")
	}
}

// A corrupting replica fails verification and the client moves on to the
// next one.
func TestDownloadSkipsCorruptReplica(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	data := patternData(2000)
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	c.cache = nil
	cluster.corrupt["cs0:1"] = true

	if got := roundTrip(t, c, local, "/f1"); !bytes.Equal(got, data) {
		t.Errorf("round trip with a corrupt replica mismatched")
	}
}

// With every replica bad the download fails rather than returning garbage.
func TestDownloadFailsWhenAllReplicasBad(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	data := patternData(100)
	local := writeTemp(t, data)
	c.Upload(bg, local, "/f1", false, false, nil)

	c.cache = nil
	for _, addr := range cluster.servers {
		cluster.corrupt[addr] = true
	}

	out := filepath.Join(t.TempDir(), "out")
	if err := c.Download(bg, "/f1", out, nil); err != core.ErrCorruptData {
		t.Errorf("want ErrCorruptData, got %s", err)
	}
}

// Upload aborts (and deletes the file) when a chunk gets zero acks.
func TestUploadAbortsWithAllServersDead(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	for _, addr := range cluster.servers {
		cluster.dead[addr] = true
	}

	local := writeTemp(t, patternData(100))
	if err := c.Upload(bg, local, "/f1", false, false, nil); err == core.NoError {
		t.Fatalf("upload with all servers dead succeeded")
	}
	if _, ok := cluster.files["/f1"]; ok {
		t.Errorf("aborted upload left the file behind")
	}
}

// One dead server out of three is fine: a single ack commits the chunk.
func TestUploadToleratesPartialAcks(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	cluster.dead["cs2:1"] = true

	data := patternData(500)
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}
	cluster.dead["cs2:1"] = false
	if got := roundTrip(t, c, local, "/f1"); !bytes.Equal(got, data) {
		t.Errorf("round trip mismatched")
	}
}

// Encrypted upload: on-disk bytes differ from the plaintext everywhere,
// and the round trip needs the key.
func TestUploadDownloadEncrypted(t *testing.T) {
	c, cluster := newTestClient(t, 3)
	data := []byte("hello world")
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f3", true, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	f := cluster.files["/f3"]
	if !f.Encrypted || f.KeyID == "" {
		t.Fatalf("file not flagged encrypted: %+v", f)
	}
	for _, addr := range cluster.servers {
		for id, blob := range cluster.stored[addr] {
			if bytes.Contains(blob, data) {
				t.Errorf("replica %s of %s stores the plaintext", addr, id)
			}
		}
	}

	if got := roundTrip(t, c, local, "/f3"); !bytes.Equal(got, data) {
		t.Errorf("encrypted round trip mismatched")
	}

	// Without any key source the download must fail.
	c2, _ := newTestClient(t, 3)
	c2.master = cluster
	c2.chunks = cluster
	cluster.keys = crypto.NewKeyManager() // drop the master's copy of the key
	out := filepath.Join(t.TempDir(), "out")
	if err := c2.Download(bg, "/f3", out, nil); err == core.NoError {
		t.Errorf("download without the key succeeded")
	}
}

// Erasure-coded round trip, including with m servers gone.
func TestUploadDownloadErasureCoded(t *testing.T) {
	c, cluster := newTestClient(t, 6)
	data := patternData(3000) // three groups at 1 KiB chunk size
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f2", false, true, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	f := cluster.files["/f2"]
	if len(f.ChunkIDs) != 3*6 {
		t.Fatalf("want 18 blocks, got %d", len(f.ChunkIDs))
	}

	if got := roundTrip(t, c, local, "/f2"); !bytes.Equal(got, data) {
		t.Fatalf("EC round trip mismatched")
	}

	// Kill any two servers; any k blocks still decode.
	c.cache = nil
	cluster.dead["cs1:1"] = true
	cluster.dead["cs4:1"] = true
	if got := roundTrip(t, c, local, "/f2"); !bytes.Equal(got, data) {
		t.Errorf("EC round trip with 2 losses mismatched")
	}

	// A third loss is too many.
	cluster.dead["cs0:1"] = true
	out := filepath.Join(t.TempDir(), "out")
	if err := c.Download(bg, "/f2", out, nil); err != core.ErrNotEnoughBlocks {
		t.Errorf("want ErrNotEnoughBlocks with 3 losses, got %s", err)
	}
}

// Encryption composes with erasure coding.
func TestUploadDownloadEncryptedErasureCoded(t *testing.T) {
	c, cluster := newTestClient(t, 6)
	data := patternData(2500)
	local := writeTemp(t, data)
	if err := c.Upload(bg, local, "/f4", true, true, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}

	c.cache = nil
	cluster.dead["cs2:1"] = true
	if got := roundTrip(t, c, local, "/f4"); !bytes.Equal(got, data) {
		t.Errorf("encrypted EC round trip mismatched")
	}
}

func TestProgressCallback(t *testing.T) {
	c, _ := newTestClient(t, 3)
	data := patternData(2560)
	local := writeTemp(t, data)

	var calls []int64
	progress := func(cur, total int64) {
		if total != 2560 {
			t.Errorf("progress total = %d", total)
		}
		calls = append(calls, cur)
	}
	if err := c.Upload(bg, local, "/f1", false, false, progress); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}
	if len(calls) != 3 || calls[len(calls)-1] != 2560 {
		t.Errorf("upload progress calls = %v", calls)
	}

	calls = nil
	out := filepath.Join(t.TempDir(), "out")
	if err := c.Download(bg, "/f1", out, progress); err != core.NoError {
		t.Fatalf("Download: %s", err)
	}
	if len(calls) != 3 || calls[len(calls)-1] != 2560 {
		t.Errorf("download progress calls = %v", calls)
	}
}

func TestDownloadMissingFile(t *testing.T) {
	c, _ := newTestClient(t, 3)
	out := filepath.Join(t.TempDir(), "out")
	if err := c.Download(bg, "/absent", out, nil); err != core.ErrFileNotFound {
		t.Errorf("want ErrFileNotFound, got %s", err)
	}
}

func TestDuplicateUploadRejected(t *testing.T) {
	c, _ := newTestClient(t, 3)
	local := writeTemp(t, patternData(10))
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.NoError {
		t.Fatalf("Upload: %s", err)
	}
	if err := c.Upload(bg, local, "/f1", false, false, nil); err != core.ErrAlreadyExists {
		t.Errorf("duplicate upload: want ErrAlreadyExists, got %s", err)
	}
}
