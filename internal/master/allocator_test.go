// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"testing"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

func testConfig() *Config {
	cfg := DefaultConfig
	cfg.MetadataPath = ""
	cfg.ChunkSize = 4 * 1024 * 1024
	cfg.Replication = 3
	cfg.DataBlocks = 4
	cfg.ParityBlocks = 2
	return &cfg
}

func clusterOf(n int) *Manager {
	m := NewManager()
	for i := 0; i < n; i++ {
		m.RegisterServer(core.ServerInfo{
			ServerID:   fmt.Sprintf("s%d", i),
			Addr:       fmt.Sprintf("host%d:1", i),
			TotalSpace: 1 << 40,
			FreeSpace:  1 << 39,
			Zone:       fmt.Sprintf("z%d", i%3),
		})
	}
	return m
}

// No two replicas of the same chunk share a server.
func TestReplicaDiversity(t *testing.T) {
	for _, strategy := range []Strategy{RoundRobin, LeastLoaded, Random, ZoneAware} {
		cfg := testConfig()
		cfg.Strategy = strategy
		meta := clusterOf(5)
		a := NewAllocator(meta, cfg)

		chunks, err := a.AllocateChunks("f1", 10*1024*1024, false)
		if err != core.NoError {
			t.Fatalf("%s: AllocateChunks: %s", strategy, err)
		}
		if len(chunks) != 3 {
			t.Fatalf("%s: want 3 chunks for 10 MiB, got %d", strategy, len(chunks))
		}
		for _, c := range chunks {
			if len(c.Addrs) != 3 {
				t.Errorf("%s: chunk %s has %d replicas, want 3", strategy, c.ChunkID, len(c.Addrs))
			}
			seen := make(map[string]bool)
			for _, addr := range c.Addrs {
				if seen[addr] {
					t.Errorf("%s: chunk %s has two replicas on %s", strategy, c.ChunkID, addr)
				}
				seen[addr] = true
			}
		}
	}
}

func TestChunkSizes(t *testing.T) {
	cfg := testConfig()
	meta := clusterOf(3)
	a := NewAllocator(meta, cfg)

	// 10 MiB: two full chunks and a 2 MiB tail.
	chunks, err := a.AllocateChunks("f1", 10*1024*1024, false)
	if err != core.NoError {
		t.Fatalf("AllocateChunks: %s", err)
	}
	want := []int64{4 << 20, 4 << 20, 2 << 20}
	for i, c := range chunks {
		if c.Size != want[i] {
			t.Errorf("chunk %d size %d, want %d", i, c.Size, want[i])
		}
	}

	// Exactly one chunk, no tail.
	chunks, _ = a.AllocateChunks("f2", 4*1024*1024, false)
	if len(chunks) != 1 || chunks[0].Size != 4<<20 {
		t.Errorf("exact-size file: %v", chunks)
	}

	// Zero-byte file still gets one chunk.
	chunks, _ = a.AllocateChunks("f3", 0, false)
	if len(chunks) != 1 || chunks[0].Size != 0 {
		t.Errorf("zero-byte file: %v", chunks)
	}
}

// Each erasure group's blocks land on distinct servers, one block each.
func TestErasureGroupDiversity(t *testing.T) {
	cfg := testConfig()
	meta := clusterOf(6)
	a := NewAllocator(meta, cfg)

	chunks, err := a.AllocateChunks("f1", 10*1024*1024, true)
	if err != core.NoError {
		t.Fatalf("AllocateChunks: %s", err)
	}
	// 3 groups of 6 blocks.
	if len(chunks) != 18 {
		t.Fatalf("want 18 blocks, got %d", len(chunks))
	}
	for g := 0; g < 3; g++ {
		seen := make(map[string]bool)
		for b := 0; b < 6; b++ {
			c := chunks[g*6+b]
			wantID := core.BlockID(core.GroupID("f1", g), b)
			if c.ChunkID != wantID {
				t.Errorf("block id %q, want %q", c.ChunkID, wantID)
			}
			if len(c.Addrs) != 1 {
				t.Fatalf("block %s has %d locations, want 1", c.ChunkID, len(c.Addrs))
			}
			if seen[c.Addrs[0]] {
				t.Errorf("group %d has two blocks on %s", g, c.Addrs[0])
			}
			seen[c.Addrs[0]] = true
			if !c.ErasureCoded {
				t.Errorf("block %s not flagged erasure coded", c.ChunkID)
			}
		}
	}

	// Parity flags recorded in the metadata.
	c, _ := meta.GetChunk(core.BlockID(core.GroupID("f1", 0), 5))
	if !c.ParityBlock || c.BlockIndex != 5 {
		t.Errorf("parity block meta wrong: %+v", c)
	}
	c, _ = meta.GetChunk(core.BlockID(core.GroupID("f1", 0), 0))
	if c.ParityBlock {
		t.Errorf("data block flagged parity: %+v", c)
	}
}

func TestAllocationFailsWithoutServers(t *testing.T) {
	cfg := testConfig()
	a := NewAllocator(clusterOf(2), cfg)

	if _, err := a.AllocateChunks("f1", 1024, false); err != core.ErrNoServers {
		t.Errorf("want ErrNoServers with 2 servers and R=3, got %s", err)
	}
}

// The allocator never pushes a server below 10% free space.
func TestSpaceGuard(t *testing.T) {
	cfg := testConfig()
	meta := NewManager()
	// Three servers, but one is nearly full: free space barely above the
	// 10% floor, so one more chunk would cross it.
	for i := 0; i < 3; i++ {
		free := int64(1 << 39)
		if i == 0 {
			free = (1 << 40 / 10) + 1024 // floor + 1 KiB
		}
		meta.RegisterServer(core.ServerInfo{
			ServerID:   fmt.Sprintf("s%d", i),
			Addr:       fmt.Sprintf("host%d:1", i),
			TotalSpace: 1 << 40,
			FreeSpace:  free,
		})
	}
	a := NewAllocator(meta, cfg)

	if _, err := a.AllocateChunks("f1", 1024, false); err != core.ErrNoSpace {
		t.Errorf("want ErrNoSpace when a server would cross the floor, got %s", err)
	}
}

func TestLeastLoadedPrefersIdleServers(t *testing.T) {
	cfg := testConfig()
	cfg.Replication = 1
	meta := NewManager()
	meta.RegisterServer(core.ServerInfo{ServerID: "busy", Addr: "busy:1", TotalSpace: 1 << 40, FreeSpace: 1 << 38, CPUUsage: 0.9, MemoryUsage: 0.9})
	meta.RegisterServer(core.ServerInfo{ServerID: "idle", Addr: "idle:1", TotalSpace: 1 << 40, FreeSpace: 1 << 39, CPUUsage: 0.1, MemoryUsage: 0.1})
	a := NewAllocator(meta, cfg)

	chunks, err := a.AllocateChunks("f1", 1024, false)
	if err != core.NoError {
		t.Fatalf("AllocateChunks: %s", err)
	}
	if chunks[0].Addrs[0] != "idle:1" {
		t.Errorf("least-loaded picked %s", chunks[0].Addrs[0])
	}
}

// ZONE_AWARE takes one server per zone before doubling up.
func TestZoneAwareDiversity(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = ZoneAware
	meta := clusterOf(6) // zones z0,z1,z2 twice over
	a := NewAllocator(meta, cfg)

	chunks, err := a.AllocateChunks("f1", 1024, false)
	if err != core.NoError {
		t.Fatalf("AllocateChunks: %s", err)
	}
	zones := make(map[string]int)
	for _, serverID := range meta.Locations(chunks[0].ChunkID) {
		s, _ := meta.GetServer(serverID)
		zones[s.Zone]++
	}
	if len(zones) != 3 {
		t.Errorf("3 replicas landed in %d zones, want 3", len(zones))
	}
}

func TestReplacementsExcludeHolders(t *testing.T) {
	cfg := testConfig()
	meta := clusterOf(5)
	a := NewAllocator(meta, cfg)

	chunks, _ := a.AllocateChunks("f1", 1024, false)
	chunkID := chunks[0].ChunkID
	holders := make(map[string]bool)
	for _, id := range meta.Locations(chunkID) {
		holders[id] = true
	}

	repl, err := a.ReplacementsFor(chunkID, 2, nil)
	if err != core.NoError {
		t.Fatalf("ReplacementsFor: %s", err)
	}
	if len(repl) != 2 {
		t.Fatalf("got %d replacements, want 2", len(repl))
	}
	for _, s := range repl {
		if holders[s.ServerID] {
			t.Errorf("replacement %s already holds the chunk", s.ServerID)
		}
	}
}

func TestRoundRobinSpreads(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = RoundRobin
	cfg.Replication = 1
	meta := clusterOf(4)
	a := NewAllocator(meta, cfg)

	used := make(map[string]bool)
	for i := 0; i < 4; i++ {
		chunks, err := a.AllocateChunks(fmt.Sprintf("f%d", i), 1024, false)
		if err != core.NoError {
			t.Fatalf("AllocateChunks: %s", err)
		}
		used[chunks[0].Addrs[0]] = true
	}
	if len(used) != 4 {
		t.Errorf("round robin reused servers: spread over %d of 4", len(used))
	}
}
