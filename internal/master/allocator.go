// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"math/rand"
	"sort"
	"sync"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Strategy selects how the allocator spreads chunks over servers.
type Strategy string

// The selection strategies.
const (
	RoundRobin  Strategy = "ROUND_ROBIN"
	LeastLoaded Strategy = "LEAST_LOADED"
	Random      Strategy = "RANDOM"
	ZoneAware   Strategy = "ZONE_AWARE"
)

// Allocator plans chunk placements over the healthy server pool. For
// replicated files each chunk gets Replication distinct servers; for
// erasure-coded files each group gets DataBlocks+ParityBlocks distinct
// servers, one block each.
type Allocator struct {
	meta *Manager
	cfg  *Config

	// Round-robin position, carried across allocations.
	lock    sync.Mutex
	rrIndex int
}

// NewAllocator returns an allocator over the given metadata.
func NewAllocator(meta *Manager, cfg *Config) *Allocator {
	return &Allocator{meta: meta, cfg: cfg}
}

// AllocateChunks plans placements for a file of the given size and records
// the chunks in the metadata. The returned list is in recipe order.
func (a *Allocator) AllocateChunks(fileID string, size int64, erasureCoded bool) ([]core.ChunkInfo, core.Error) {
	if size < 0 {
		return nil, core.ErrInvalidArgument
	}

	chunkCount := int((size + a.cfg.ChunkSize - 1) / a.cfg.ChunkSize)
	if chunkCount == 0 {
		chunkCount = 1 // a zero-byte file still gets one (empty) chunk
	}

	if erasureCoded {
		return a.allocateGroups(fileID, size, chunkCount)
	}
	return a.allocateReplicated(fileID, size, chunkCount)
}

func (a *Allocator) allocateReplicated(fileID string, size int64, chunkCount int) ([]core.ChunkInfo, core.Error) {
	out := make([]core.ChunkInfo, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		chunkID := core.ChunkID(fileID, i)
		servers, err := a.pick(a.cfg.Replication, nil)
		if err != core.NoError {
			return nil, err
		}

		chunkSize := a.cfg.ChunkSize
		if remaining := size - int64(i)*a.cfg.ChunkSize; remaining < chunkSize {
			chunkSize = remaining
		}

		a.record(chunkID, servers, core.ChunkMeta{ChunkID: chunkID, Size: chunkSize})
		out = append(out, core.ChunkInfo{
			ChunkID: chunkID,
			Addrs:   addrsOf(servers),
			Size:    chunkSize,
		})
	}
	return out, core.NoError
}

// allocateGroups plans one erasure group per chunk-sized slice: k+m blocks
// on k+m distinct servers, no additional replication.
func (a *Allocator) allocateGroups(fileID string, size int64, groupCount int) ([]core.ChunkInfo, core.Error) {
	k, total := a.cfg.DataBlocks, a.cfg.DataBlocks+a.cfg.ParityBlocks
	blockSize := (a.cfg.ChunkSize + int64(k) - 1) / int64(k)

	out := make([]core.ChunkInfo, 0, groupCount*total)
	for g := 0; g < groupCount; g++ {
		groupID := core.GroupID(fileID, g)
		servers, err := a.pick(total, nil)
		if err != core.NoError {
			return nil, err
		}

		for b := 0; b < total; b++ {
			blockID := core.BlockID(groupID, b)
			a.record(blockID, servers[b:b+1], core.ChunkMeta{
				ChunkID:      blockID,
				Size:         blockSize,
				ErasureCoded: true,
				GroupID:      groupID,
				BlockIndex:   b,
				ParityBlock:  b >= k,
			})
			out = append(out, core.ChunkInfo{
				ChunkID:      blockID,
				Addrs:        []string{servers[b].Addr},
				Size:         blockSize,
				ErasureCoded: true,
			})
		}
	}
	return out, core.NoError
}

// ReplacementsFor picks count fresh servers for an existing chunk,
// excluding the servers that already hold it and any named in down.
func (a *Allocator) ReplacementsFor(chunkID string, count int, down []string) ([]core.ServerInfo, core.Error) {
	exclude := make(map[string]bool)
	for _, id := range a.meta.Locations(chunkID) {
		exclude[id] = true
	}
	for _, id := range down {
		exclude[id] = true
	}
	return a.pick(count, exclude)
}

func (a *Allocator) record(chunkID string, servers []core.ServerInfo, meta core.ChunkMeta) {
	a.meta.AddChunk(meta)
	for _, s := range servers {
		a.meta.AddLocation(chunkID, s.ServerID)
	}
}

// pick chooses count distinct servers by the configured strategy. Servers
// in exclude, and servers whose projected free space would fall below 10%
// of their total, are never chosen.
func (a *Allocator) pick(count int, exclude map[string]bool) ([]core.ServerInfo, core.Error) {
	candidates := a.candidates(exclude)
	if len(candidates) < count {
		if len(a.meta.HealthyServers()) < count {
			return nil, core.ErrNoServers
		}
		return nil, core.ErrNoSpace
	}

	var chosen []core.ServerInfo
	switch a.cfg.Strategy {
	case RoundRobin:
		chosen = a.pickRoundRobin(candidates, count)
	case Random:
		chosen = pickRandom(candidates, count)
	case ZoneAware:
		chosen = pickZoneAware(candidates, count)
	case LeastLoaded:
		chosen = pickLeastLoaded(candidates, count)
	default:
		log.Errorf("unknown placement strategy %q, using LEAST_LOADED", a.cfg.Strategy)
		chosen = pickLeastLoaded(candidates, count)
	}
	log.V(2).Infof("picked %d servers: %v", len(chosen), addrsOf(chosen))
	return chosen, core.NoError
}

// candidates returns the healthy servers with room for one more chunk.
func (a *Allocator) candidates(exclude map[string]bool) []core.ServerInfo {
	var out []core.ServerInfo
	for _, s := range a.meta.HealthyServers() {
		if exclude[s.ServerID] {
			continue
		}
		if !hasSpaceFor(&s, a.cfg.ChunkSize) {
			log.V(2).Infof("server %s at %s is too full to host new chunks", s.ServerID, s.Addr)
			continue
		}
		out = append(out, s)
	}
	return out
}

// hasSpaceFor applies the 10% floor: a placement may not push a server's
// free space below a tenth of its total.
func hasSpaceFor(s *core.ServerInfo, need int64) bool {
	if s.TotalSpace <= 0 {
		return false
	}
	floor := int64(float64(s.TotalSpace) * core.MinFreeSpaceFraction)
	return s.FreeSpace-need >= floor
}

func (a *Allocator) pickRoundRobin(candidates []core.ServerInfo, count int) []core.ServerInfo {
	a.lock.Lock()
	defer a.lock.Unlock()

	out := make([]core.ServerInfo, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, candidates[a.rrIndex%len(candidates)])
		a.rrIndex++
	}
	// The walk above can wrap and repeat a server when the pool is barely
	// large enough; dedup by reslicing distinct picks.
	seen := make(map[string]bool)
	distinct := out[:0]
	for _, s := range out {
		if !seen[s.ServerID] {
			seen[s.ServerID] = true
			distinct = append(distinct, s)
		}
	}
	for i := 0; len(distinct) < count && i < len(candidates); i++ {
		if !seen[candidates[i].ServerID] {
			seen[candidates[i].ServerID] = true
			distinct = append(distinct, candidates[i])
		}
	}
	return distinct
}

func pickLeastLoaded(candidates []core.ServerInfo, count int) []core.ServerInfo {
	sorted := append([]core.ServerInfo(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := sorted[i].Load(), sorted[j].Load()
		if li != lj {
			return li < lj
		}
		return sorted[i].ServerID < sorted[j].ServerID
	})
	return sorted[:count]
}

func pickRandom(candidates []core.ServerInfo, count int) []core.ServerInfo {
	shuffled := append([]core.ServerInfo(nil), candidates...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:count]
}

// pickZoneAware takes one server per zone first for diversity, then fills
// the remaining slots least-loaded.
func pickZoneAware(candidates []core.ServerInfo, count int) []core.ServerInfo {
	byLoad := pickLeastLoaded(candidates, len(candidates))

	out := make([]core.ServerInfo, 0, count)
	usedZones := make(map[string]bool)
	usedServers := make(map[string]bool)
	for _, s := range byLoad {
		if len(out) >= count {
			return out
		}
		if !usedZones[s.Zone] {
			usedZones[s.Zone] = true
			usedServers[s.ServerID] = true
			out = append(out, s)
		}
	}
	for _, s := range byLoad {
		if len(out) >= count {
			break
		}
		if !usedServers[s.ServerID] {
			usedServers[s.ServerID] = true
			out = append(out, s)
		}
	}
	return out
}

func addrsOf(servers []core.ServerInfo) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Addr
	}
	return out
}
