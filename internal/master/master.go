// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"math"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
	"github.com/KrishnaChamarthy/dfs/pkg/rpc"
)

// Master owns the metadata and drives placement, repair, and rebalance.
// Work for chunk servers (replication tasks, deletions) is queued per
// server and piggybacked onto their next heartbeat reply.
type Master struct {
	cfg   *Config
	meta  *Manager
	alloc *Allocator
	keys  *crypto.KeyManager

	// Connections to chunk servers, used only for erasure block
	// reconstruction. Plain copies ride on heartbeat replies instead.
	cc *rpc.ConnectionCache

	// Per-server outgoing queues, keyed by server id.
	taskLock  sync.Mutex
	replTasks map[string][]core.ReplicationTask
	deletions map[string][]string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMaster assembles a master over the given stores. The key manager is
// injected rather than global so tests can supply their own.
func NewMaster(cfg *Config, meta *Manager, keys *crypto.KeyManager) *Master {
	return &Master{
		cfg:       cfg,
		meta:      meta,
		alloc:     NewAllocator(meta, cfg),
		keys:      keys,
		cc:        rpc.NewConnectionCache(5*time.Second, time.Minute, 0),
		replTasks: make(map[string][]core.ReplicationTask),
		deletions: make(map[string][]string),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background loops: health sweeping, rebalancing,
// metadata persistence, and stale upload collection.
func (m *Master) Start() {
	go m.sweepLoop()
	go m.rebalanceLoop()
	go m.persistLoop()
	go m.staleUploadLoop()
}

// Stop halts background work and persists a final snapshot.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.persist()
}

//------ Outgoing work queues ------//

func (m *Master) queueReplication(serverID string, task core.ReplicationTask) {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	for _, t := range m.replTasks[serverID] {
		if t.ChunkID == task.ChunkID && t.TargetAddr == task.TargetAddr {
			return // already queued
		}
	}
	m.replTasks[serverID] = append(m.replTasks[serverID], task)
}

func (m *Master) queueDeletion(serverID string, chunkIDs ...string) {
	if len(chunkIDs) == 0 {
		return
	}
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	m.deletions[serverID] = append(m.deletions[serverID], chunkIDs...)
}

// takeWork drains the outgoing queues for one server.
func (m *Master) takeWork(serverID string) ([]core.ReplicationTask, []string) {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	tasks := m.replTasks[serverID]
	dels := m.deletions[serverID]
	delete(m.replTasks, serverID)
	delete(m.deletions, serverID)
	return tasks, dels
}

func (m *Master) pendingTaskCount() int {
	m.taskLock.Lock()
	defer m.taskLock.Unlock()
	n := 0
	for _, ts := range m.replTasks {
		n += len(ts)
	}
	return n
}

//------ Failure handling and repair ------//

// sweepLoop periodically marks overdue servers unhealthy and repairs what
// they held; servers overdue twice the timeout are unregistered entirely.
func (m *Master) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		}

		unhealthy, expired := m.meta.SweepHealth(m.cfg.HeartbeatTimeout, 2*m.cfg.HeartbeatTimeout)
		for _, serverID := range unhealthy {
			m.handleServerFailure(serverID)
		}
		for _, serverID := range expired {
			affected := m.meta.UnregisterServer(serverID)
			for _, chunkID := range affected {
				m.repairChunk(chunkID)
			}
		}
	}
}

// handleServerFailure removes the failed server from every chunk it held
// and schedules repair for chunks that dropped below their target.
func (m *Master) handleServerFailure(serverID string) {
	affected := m.meta.ChunksOn(serverID)
	log.Errorf("chunkserver %s timed out, repairing %d chunks", serverID, len(affected))
	for _, chunkID := range affected {
		m.meta.RemoveLocation(chunkID, serverID)
		m.repairChunk(chunkID, serverID)
	}
}

// repairTarget is how many live copies a chunk wants: one per erasure
// block, the replication factor otherwise.
func (m *Master) repairTarget(c *core.ChunkMeta) int {
	if c.ErasureCoded {
		return 1
	}
	return m.cfg.Replication
}

// repairChunk brings one chunk back to its target copy count by queueing
// copy tasks to surviving holders and fresh targets. Erasure blocks with no
// surviving copy are rebuilt from their group instead (see reconstruct.go).
func (m *Master) repairChunk(chunkID string, down ...string) {
	c, ok := m.meta.GetChunk(chunkID)
	if !ok {
		return
	}

	surviving := m.healthyHolders(chunkID)
	need := m.repairTarget(&c) - len(surviving)
	if need <= 0 {
		return
	}

	if len(surviving) == 0 {
		if c.ErasureCoded {
			// The block is gone everywhere; regenerate it from the rest
			// of its group.
			go m.reconstructBlock(c)
			return
		}
		log.Errorf("chunk %s has no surviving replica, cannot repair", chunkID)
		return
	}

	targets, err := m.alloc.ReplacementsFor(chunkID, need, down)
	if err != core.NoError {
		log.Errorf("repair of chunk %s: no replacement servers (%s)", chunkID, err)
		return
	}

	for i, target := range targets {
		src := surviving[i%len(surviving)]
		task := core.ReplicationTask{
			ChunkID:    chunkID,
			SourceAddr: src.Addr,
			TargetAddr: target.Addr,
			Urgent:     true,
		}
		// Both endpoints get the task; executing it twice is harmless.
		m.queueReplication(src.ServerID, task)
		m.queueReplication(target.ServerID, task)
		log.Infof("scheduled repair of chunk %s: %s -> %s", chunkID, src.Addr, target.Addr)
	}
}

// healthyHolders returns the healthy servers currently holding a chunk.
func (m *Master) healthyHolders(chunkID string) []core.ServerInfo {
	var out []core.ServerInfo
	for _, serverID := range m.meta.Locations(chunkID) {
		if s, ok := m.meta.GetServer(serverID); ok && s.Healthy {
			out = append(out, s)
		}
	}
	return out
}

// handleCorruption treats a corruption report as that server losing the
// one chunk: the location is dropped, the bad copy is deleted, and repair
// is scheduled.
func (m *Master) handleCorruption(serverID, chunkID string) {
	log.Errorf("chunkserver %s reported chunk %s corrupt", serverID, chunkID)
	m.meta.RemoveLocation(chunkID, serverID)
	m.queueDeletion(serverID, chunkID)
	m.repairChunk(chunkID, serverID)
}

//------ Rebalancing ------//

// rebalanceLoop evaluates cluster balance and generates non-urgent move
// tasks: the least-recently-accessed chunk of each overloaded server (or,
// when the load spread alone triggers, of every server that is not itself
// underloaded) goes to an underloaded one. A move is a copy; the extra replica is trimmed
// once the target reports it.
func (m *Master) rebalanceLoop() {
	ticker := time.NewTicker(m.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		}
		m.rebalanceOnce()
		m.trimOverReplicated()
	}
}

const (
	loadStddevThreshold = 0.30
	overloadThreshold   = 0.80
	underloadThreshold  = 0.30
)

func (m *Master) rebalanceOnce() {
	servers := m.meta.HealthyServers()
	if len(servers) < 2 {
		return
	}

	loads := make([]float64, len(servers))
	anyOverloaded := false
	for i := range servers {
		loads[i] = servers[i].Load()
		if loads[i] > overloadThreshold {
			anyOverloaded = true
		}
	}
	if stddev(loads) <= loadStddevThreshold && !anyOverloaded {
		return
	}

	var underloaded []core.ServerInfo
	for i, s := range servers {
		if loads[i] < underloadThreshold {
			underloaded = append(underloaded, s)
		}
	}
	if len(underloaded) == 0 {
		return
	}

	log.Infof("cluster load stddev %.3f, generating rebalance tasks", stddev(loads))
	next := 0
	for i, s := range servers {
		if loads[i] <= overloadThreshold && stddev(loads) <= loadStddevThreshold {
			continue
		}
		if loads[i] < underloadThreshold {
			continue
		}
		chunkID, ok := m.coldestChunkOn(s.ServerID)
		if !ok {
			continue
		}
		target := underloaded[next%len(underloaded)]
		next++
		if target.ServerID == s.ServerID {
			continue
		}
		task := core.ReplicationTask{
			ChunkID:    chunkID,
			SourceAddr: s.Addr,
			TargetAddr: target.Addr,
		}
		m.queueReplication(s.ServerID, task)
		m.queueReplication(target.ServerID, task)
		log.Infof("scheduled rebalance of chunk %s: %s -> %s", chunkID, s.Addr, target.Addr)
	}
}

// coldestChunkOn picks the least-recently-accessed chunk of a server.
func (m *Master) coldestChunkOn(serverID string) (string, bool) {
	var coldest string
	var coldestTime int64 = math.MaxInt64
	for _, chunkID := range m.meta.ChunksOn(serverID) {
		c, ok := m.meta.GetChunk(chunkID)
		if !ok {
			continue
		}
		if c.LastAccessedTime < coldestTime {
			coldest, coldestTime = chunkID, c.LastAccessedTime
		}
	}
	return coldest, coldest != ""
}

// trimOverReplicated deletes surplus copies left behind by completed
// rebalance moves, dropping from the most loaded holder first.
func (m *Master) trimOverReplicated() {
	_, chunks := m.meta.Counts()
	if chunks == 0 {
		return
	}
	for _, serverID := range serverIDs(m.meta.Servers()) {
		for _, chunkID := range m.meta.ChunksOn(serverID) {
			c, ok := m.meta.GetChunk(chunkID)
			if !ok {
				continue
			}
			holders := m.healthyHolders(chunkID)
			surplus := len(holders) - m.repairTarget(&c)
			if surplus <= 0 {
				continue
			}
			drop := holders[0]
			for _, h := range holders[1:] {
				if h.Load() > drop.Load() {
					drop = h
				}
			}
			m.meta.RemoveLocation(chunkID, drop.ServerID)
			m.queueDeletion(drop.ServerID, chunkID)
			log.Infof("trimming surplus copy of chunk %s from %s", chunkID, drop.Addr)
		}
	}
}

//------ Persistence and garbage collection ------//

func (m *Master) persistLoop() {
	if m.cfg.MetadataPath == "" {
		return
	}
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.persist()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Master) persist() {
	if m.cfg.MetadataPath == "" {
		return
	}
	if err := m.meta.Save(m.cfg.MetadataPath); err != nil {
		// Losing the ability to persist metadata is not survivable.
		log.Fatalf("persisting metadata to %s failed: %s", m.cfg.MetadataPath, err)
	}
	log.V(1).Infof("persisted metadata to %s", m.cfg.MetadataPath)
}

// staleUploadLoop drops files whose uploads never completed.
func (m *Master) staleUploadLoop() {
	ticker := time.NewTicker(m.cfg.StaleUploadDeadline / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		}
		for _, filename := range m.meta.StaleFiles(m.cfg.StaleUploadDeadline) {
			log.Infof("dropping stale incomplete upload %q", filename)
			m.deleteFile(filename)
		}
	}
}

// deleteFile removes a file and fans its chunk deletions out to the
// holders' heartbeat queues.
func (m *Master) deleteFile(filename string) core.Error {
	deletions, err := m.meta.DeleteFile(filename)
	if err != core.NoError {
		return err
	}
	for serverID, chunkIDs := range deletions {
		m.queueDeletion(serverID, chunkIDs...)
	}
	return core.NoError
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return math.Sqrt(variance)
}

func serverIDs(servers []core.ServerInfo) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.ServerID
	}
	return out
}
