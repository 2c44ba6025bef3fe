// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/server"
	"github.com/KrishnaChamarthy/dfs/pkg/rpc"
)

// Server is the RPC server for one chunk store. It heartbeats the master,
// executes piggybacked replication and deletion instructions, and scrubs
// the store in the background.
type Server struct {
	store *Store
	cfg   *Config

	// Connections to the master and to peer chunk servers.
	cc *rpc.ConnectionCache

	// Assigned by the master at registration.
	serverID string
	idLock   sync.Mutex

	// Replication tasks from heartbeat replies, drained FIFO by a worker.
	replq    []core.ReplicationTask
	replLock sync.Mutex
	replCond sync.Cond

	opm *server.OpMetric
}

// NewServer creates a new Server. It does not serve requests until Start()
// is called on it.
func NewServer(store *Store, cfg *Config) *Server {
	s := &Server{
		store: store,
		cfg:   cfg,
		cc:    rpc.NewConnectionCache(cfg.DialTimeout, cfg.RPCTimeout, 0),
	}
	s.replCond.L = &s.replLock
	return s
}

// Start registers with the master and serves RPCs. It blocks forever.
func (s *Server) Start() error {
	s.opm = server.NewOpMetric("chunkserver_rpc", "rpc")

	// Set up status page and metrics.
	http.HandleFunc("/", s.statusHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/_quit", server.QuitHandler)

	if err := rpc.RegisterName("ChunkserverService", &serviceHandler{s}); err != nil {
		return err
	}

	s.register()

	go s.heartbeatLoop()
	go s.replicationLoop()
	go s.scrubLoop()
	go s.flushLoop()

	log.Infof("chunkserver id=%s listening on address %s", s.ID(), s.cfg.Addr)
	err := http.ListenAndServe(s.cfg.Addr, nil) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return err
}

// ID returns the server id assigned by the master.
func (s *Server) ID() string {
	s.idLock.Lock()
	defer s.idLock.Unlock()
	return s.serverID
}

func (s *Server) setID(id string) {
	s.idLock.Lock()
	s.serverID = id
	s.idLock.Unlock()
}

// register announces this server to the master, retrying until it works.
func (s *Server) register() {
	total, free := s.diskSpace()
	for {
		req := core.RegisterChunkServerReq{
			Addr:       s.cfg.Addr,
			TotalSpace: total,
			FreeSpace:  free,
			Zone:       s.cfg.Zone,
		}
		var reply core.RegisterChunkServerReply
		err := s.cc.Send(context.Background(), s.cfg.MasterAddr, "ChunkService.RegisterChunkServer", req, &reply)
		if err == nil && reply.Err == core.NoError {
			log.Infof("registered with master as %s", reply.ServerID)
			s.setID(reply.ServerID)
			return
		}
		log.Errorf("registration with master at %s failed (%v / %s), retrying", s.cfg.MasterAddr, err, reply.Err)
		time.Sleep(s.cfg.HeartbeatRetry)
	}
}

// heartbeatLoop runs forever, pushing liveness, load, and inventory to the
// master and executing whatever the reply piggybacks.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	for {
		beat := s.buildHeartbeat()
		var reply core.HeartbeatReply
		err := s.cc.Send(context.Background(), s.cfg.MasterAddr, "ChunkService.SendHeartbeat", beat, &reply)
		if err != nil {
			log.Errorf("heartbeat to master failed, sleeping and retrying: %s", err)
			time.Sleep(s.cfg.HeartbeatRetry)
			continue
		}
		if reply.Err == core.ErrServerNotFound {
			// The master unregistered us (likely it restarted or we were
			// partitioned past the deadline). Re-register under a new id.
			log.Errorf("master no longer knows us, re-registering")
			s.register()
			continue
		}

		// Deletions are applied immediately; the store's per-id lock keeps
		// them from racing an in-flight write of the same id.
		for _, id := range reply.ChunksToDelete {
			s.store.Remove(id)
		}

		if len(reply.ReplicationTasks) > 0 {
			s.replLock.Lock()
			s.replq = append(s.replq, reply.ReplicationTasks...)
			s.replLock.Unlock()
			s.replCond.Signal()
		}

		<-ticker.C
	}
}

func (s *Server) buildHeartbeat() core.HeartbeatReq {
	total, free := s.diskSpace()
	cpu, mem := s.hostLoad()
	return core.HeartbeatReq{
		ServerID:     s.ID(),
		Addr:         s.cfg.Addr,
		TotalSpace:   total,
		FreeSpace:    free,
		ChunkCount:   s.store.Count(),
		CPUUsage:     cpu,
		MemoryUsage:  mem,
		StoredChunks: s.store.ChunkIDs(),
	}
}

// replicationLoop drains the replication queue, copying one chunk at a time.
func (s *Server) replicationLoop() {
	for {
		s.replLock.Lock()
		for len(s.replq) == 0 {
			s.replCond.Wait()
		}
		task := s.replq[0]
		s.replq = s.replq[1:]
		s.replLock.Unlock()

		s.runReplication(task)
	}
}

// runReplication executes one task. The master hands each task to both
// endpoints: the target pulls the chunk itself, the source forwards a
// CopyChunk to the target in case the target's heartbeat was missed.
// Copying a chunk that is already present is harmless.
func (s *Server) runReplication(task core.ReplicationTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CopyTimeout)
	defer cancel()

	var err core.Error
	if task.TargetAddr == s.cfg.Addr {
		err = s.copyChunk(ctx, task.ChunkID, task.SourceAddr)
	} else {
		var reply core.CopyChunkReply
		req := core.CopyChunkReq{ChunkID: task.ChunkID, SourceAddr: task.SourceAddr}
		if e := s.cc.Send(ctx, task.TargetAddr, "ChunkserverService.CopyChunk", req, &reply); e != nil {
			err = core.ErrRPC
		} else {
			err = reply.Err
		}
	}

	if err != core.NoError {
		// Copies are retryable; the master re-emits the task on its next
		// repair pass if the chunk is still under-replicated.
		log.Errorf("replication of chunk %s from %s to %s failed: %s", task.ChunkID, task.SourceAddr, task.TargetAddr, err)
	} else {
		log.Infof("replicated chunk %s from %s to %s", task.ChunkID, task.SourceAddr, task.TargetAddr)
	}
}

// copyChunk pulls one chunk from a peer with a verified read and stores it.
func (s *Server) copyChunk(ctx context.Context, chunkID, sourceAddr string) core.Error {
	if s.store.Has(chunkID) {
		return core.NoError
	}

	req := core.ReadChunkReq{ChunkID: chunkID, Verify: true}
	var reply core.ReadChunkReply
	if err := s.cc.Send(ctx, sourceAddr, "ChunkserverService.ReadChunk", req, &reply); err != nil {
		return core.ErrRPC
	}
	if reply.Err != core.NoError {
		return reply.Err
	}

	_, err := s.store.Write(chunkID, reply.Data, reply.Checksum, reply.Encrypted, reply.ErasureCoded)
	return err
}

// scrubLoop periodically rehashes the store and reports what it purged.
func (s *Server) scrubLoop() {
	ticker := time.NewTicker(s.cfg.ScrubInterval)
	for range ticker.C {
		for _, id := range s.store.Scrub() {
			s.reportCorruption(id)
		}
	}
}

// flushLoop keeps the on-disk checksum index fresh between scrubs.
func (s *Server) flushLoop() {
	ticker := time.NewTicker(s.cfg.IndexFlushInterval)
	for range ticker.C {
		s.store.FlushIndex()
	}
}

// reportCorruption tells the master we lost a chunk so repair can be
// scheduled.
func (s *Server) reportCorruption(chunkID string) {
	req := core.ReportChunkCorruptionReq{ServerID: s.ID(), ChunkID: chunkID}
	var reply core.ReportChunkCorruptionReply
	if err := s.cc.Send(context.Background(), s.cfg.MasterAddr, "ChunkService.ReportChunkCorruption", req, &reply); err != nil {
		log.Errorf("reporting corruption of chunk %s failed: %s", chunkID, err)
	}
}

//------ RPC handler ------//

// serviceHandler is the receiver registered with the RPC layer. Handlers
// always return nil and carry errors in the reply struct.
type serviceHandler struct {
	s *Server
}

// WriteChunk stores one chunk, verifying the client's checksum first.
func (h *serviceHandler) WriteChunk(req core.WriteChunkReq, reply *core.WriteChunkReply) error {
	op := h.s.opm.Start("WriteChunk")
	defer op.EndWithError(&reply.Err)

	if int64(len(req.Data)) > core.MaxMessageLength {
		reply.Err = core.ErrTooBig
		return nil
	}
	reply.StoredChecksum, reply.Err = h.s.store.Write(req.ChunkID, req.Data, req.Checksum, req.Encrypted, req.ErasureCoded)
	return nil
}

// ReadChunk fetches one chunk, optionally verifying it first.
func (h *serviceHandler) ReadChunk(req core.ReadChunkReq, reply *core.ReadChunkReply) error {
	op := h.s.opm.Start("ReadChunk")
	defer op.EndWithError(&reply.Err)

	reply.Data, reply.Checksum, reply.Err = h.s.store.Read(req.ChunkID, req.Verify)
	if m, ok := h.s.store.GetMeta(req.ChunkID); ok {
		reply.Encrypted, reply.ErasureCoded = m.Encrypted, m.ErasureCoded
	}
	if reply.Err == core.ErrCorruptData {
		// Surface the failure to the caller now; repair rides on the
		// corruption report.
		go h.s.reportCorruption(req.ChunkID)
	}
	return nil
}

// CheckChunkIntegrity recomputes one chunk's checksum.
func (h *serviceHandler) CheckChunkIntegrity(req core.CheckChunkIntegrityReq, reply *core.CheckChunkIntegrityReply) error {
	op := h.s.opm.Start("CheckChunkIntegrity")
	defer op.EndWithError(&reply.Err)

	reply.Valid, reply.Checksum, reply.Err = h.s.store.Check(req.ChunkID)
	return nil
}

// CopyChunk pulls one chunk from another server and stores it locally.
func (h *serviceHandler) CopyChunk(req core.CopyChunkReq, reply *core.CopyChunkReply) error {
	op := h.s.opm.Start("CopyChunk")
	defer op.EndWithError(&reply.Err)

	ctx, cancel := context.WithTimeout(context.Background(), h.s.cfg.CopyTimeout)
	defer cancel()
	reply.Err = h.s.copyChunk(ctx, req.ChunkID, req.SourceAddr)
	return nil
}

// RemoveChunk deletes one chunk.
func (h *serviceHandler) RemoveChunk(req core.RemoveChunkReq, reply *core.RemoveChunkReply) error {
	op := h.s.opm.Start("RemoveChunk")
	defer op.EndWithError(&reply.Err)

	reply.Err = h.s.store.Remove(req.ChunkID)
	return nil
}
