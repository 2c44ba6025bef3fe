// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"net/http"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/server"
	"github.com/KrishnaChamarthy/dfs/pkg/rpc"
)

// Server exposes the master over RPC: FileService for clients and
// ChunkService for chunk servers. Both run in this one process and share
// the metadata store.
type Server struct {
	m   *Master
	opm *server.OpMetric
}

// NewServer creates a new Server. It does not serve requests until Start()
// is called on it.
func NewServer(m *Master) *Server {
	return &Server{m: m}
}

// Start launches the background loops and serves RPCs. It blocks forever.
func (s *Server) Start() error {
	s.opm = server.NewOpMetric("master_rpc", "rpc")

	http.HandleFunc("/", s.statusHandler)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/_quit", server.QuitHandler)

	if err := rpc.RegisterName("FileService", &fileHandler{s}); err != nil {
		return err
	}
	if err := rpc.RegisterName("ChunkService", &chunkHandler{s}); err != nil {
		return err
	}

	s.m.Start()

	log.Infof("master listening on address %s", s.m.cfg.Addr)
	err := http.ListenAndServe(s.m.cfg.Addr, nil) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
	return err
}

//------ FileService ------//

// fileHandler serves client-facing metadata operations.
type fileHandler struct {
	s *Server
}

// CreateFile validates the name, rejects duplicates, mints a file id, and,
// for encrypted files, mints and stores the key.
func (h *fileHandler) CreateFile(req core.CreateFileReq, reply *core.CreateFileReply) error {
	op := h.s.opm.Start("CreateFile")
	defer op.EndWithError(&reply.Err)
	m := h.s.m

	if err := core.ValidateFilename(req.Filename); err != core.NoError {
		reply.Err = err
		return nil
	}
	if req.Size < 0 {
		reply.Err = core.ErrInvalidArgument
		return nil
	}

	fileID := uuid.NewString()
	f := core.FileInfo{
		FileID:       fileID,
		Filename:     req.Filename,
		Size:         req.Size,
		CreatedTime:  m.meta.now(),
		ModifiedTime: m.meta.now(),
		Encrypted:    req.Encrypted,
		ErasureCoded: req.ErasureCoded,
	}
	if req.Encrypted {
		f.KeyID = core.KeyID(fileID)
		if _, err := m.keys.MintKey(f.KeyID); err != nil {
			log.Errorf("minting key for file %q failed: %s", req.Filename, err)
			reply.Err = core.ErrFatal
			return nil
		}
	}

	if reply.Err = m.meta.AddFile(f); reply.Err != core.NoError {
		return nil
	}
	reply.FileID = fileID
	reply.KeyID = f.KeyID
	log.Infof("created file %q id=%s encrypted=%t ec=%t", req.Filename, fileID, req.Encrypted, req.ErasureCoded)
	return nil
}

// DeleteFile drops a file and cascades chunk deletions to its holders.
func (h *fileHandler) DeleteFile(req core.DeleteFileReq, reply *core.DeleteFileReply) error {
	op := h.s.opm.Start("DeleteFile")
	defer op.EndWithError(&reply.Err)

	reply.Err = h.s.m.deleteFile(req.Filename)
	if reply.Err == core.NoError {
		log.Infof("deleted file %q", req.Filename)
	}
	return nil
}

// ListFiles lists completed files under a prefix.
func (h *fileHandler) ListFiles(req core.ListFilesReq, reply *core.ListFilesReply) error {
	op := h.s.opm.Start("ListFiles")
	defer op.End()

	reply.Files = h.s.m.meta.ListFiles(req.Prefix)
	return nil
}

// GetFileInfo returns a file's record and the locations of its chunks.
func (h *fileHandler) GetFileInfo(req core.GetFileInfoReq, reply *core.GetFileInfoReply) error {
	op := h.s.opm.Start("GetFileInfo")
	defer op.EndWithError(&reply.Err)
	m := h.s.m

	f, ok := m.meta.GetFile(req.Filename)
	if !ok {
		reply.Err = core.ErrFileNotFound
		return nil
	}
	reply.Info = f
	reply.Chunks = m.chunkInfos(f.ChunkIDs)
	return nil
}

// AllocateChunks plans placements for a file's data.
func (h *fileHandler) AllocateChunks(req core.AllocateChunksReq, reply *core.AllocateChunksReply) error {
	op := h.s.opm.Start("AllocateChunks")
	defer op.EndWithError(&reply.Err)
	m := h.s.m

	if _, ok := m.meta.GetFileByID(req.FileID); !ok {
		reply.Err = core.ErrFileNotFound
		return nil
	}
	reply.Chunks, reply.Err = m.alloc.AllocateChunks(req.FileID, req.Size, req.ErasureCoded)
	if reply.Err == core.NoError {
		// Record the planned recipe now so deleting an abandoned upload
		// still cascades to its chunks.
		ids := make([]string, len(reply.Chunks))
		for i, c := range reply.Chunks {
			ids[i] = c.ChunkID
		}
		m.meta.SetFileChunks(req.FileID, ids)
	}
	return nil
}

// GetChunkLocations returns current locations for the named chunks.
func (h *fileHandler) GetChunkLocations(req core.GetChunkLocationsReq, reply *core.GetChunkLocationsReply) error {
	op := h.s.opm.Start("GetChunkLocations")
	defer op.End()

	reply.Chunks = h.s.m.chunkInfos(req.ChunkIDs)
	return nil
}

// CompleteUpload seals a file.
func (h *fileHandler) CompleteUpload(req core.CompleteUploadReq, reply *core.CompleteUploadReply) error {
	op := h.s.opm.Start("CompleteUpload")
	defer op.EndWithError(&reply.Err)

	reply.Err = h.s.m.meta.CompleteUpload(req.FileID, req.ChunkIDs, req.Sizes, req.Checksums)
	if reply.Err == core.NoError {
		log.Infof("upload of file id=%s completed with %d chunks", req.FileID, len(req.ChunkIDs))
	}
	return nil
}

// GetFileKey hands out a file's encryption key.
func (h *fileHandler) GetFileKey(req core.GetFileKeyReq, reply *core.GetFileKeyReply) error {
	op := h.s.opm.Start("GetFileKey")
	defer op.EndWithError(&reply.Err)

	key, ok := h.s.m.keys.GetKey(req.KeyID)
	if !ok {
		reply.Err = core.ErrKeyNotFound
		return nil
	}
	reply.Key = key
	return nil
}

// GetClusterStats summarises the cluster for the CLI.
func (h *fileHandler) GetClusterStats(req core.ClusterStatsReq, reply *core.ClusterStatsReply) error {
	op := h.s.opm.Start("GetClusterStats")
	defer op.End()
	m := h.s.m

	reply.Files, reply.Chunks = m.meta.Counts()
	reply.Servers = m.meta.Servers()
	for _, s := range reply.Servers {
		reply.TotalSpace += s.TotalSpace
		reply.FreeSpace += s.FreeSpace
	}
	reply.PendingTasks = m.pendingTaskCount()
	return nil
}

// chunkInfos assembles ChunkInfo views for a chunk id list and advances
// their access times.
func (m *Master) chunkInfos(chunkIDs []string) []core.ChunkInfo {
	out := make([]core.ChunkInfo, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		c, ok := m.meta.GetChunk(id)
		if !ok {
			out = append(out, core.ChunkInfo{ChunkID: id})
			continue
		}
		m.meta.TouchChunk(id)
		out = append(out, core.ChunkInfo{
			ChunkID:      id,
			Addrs:        m.meta.LocationAddrs(id),
			Size:         c.Size,
			Checksum:     c.Checksum,
			ErasureCoded: c.ErasureCoded,
		})
	}
	return out
}

//------ ChunkService ------//

// chunkHandler serves chunk-server-facing operations.
type chunkHandler struct {
	s *Server
}

// RegisterChunkServer assigns a fresh server id.
func (h *chunkHandler) RegisterChunkServer(req core.RegisterChunkServerReq, reply *core.RegisterChunkServerReply) error {
	op := h.s.opm.Start("RegisterChunkServer")
	defer op.EndWithError(&reply.Err)

	if req.Addr == "" {
		reply.Err = core.ErrInvalidArgument
		return nil
	}

	serverID := "cs-" + uuid.NewString()[:8]
	h.s.m.meta.RegisterServer(core.ServerInfo{
		ServerID:   serverID,
		Addr:       req.Addr,
		TotalSpace: req.TotalSpace,
		FreeSpace:  req.FreeSpace,
		Zone:       req.Zone,
	})
	reply.ServerID = serverID
	return nil
}

// SendHeartbeat applies one heartbeat and piggybacks outgoing work.
func (h *chunkHandler) SendHeartbeat(req core.HeartbeatReq, reply *core.HeartbeatReply) error {
	op := h.s.opm.Start("SendHeartbeat")
	defer op.EndWithError(&reply.Err)
	m := h.s.m

	unknown, err := m.meta.Heartbeat(req)
	if err != core.NoError {
		reply.Err = err
		return nil
	}

	// Chunks the master has no record of are garbage from dropped files.
	reply.ChunksToDelete = unknown
	tasks, dels := m.takeWork(req.ServerID)
	reply.ReplicationTasks = tasks
	reply.ChunksToDelete = append(reply.ChunksToDelete, dels...)
	return nil
}

// ReplicateChunk manually schedules repair of one chunk.
func (h *chunkHandler) ReplicateChunk(req core.ReplicateChunkReq, reply *core.ReplicateChunkReply) error {
	op := h.s.opm.Start("ReplicateChunk")
	defer op.EndWithError(&reply.Err)

	if _, ok := h.s.m.meta.GetChunk(req.ChunkID); !ok {
		reply.Err = core.ErrChunkNotFound
		return nil
	}
	h.s.m.repairChunk(req.ChunkID)
	return nil
}

// DeleteChunk dereferences one chunk everywhere.
func (h *chunkHandler) DeleteChunk(req core.DeleteChunkReq, reply *core.DeleteChunkReply) error {
	op := h.s.opm.Start("DeleteChunk")
	defer op.EndWithError(&reply.Err)
	m := h.s.m

	if _, ok := m.meta.GetChunk(req.ChunkID); !ok {
		reply.Err = core.ErrChunkNotFound
		return nil
	}
	for _, serverID := range m.meta.Locations(req.ChunkID) {
		m.queueDeletion(serverID, req.ChunkID)
	}
	m.meta.RemoveChunk(req.ChunkID)
	return nil
}

// ReportChunkCorruption handles a server's corruption finding.
func (h *chunkHandler) ReportChunkCorruption(req core.ReportChunkCorruptionReq, reply *core.ReportChunkCorruptionReply) error {
	op := h.s.opm.Start("ReportChunkCorruption")
	defer op.EndWithError(&reply.Err)

	if _, ok := h.s.m.meta.GetChunk(req.ChunkID); !ok {
		reply.Err = core.ErrChunkNotFound
		return nil
	}
	h.s.m.handleCorruption(req.ServerID, req.ChunkID)
	return nil
}
