// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Requests and replies for the master's two RPC services. FileService is
// called by clients; ChunkService is called by chunk servers. Both are
// served from the same process and share the metadata store.

//------ FileService ------//

// CreateFileReq asks the master to create an empty file record.
type CreateFileReq struct {
	Filename     string
	Size         int64
	Encrypted    bool
	ErasureCoded bool
}

// CreateFileReply carries the minted file id.
type CreateFileReply struct {
	FileID string
	KeyID  string
	Err    Error
}

// DeleteFileReq removes a file and schedules its chunks for deletion.
type DeleteFileReq struct {
	Filename string
}

// DeleteFileReply is the reply to DeleteFileReq.
type DeleteFileReply struct {
	Err Error
}

// ListFilesReq lists completed files whose names start with Prefix.
type ListFilesReq struct {
	Prefix string
}

// ListFilesReply is the reply to ListFilesReq.
type ListFilesReply struct {
	Files []FileInfo
	Err   Error
}

// GetFileInfoReq looks up one file by name.
type GetFileInfoReq struct {
	Filename string
}

// GetFileInfoReply carries the file record and the current locations of
// each of its chunks, in recipe order.
type GetFileInfoReply struct {
	Info   FileInfo
	Chunks []ChunkInfo
	Err    Error
}

// AllocateChunksReq asks for placements for a file of the given size.
type AllocateChunksReq struct {
	FileID       string
	Size         int64
	ErasureCoded bool
}

// AllocateChunksReply carries the planned placements. For erasure-coded
// files the list holds data+parity entries per group, one server each; for
// replicated files each entry lists the full replica set.
type AllocateChunksReply struct {
	Chunks []ChunkInfo
	Err    Error
}

// GetChunkLocationsReq looks up current locations for a set of chunks.
type GetChunkLocationsReq struct {
	ChunkIDs []string
}

// GetChunkLocationsReply returns one ChunkInfo per requested id, in order.
type GetChunkLocationsReply struct {
	Chunks []ChunkInfo
	Err    Error
}

// CompleteUploadReq seals a file once all its chunks are written.
// Sizes and Checksums parallel ChunkIDs and record what was stored.
type CompleteUploadReq struct {
	FileID    string
	ChunkIDs  []string
	Sizes     []int64
	Checksums []string
}

// CompleteUploadReply is the reply to CompleteUploadReq.
type CompleteUploadReply struct {
	Err Error
}

// GetFileKeyReq fetches the encryption key for a file the caller is
// uploading or downloading.
type GetFileKeyReq struct {
	KeyID string
}

// GetFileKeyReply carries the raw 32-byte AES key.
type GetFileKeyReply struct {
	Key []byte
	Err Error
}

// ClusterStatsReq asks for a summary of the cluster.
type ClusterStatsReq struct {
}

// ClusterStatsReply is consumed by the CLI's stats verb.
type ClusterStatsReply struct {
	Files        int
	Chunks       int
	Servers      []ServerInfo
	TotalSpace   int64
	FreeSpace    int64
	PendingTasks int
	Err          Error
}

//------ ChunkService ------//

// RegisterChunkServerReq announces a chunk server to the master.
type RegisterChunkServerReq struct {
	Addr       string
	TotalSpace int64
	FreeSpace  int64
	Zone       string
}

// RegisterChunkServerReply assigns the server its id.
type RegisterChunkServerReply struct {
	ServerID string
	Err      Error
}

// HeartbeatReq reports a chunk server's liveness, resources, and inventory.
type HeartbeatReq struct {
	ServerID     string
	Addr         string
	TotalSpace   int64
	FreeSpace    int64
	ChunkCount   int
	CPUUsage     float64
	MemoryUsage  float64
	StoredChunks []string
}

// HeartbeatReply piggybacks work back to the server: replication tasks are
// queued and executed by a worker, deletions are applied immediately.
// Both are idempotent.
type HeartbeatReply struct {
	ReplicationTasks []ReplicationTask
	ChunksToDelete   []string
	Err              Error
}

// ReplicateChunkReq manually schedules re-replication of one chunk.
type ReplicateChunkReq struct {
	ChunkID string
}

// ReplicateChunkReply is the reply to ReplicateChunkReq.
type ReplicateChunkReply struct {
	Err Error
}

// DeleteChunkReq manually dereferences one chunk everywhere.
type DeleteChunkReq struct {
	ChunkID string
}

// DeleteChunkReply is the reply to DeleteChunkReq.
type DeleteChunkReply struct {
	Err Error
}

// ReportChunkCorruptionReq tells the master a server found a bad copy. The
// master treats it as that server losing the chunk and schedules repair.
type ReportChunkCorruptionReq struct {
	ServerID string
	ChunkID  string
}

// ReportChunkCorruptionReply is the reply to ReportChunkCorruptionReq.
type ReportChunkCorruptionReply struct {
	Err Error
}
