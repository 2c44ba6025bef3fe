// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Requests and replies for the chunk server's RPC service, called by
// clients, by the master, and by other chunk servers during copies.

// WriteChunkReq stores one chunk. If Checksum is non-empty the server
// recomputes the SHA-256 and rejects a mismatch before writing anything.
type WriteChunkReq struct {
	ChunkID      string
	Data         []byte
	Checksum     string
	Encrypted    bool
	ErasureCoded bool
}

// WriteChunkReply reports the checksum the server stored.
type WriteChunkReply struct {
	StoredChecksum string
	Err            Error
}

// ReadChunkReq fetches one chunk. With Verify set the server recomputes
// the checksum and returns ErrCorruptData rather than corrupt bytes.
type ReadChunkReq struct {
	ChunkID string
	Verify  bool
}

// ReadChunkReply carries the chunk bytes, their recorded checksum, and the
// stored flags so a copying server can preserve them.
type ReadChunkReply struct {
	Data         []byte
	Checksum     string
	Encrypted    bool
	ErasureCoded bool
	Err          Error
}

// CheckChunkIntegrityReq recomputes one chunk's checksum in place.
type CheckChunkIntegrityReq struct {
	ChunkID string
}

// CheckChunkIntegrityReply is the reply to CheckChunkIntegrityReq.
type CheckChunkIntegrityReply struct {
	Valid    bool
	Checksum string
	Err      Error
}

// CopyChunkReq asks the receiving server to pull one chunk from
// SourceAddr with a verified read and store it locally.
type CopyChunkReq struct {
	ChunkID    string
	SourceAddr string
}

// CopyChunkReply is the reply to CopyChunkReq.
type CopyChunkReply struct {
	Err Error
}

// RemoveChunkReq deletes one chunk from the receiving server's disk and
// indices. Removing an absent chunk is not an error.
type RemoveChunkReq struct {
	ChunkID string
}

// RemoveChunkReply is the reply to RemoveChunkReq.
type RemoveChunkReply struct {
	Err Error
}
