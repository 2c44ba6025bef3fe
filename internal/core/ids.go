// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Chunk ids are positional: a replicated file's nth chunk is named
// "{file_id}_chunk_{n}". Erasure-coded files are split into groups of
// DataBlocks+ParityBlocks blocks; group g of a file is "{file_id}_group_{g}"
// and block i of that group is "{group_id}_block_{i}". Positional ids keep
// the allocator's EC grouping trivial; the chunk server treats every id as
// opaque.

// ChunkID returns the id of the nth chunk of a replicated file.
func ChunkID(fileID string, n int) string {
	return fmt.Sprintf("%s_chunk_%d", fileID, n)
}

// GroupID returns the id of the gth erasure group of a file.
func GroupID(fileID string, g int) string {
	return fmt.Sprintf("%s_group_%d", fileID, g)
}

// BlockID returns the id of the ith block of an erasure group.
func BlockID(groupID string, i int) string {
	return fmt.Sprintf("%s_block_%d", groupID, i)
}

// ParseBlockID splits an erasure block id into its group id and block index.
func ParseBlockID(chunkID string) (groupID string, index int, ok bool) {
	i := strings.LastIndex(chunkID, "_block_")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(chunkID[i+len("_block_"):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return chunkID[:i], n, true
}

// ParseChunkID splits a positional chunk id into its file id and index.
func ParseChunkID(chunkID string) (fileID string, index int, ok bool) {
	i := strings.LastIndex(chunkID, "_chunk_")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(chunkID[i+len("_chunk_"):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return chunkID[:i], n, true
}

// KeyID returns the key store id for a file's encryption key.
func KeyID(fileID string) string {
	return fileID + "_key"
}

// Checksum returns the lowercase hex SHA-256 of b. This is the checksum
// format used everywhere: on the wire, in chunk sidecars, and in the
// master's metadata.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// forbidden characters in filenames, besides the length limit.
const badFilenameChars = `<>:"|?*`

// ValidateFilename checks a client-provided flat path.
func ValidateFilename(name string) Error {
	if name == "" || len(name) > MaxFilenameLength {
		return ErrBadFilename
	}
	if strings.ContainsAny(name, badFilenameChars) {
		return ErrBadFilename
	}
	return NoError
}
