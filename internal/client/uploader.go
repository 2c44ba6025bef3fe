// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"os"
	"sync"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
)

// Upload stores a local file under the remote name. The pipeline is:
// create, allocate, split, encrypt (optional), erasure-code (optional),
// fan the blocks out to their servers, complete.
//
// A replicated chunk write succeeds once at least one of its target
// servers acknowledges; the master repairs the stragglers from that copy.
// Any chunk with zero acknowledgements aborts the upload, and the created
// file is deleted so no partial state lingers.
func (c *Client) Upload(ctx context.Context, local, remote string, encrypt, erasureCode bool, progress Progress) core.Error {
	data, err := os.ReadFile(local)
	if err != nil {
		log.Errorf("reading %s: %s", local, err)
		return core.ErrIO
	}

	created, cerr := c.master.CreateFile(ctx, core.CreateFileReq{
		Filename:     remote,
		Size:         int64(len(data)),
		Encrypted:    encrypt,
		ErasureCoded: erasureCode,
	})
	if cerr != core.NoError {
		return cerr
	}
	fileID := created.FileID

	abort := func(err core.Error) core.Error {
		// Free the partial state; the master cascades to any chunks that
		// did land.
		if derr := c.master.DeleteFile(ctx, remote); derr != core.NoError {
			log.Errorf("cleaning up aborted upload of %q failed: %s", remote, derr)
		}
		return err
	}

	placements, aerr := c.master.AllocateChunks(ctx, core.AllocateChunksReq{
		FileID:       fileID,
		Size:         int64(len(data)),
		ErasureCoded: erasureCode,
	})
	if aerr != core.NoError {
		return abort(aerr)
	}

	// Split into chunk-sized slices; the last may be shorter. A zero-byte
	// file is one empty slice.
	slices := splitSlices(data, c.cfg.ChunkSize)

	var key []byte
	if encrypt {
		var kerr core.Error
		if key, kerr = c.fileKey(ctx, created.KeyID); kerr != core.NoError {
			return abort(kerr)
		}
	}

	total := int64(len(data))
	var sent int64

	var (
		chunkIDs  []string
		sizes     []int64
		checksums []string
	)

	if erasureCode {
		groupSize := c.coder.TotalBlocks()
		if len(placements) != len(slices)*groupSize {
			log.Errorf("allocation shape mismatch: %d placements for %d groups", len(placements), len(slices))
			return abort(core.ErrInvalidArgument)
		}
		for g, slice := range slices {
			if encrypt {
				sealed, err := crypto.Encrypt(slice, key)
				if err != nil {
					log.Errorf("encrypting slice %d: %s", g, err)
					return abort(core.ErrFatal)
				}
				slice = sealed
			}
			group := c.coder.EncodeGroup(core.GroupID(fileID, g), slice)
			for b, block := range group.Blocks {
				placement := placements[g*groupSize+b]
				if werr := c.writeBlock(ctx, placement, block.Data, block.Checksum, encrypt, true); werr != core.NoError {
					return abort(werr)
				}
				chunkIDs = append(chunkIDs, placement.ChunkID)
				sizes = append(sizes, int64(len(block.Data)))
				checksums = append(checksums, block.Checksum)
			}
			sent += int64(len(slices[g]))
			if progress != nil {
				progress(sent, total)
			}
		}
	} else {
		if len(placements) != len(slices) {
			log.Errorf("allocation shape mismatch: %d placements for %d chunks", len(placements), len(slices))
			return abort(core.ErrInvalidArgument)
		}
		for i, slice := range slices {
			if encrypt {
				sealed, err := crypto.Encrypt(slice, key)
				if err != nil {
					log.Errorf("encrypting chunk %d: %s", i, err)
					return abort(core.ErrFatal)
				}
				slice = sealed
			}
			sum := core.Checksum(slice)
			if werr := c.writeBlock(ctx, placements[i], slice, sum, encrypt, false); werr != core.NoError {
				return abort(werr)
			}
			c.cache.put(placements[i].ChunkID, slice)
			chunkIDs = append(chunkIDs, placements[i].ChunkID)
			sizes = append(sizes, int64(len(slice)))
			checksums = append(checksums, sum)

			sent += int64(len(slices[i]))
			if progress != nil {
				progress(sent, total)
			}
		}
	}

	if uerr := c.master.CompleteUpload(ctx, core.CompleteUploadReq{
		FileID:    fileID,
		ChunkIDs:  chunkIDs,
		Sizes:     sizes,
		Checksums: checksums,
	}); uerr != core.NoError {
		return abort(uerr)
	}

	log.Infof("uploaded %s as %q (%d bytes, %d chunks)", local, remote, total, len(chunkIDs))
	return core.NoError
}

// writeBlock sends one block to every server in its placement, in
// parallel. At least one acknowledgement is success.
func (c *Client) writeBlock(ctx context.Context, placement core.ChunkInfo, data []byte, checksum string, encrypted, erasureCoded bool) core.Error {
	if len(placement.Addrs) == 0 {
		return core.ErrNoServers
	}

	req := core.WriteChunkReq{
		ChunkID:      placement.ChunkID,
		Data:         data,
		Checksum:     checksum,
		Encrypted:    encrypted,
		ErasureCoded: erasureCoded,
	}

	errs := make([]core.Error, len(placement.Addrs))
	var wg sync.WaitGroup
	for i, addr := range placement.Addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			_, errs[i] = c.chunks.WriteChunk(ctx, addr, req)
		}(i, addr)
	}
	wg.Wait()

	acks := 0
	for i, err := range errs {
		if err == core.NoError {
			acks++
		} else {
			log.Errorf("write of chunk %s to %s failed: %s", placement.ChunkID, placement.Addrs[i], err)
		}
	}
	if acks == 0 {
		return core.ErrNoServers
	}
	if acks < len(placement.Addrs) {
		log.Infof("chunk %s acknowledged by %d of %d servers; repair will fill in the rest",
			placement.ChunkID, acks, len(placement.Addrs))
	}
	return core.NoError
}

// splitSlices cuts data into chunkSize pieces; the last may be shorter.
// Empty data yields one empty slice.
func splitSlices(data []byte, chunkSize int64) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := int64(0); off < int64(len(data)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, data[off:end])
	}
	return out
}
