// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"os"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
	"github.com/KrishnaChamarthy/dfs/internal/ec"
)

// Download fetches a remote file into a local path. Replicated chunks try
// their locations in order until a copy passes checksum verification;
// erasure groups need any k of their k+m blocks. Decryption happens per
// slice after reassembly of each chunk.
func (c *Client) Download(ctx context.Context, remote, local string, progress Progress) core.Error {
	info, err := c.master.GetFileInfo(ctx, remote)
	if err != core.NoError {
		return err
	}
	f := info.Info
	if !f.Completed {
		return core.ErrFileNotFound
	}

	var key []byte
	if f.Encrypted {
		if key, err = c.fileKey(ctx, f.KeyID); err != core.NoError {
			log.Errorf("no key for encrypted file %q: %s", remote, err)
			return err
		}
	}

	var slices [][]byte
	if f.ErasureCoded {
		slices, err = c.fetchGroups(ctx, &f, info.Chunks)
	} else {
		slices, err = c.fetchReplicated(ctx, info.Chunks, progress, f.Size)
	}
	if err != core.NoError {
		return err
	}

	var out []byte
	for i, slice := range slices {
		if f.Encrypted {
			plain, derr := crypto.Decrypt(slice, key)
			if derr != nil {
				log.Errorf("decrypting slice %d of %q failed: %s", i, remote, derr)
				return core.ErrCorruptData
			}
			slice = plain
		}
		out = append(out, slice...)
		if f.ErasureCoded && progress != nil {
			progress(int64(len(out)), f.Size)
		}
	}

	if werr := os.WriteFile(local, out, 0644); werr != nil {
		log.Errorf("writing %s: %s", local, werr)
		return core.ErrIO
	}
	log.Infof("downloaded %q to %s (%d bytes)", remote, local, len(out))
	return core.NoError
}

// fetchReplicated pulls each chunk from the first location that produces
// bytes matching the advertised checksum. One unreadable chunk fails the
// whole download.
func (c *Client) fetchReplicated(ctx context.Context, chunks []core.ChunkInfo, progress Progress, total int64) ([][]byte, core.Error) {
	out := make([][]byte, 0, len(chunks))
	var got int64
	for _, chunk := range chunks {
		data, err := c.fetchChunk(ctx, chunk)
		if err != core.NoError {
			return nil, err
		}
		out = append(out, data)
		got += int64(len(data))
		if progress != nil {
			progress(got, total)
		}
	}
	return out, core.NoError
}

// fetchChunk returns one verified chunk, consulting the cache first.
func (c *Client) fetchChunk(ctx context.Context, chunk core.ChunkInfo) ([]byte, core.Error) {
	if data, ok := c.cache.get(chunk.ChunkID); ok {
		return data, core.NoError
	}

	for _, addr := range chunk.Addrs {
		data, _, err := c.chunks.ReadChunk(ctx, addr, chunk.ChunkID)
		if err != core.NoError {
			log.Errorf("read of chunk %s from %s failed: %s, trying next replica", chunk.ChunkID, addr, err)
			continue
		}
		if chunk.Checksum != "" && core.Checksum(data) != chunk.Checksum {
			log.Errorf("chunk %s from %s fails verification, trying next replica", chunk.ChunkID, addr)
			continue
		}
		c.cache.put(chunk.ChunkID, data)
		return data, core.NoError
	}

	log.Errorf("chunk %s has no readable replica", chunk.ChunkID)
	return nil, core.ErrCorruptData
}

// fetchGroups reassembles the erasure groups of a file: the chunk list
// groups into consecutive k+m tuples, data blocks first. Any k verified
// blocks per group suffice; fewer fail the download.
func (c *Client) fetchGroups(ctx context.Context, f *core.FileInfo, chunks []core.ChunkInfo) ([][]byte, core.Error) {
	k, total := c.coder.DataBlocks(), c.coder.TotalBlocks()
	if len(chunks)%total != 0 {
		log.Errorf("file %q: %d chunks do not form whole erasure groups", f.Filename, len(chunks))
		return nil, core.ErrInvalidArgument
	}

	sliceSizes := c.sliceSizes(f)
	groups := len(chunks) / total
	if groups != len(sliceSizes) {
		log.Errorf("file %q: %d groups but %d slices expected", f.Filename, groups, len(sliceSizes))
		return nil, core.ErrInvalidArgument
	}

	out := make([][]byte, 0, groups)
	for g := 0; g < groups; g++ {
		tuple := chunks[g*total : (g+1)*total]

		group := ec.Group{
			GroupID:      core.GroupID(f.FileID, g),
			OriginalSize: int(sliceSizes[g]),
			Blocks:       make([]ec.Block, total),
		}

		// Fetch until k blocks verify, trying blocks in index order.
		have := 0
		for b := 0; b < total && have < k; b++ {
			data, err := c.fetchChunk(ctx, tuple[b])
			if err != core.NoError {
				continue
			}
			group.Blocks[b] = ec.Block{Index: b, Parity: b >= k, Data: data}
			have++
		}
		if have < k {
			log.Errorf("group %d of %q: only %d of %d needed blocks are readable", g, f.Filename, have, k)
			return nil, core.ErrNotEnoughBlocks
		}

		slice, derr := c.coder.DecodeGroup(group)
		if derr != nil {
			log.Errorf("decoding group %d of %q failed: %s", g, f.Filename, derr)
			return nil, core.ErrNotEnoughBlocks
		}
		out = append(out, slice)
	}
	return out, core.NoError
}
