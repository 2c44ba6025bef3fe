// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/ec"
)

// Erasure block reconstruction. A plain copy can't repair an erasure block
// whose only copy is gone, so the master fetches k surviving siblings from
// the group, decodes and re-encodes, and writes the regenerated block to a
// fresh server itself.

// reconstructBlock rebuilds one lost erasure block. Runs outside the
// metadata lock; every RPC has its own deadline.
func (m *Master) reconstructBlock(lost core.ChunkMeta) {
	coder, err := ec.New(m.cfg.DataBlocks, m.cfg.ParityBlocks)
	if err != nil {
		log.Errorf("reconstruct %s: bad coder shape: %s", lost.ChunkID, err)
		return
	}
	total := coder.TotalBlocks()

	// Gather the surviving blocks of the group.
	blocks := make([][]byte, total)
	available := make([]bool, total)
	have := 0
	for i := 0; i < total && have < coder.DataBlocks(); i++ {
		if i == lost.BlockIndex {
			continue
		}
		blockID := core.BlockID(lost.GroupID, i)
		data := m.fetchBlock(blockID)
		if data == nil {
			continue
		}
		blocks[i] = data
		available[i] = true
		have++
	}
	if have < coder.DataBlocks() {
		log.Errorf("reconstruct %s: only %d of %d needed blocks survive", lost.ChunkID, have, coder.DataBlocks())
		return
	}

	// Pad lengths agree within a group, so reconstructing over the padded
	// payload reproduces the block exactly.
	blockSize := 0
	for i, ok := range available {
		if ok {
			blockSize = len(blocks[i])
			break
		}
	}
	rebuilt, rerr := coder.Repair(blocks, available, coder.DataBlocks()*blockSize, []int{lost.BlockIndex})
	if rerr != nil {
		log.Errorf("reconstruct %s: %s", lost.ChunkID, rerr)
		return
	}
	data := rebuilt[lost.BlockIndex]

	// Place the regenerated block on a fresh server.
	targets, cerr := m.alloc.ReplacementsFor(lost.ChunkID, 1, nil)
	if cerr != core.NoError {
		log.Errorf("reconstruct %s: no server to host the rebuilt block (%s)", lost.ChunkID, cerr)
		return
	}
	target := targets[0]

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	req := core.WriteChunkReq{
		ChunkID:      lost.ChunkID,
		Data:         data,
		Checksum:     core.Checksum(data),
		ErasureCoded: true,
	}
	var reply core.WriteChunkReply
	if err := m.cc.Send(ctx, target.Addr, "ChunkserverService.WriteChunk", req, &reply); err != nil || reply.Err != core.NoError {
		log.Errorf("reconstruct %s: write to %s failed (%v / %s)", lost.ChunkID, target.Addr, err, reply.Err)
		return
	}

	m.meta.AddLocation(lost.ChunkID, target.ServerID)
	log.Infof("reconstructed erasure block %s onto %s", lost.ChunkID, target.Addr)
}

// fetchBlock reads one block from any healthy holder, verified.
func (m *Master) fetchBlock(blockID string) []byte {
	for _, s := range m.healthyHolders(blockID) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		req := core.ReadChunkReq{ChunkID: blockID, Verify: true}
		var reply core.ReadChunkReply
		err := m.cc.Send(ctx, s.Addr, "ChunkserverService.ReadChunk", req, &reply)
		cancel()
		if err == nil && reply.Err == core.NoError {
			return reply.Data
		}
		log.Errorf("fetching block %s from %s failed (%v / %s)", blockID, s.Addr, err, reply.Err)
	}
	return nil
}
