// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package ec

import (
	"crypto/sha256"
	"encoding/hex"
)

// Block is one coded block of a group.
type Block struct {
	Index    int
	Parity   bool
	Data     []byte
	Checksum string
}

// Group is one erasure group: the coded form of one chunk-sized slice of a
// file. OriginalSize is the byte length of the slice before padding.
type Group struct {
	GroupID      string
	OriginalSize int
	Blocks       []Block
}

// EncodeGroup codes one payload slice into a Group, checksumming each block.
func (c *Coder) EncodeGroup(groupID string, data []byte) Group {
	coded := c.Encode(data)
	g := Group{GroupID: groupID, OriginalSize: len(data), Blocks: make([]Block, len(coded))}
	for i, b := range coded {
		sum := sha256.Sum256(b)
		g.Blocks[i] = Block{
			Index:    i,
			Parity:   i >= c.k,
			Data:     b,
			Checksum: hex.EncodeToString(sum[:]),
		}
	}
	return g
}

// DecodeGroup reassembles a group's payload from whichever blocks are
// present (nil Data means missing).
func (c *Coder) DecodeGroup(g Group) ([]byte, error) {
	if len(g.Blocks) != c.TotalBlocks() {
		return nil, ErrShapeMismatch
	}
	blocks := make([][]byte, len(g.Blocks))
	available := make([]bool, len(g.Blocks))
	for i, b := range g.Blocks {
		blocks[i] = b.Data
		available[i] = len(b.Data) > 0
	}
	return c.Decode(blocks, available, g.OriginalSize)
}
