// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package ec

import (
	"errors"
)

var (
	// ErrNotEnoughBlocks is returned by Decode when fewer than k blocks
	// are available.
	ErrNotEnoughBlocks = errors.New("ec: fewer blocks available than needed to decode")

	// ErrShapeMismatch is returned when block slices disagree in length
	// or count.
	ErrShapeMismatch = errors.New("ec: block length or count mismatch")

	// ErrInvalidShape is returned by New for a nonsensical (k,m).
	ErrInvalidShape = errors.New("ec: data and parity counts must be positive and k+m <= 255")
)

// Coder is a Reed-Solomon coder for a fixed (k,m) shape. The generator is
// the (k+m) x k Vandermonde matrix with entry (i,j) = (i+1)^j, so the first
// k rows are NOT the identity: every output block, data rows included, is a
// matrix product. Decode therefore always inverts a k x k submatrix, even
// when all k data blocks survive.
//
// A Coder is stateless after construction and safe for concurrent use.
type Coder struct {
	k, m   int
	matrix [][]byte // (k+m) x k Vandermonde
}

// New builds a Coder for k data blocks and m parity blocks.
func New(k, m int) (*Coder, error) {
	if k <= 0 || m <= 0 || k+m > 255 {
		return nil, ErrInvalidShape
	}
	matrix := make([][]byte, k+m)
	for i := range matrix {
		row := make([]byte, k)
		for j := 0; j < k; j++ {
			row[j] = gfPow(byte(i+1), j)
		}
		matrix[i] = row
	}
	return &Coder{k: k, m: m, matrix: matrix}, nil
}

// DataBlocks returns k.
func (c *Coder) DataBlocks() int { return c.k }

// ParityBlocks returns m.
func (c *Coder) ParityBlocks() int { return c.m }

// TotalBlocks returns k+m.
func (c *Coder) TotalBlocks() int { return c.k + c.m }

// BlockSize returns the per-block size used to encode a payload of the
// given length: the payload is zero-padded up to a multiple of k.
func (c *Coder) BlockSize(dataLen int) int {
	return (dataLen + c.k - 1) / c.k
}

// Encode splits data into k equal blocks (zero padded) and produces the
// k+m coded blocks in index order. Blocks 0..k-1 are the data rows, blocks
// k..k+m-1 the parity rows.
func (c *Coder) Encode(data []byte) [][]byte {
	blockSize := c.BlockSize(len(data))
	if blockSize == 0 {
		blockSize = 1
	}

	// Lay the payload out as the k-row data column vector, zero padded.
	shards := make([][]byte, c.k)
	for i := range shards {
		shards[i] = make([]byte, blockSize)
		off := i * blockSize
		if off < len(data) {
			copy(shards[i], data[off:])
		}
	}

	out := make([][]byte, c.k+c.m)
	for i, row := range c.matrix {
		out[i] = c.mulRow(row, shards, blockSize)
	}
	return out
}

// Decode reconstructs the original payload from any k available blocks.
// blocks and available must both have k+m entries; unavailable entries of
// blocks are ignored (and may be nil). The result is truncated to
// originalSize.
func (c *Coder) Decode(blocks [][]byte, available []bool, originalSize int) ([]byte, error) {
	if len(blocks) != c.k+c.m || len(available) != c.k+c.m {
		return nil, ErrShapeMismatch
	}

	// Pick the first k available rows.
	rows := make([]int, 0, c.k)
	for i := 0; i < c.k+c.m && len(rows) < c.k; i++ {
		if available[i] {
			rows = append(rows, i)
		}
	}
	if len(rows) < c.k {
		return nil, ErrNotEnoughBlocks
	}

	blockSize := len(blocks[rows[0]])
	for _, r := range rows {
		if len(blocks[r]) != blockSize {
			return nil, ErrShapeMismatch
		}
	}

	// Invert the k x k submatrix of the generator picked out by rows,
	// then multiply it against the available block column to recover the
	// data rows.
	sub := make([][]byte, c.k)
	for i, r := range rows {
		sub[i] = append([]byte(nil), c.matrix[r]...)
	}
	inv, err := invert(sub)
	if err != nil {
		return nil, err
	}

	avail := make([][]byte, c.k)
	for i, r := range rows {
		avail[i] = blocks[r]
	}

	data := make([]byte, 0, c.k*blockSize)
	recovered := make([][]byte, c.k)
	for i := 0; i < c.k; i++ {
		recovered[i] = c.mulRow(inv[i], avail, blockSize)
	}
	for i := 0; i < c.k; i++ {
		data = append(data, recovered[i]...)
	}

	if originalSize > len(data) {
		return nil, ErrShapeMismatch
	}
	return data[:originalSize], nil
}

// Repair regenerates the blocks at the missing indices from the surviving
// ones: decode, then re-encode, then pick out the requested rows.
func (c *Coder) Repair(blocks [][]byte, available []bool, originalSize int, missing []int) (map[int][]byte, error) {
	data, err := c.Decode(blocks, available, originalSize)
	if err != nil {
		return nil, err
	}
	all := c.Encode(data)
	out := make(map[int][]byte, len(missing))
	for _, idx := range missing {
		if idx < 0 || idx >= len(all) {
			return nil, ErrShapeMismatch
		}
		out[idx] = all[idx]
	}
	return out, nil
}

// mulRow multiplies one generator (or inverse) row against a column of
// blocks, byte position by byte position.
func (c *Coder) mulRow(row []byte, shards [][]byte, blockSize int) []byte {
	out := make([]byte, blockSize)
	for j, coef := range row {
		if coef == 0 {
			continue
		}
		shard := shards[j]
		if coef == 1 {
			for b := 0; b < blockSize; b++ {
				out[b] ^= shard[b]
			}
			continue
		}
		logC := int(gfLog[coef])
		for b := 0; b < blockSize; b++ {
			if s := shard[b]; s != 0 {
				out[b] ^= gfExp[logC+int(gfLog[s])]
			}
		}
	}
	return out
}

// invert computes the inverse of a square matrix over GF(2^8) by
// Gauss-Jordan elimination. The input is clobbered.
func invert(m [][]byte) ([][]byte, error) {
	n := len(m)
	inv := make([][]byte, n)
	for i := range inv {
		inv[i] = make([]byte, n)
		inv[i][i] = 1
	}

	for col := 0; col < n; col++ {
		// Find a pivot.
		pivot := -1
		for r := col; r < n; r++ {
			if m[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return nil, errors.New("ec: singular matrix")
		}
		m[col], m[pivot] = m[pivot], m[col]
		inv[col], inv[pivot] = inv[pivot], inv[col]

		// Scale the pivot row to 1.
		if p := m[col][col]; p != 1 {
			pinv := gfInv(p)
			for c := 0; c < n; c++ {
				m[col][c] = gfMul(m[col][c], pinv)
				inv[col][c] = gfMul(inv[col][c], pinv)
			}
		}

		// Eliminate the column everywhere else.
		for r := 0; r < n; r++ {
			if r == col || m[r][col] == 0 {
				continue
			}
			f := m[r][col]
			for c := 0; c < n; c++ {
				m[r][c] = gfAdd(m[r][c], gfMul(f, m[col][c]))
				inv[r][c] = gfAdd(inv[r][c], gfMul(f, inv[col][c]))
			}
		}
	}
	return inv, nil
}
