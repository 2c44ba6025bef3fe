// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"strings"
	"testing"
)

func TestChunkIDs(t *testing.T) {
	id := ChunkID("f123", 7)
	if id != "f123_chunk_7" {
		t.Errorf("ChunkID = %q", id)
	}
	fileID, n, ok := ParseChunkID(id)
	if !ok || fileID != "f123" || n != 7 {
		t.Errorf("ParseChunkID(%q) = %q, %d, %t", id, fileID, n, ok)
	}
	if _, _, ok := ParseChunkID("not-a-chunk"); ok {
		t.Errorf("ParseChunkID accepted junk")
	}
}

func TestBlockIDs(t *testing.T) {
	group := GroupID("f123", 2)
	if group != "f123_group_2" {
		t.Errorf("GroupID = %q", group)
	}
	block := BlockID(group, 5)
	if block != "f123_group_2_block_5" {
		t.Errorf("BlockID = %q", block)
	}
	gotGroup, idx, ok := ParseBlockID(block)
	if !ok || gotGroup != group || idx != 5 {
		t.Errorf("ParseBlockID(%q) = %q, %d, %t", block, gotGroup, idx, ok)
	}
}

func TestChecksumFormat(t *testing.T) {
	sum := Checksum([]byte("hello"))
	if len(sum) != 64 {
		t.Fatalf("checksum length %d, want 64", len(sum))
	}
	if sum != strings.ToLower(sum) {
		t.Errorf("checksum is not lowercase: %q", sum)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("sha256(hello) = %q", sum)
	}
}

func TestValidateFilename(t *testing.T) {
	cases := []struct {
		name string
		want Error
	}{
		{"/f1", NoError},
		{"plain.txt", NoError},
		{"", ErrBadFilename},
		{strings.Repeat("x", 256), ErrBadFilename},
		{strings.Repeat("x", 255), NoError},
		{"has<angle", ErrBadFilename},
		{"has|pipe", ErrBadFilename},
		{"has?question", ErrBadFilename},
		{"has*star", ErrBadFilename},
		{`has"quote`, ErrBadFilename},
	}
	for _, tc := range cases {
		if got := ValidateFilename(tc.name); got != tc.want {
			t.Errorf("ValidateFilename(%.20q) = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestErrorBridging(t *testing.T) {
	if NoError.Error() != nil {
		t.Errorf("NoError should bridge to nil")
	}
	g := ErrFileNotFound.Error()
	if g == nil || g.Error() != ErrFileNotFound.String() {
		t.Errorf("error bridging lost the message")
	}
	if !ErrFileNotFound.Is(g) {
		t.Errorf("Is failed on the bridged error")
	}
	if e, ok := FromError(g); !ok || e != ErrFileNotFound {
		t.Errorf("FromError returned %v, %t", e, ok)
	}
}
