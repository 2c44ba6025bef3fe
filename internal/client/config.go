// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"time"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Config encapsulates parameters for a client.
type Config struct {
	MasterAddr string

	// ChunkSize must agree with the master's.
	ChunkSize int64

	// Erasure coding shape, must agree with the master's.
	DataBlocks   int
	ParityBlocks int

	// Defaults for put when the caller doesn't say.
	EncryptionEnabled    bool
	ErasureCodingEnabled bool

	// CacheSizeMB bounds the chunk cache; zero disables it.
	CacheSizeMB int

	// KeyFilePath and KeyFilePassword configure the optional local key
	// file. Keys fetched from the master are mirrored there so encrypted
	// files stay readable offline.
	KeyFilePath     string
	KeyFilePassword string

	DialTimeout time.Duration
	RPCTimeout  time.Duration

	// How many times to retry a transient RPC failure.
	MaxRetries int
}

// DefaultConfig specifies the default values for Config.
var DefaultConfig = Config{
	MasterAddr: "localhost:58000",

	ChunkSize:    core.ChunkSize,
	DataBlocks:   core.DefaultDataBlocks,
	ParityBlocks: core.DefaultParityBlocks,

	EncryptionEnabled: true,

	CacheSizeMB: 64,

	DialTimeout: 5 * time.Second,
	RPCTimeout:  30 * time.Second,

	MaxRetries: 3,
}
