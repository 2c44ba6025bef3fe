// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"time"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Config encapsulates parameters for the master.
type Config struct {
	Addr string // Address for service.

	// MetadataPath is where the metadata snapshot lives. Empty disables
	// persistence (tests).
	MetadataPath string

	// KeyFilePath and KeyFilePassword configure the persisted key store.
	// An empty path keeps keys in memory only.
	KeyFilePath     string
	KeyFilePassword string

	// --- Placement ---
	Replication  int
	ChunkSize    int64
	DataBlocks   int
	ParityBlocks int
	Strategy     Strategy

	// --- Liveness ---
	// A server is healthy iff its last heartbeat is within
	// HeartbeatTimeout; it is unregistered entirely after twice that.
	HeartbeatTimeout time.Duration
	// How often the sweeper looks for overdue servers.
	SweepInterval time.Duration

	// --- Background work ---
	// How often load variance is evaluated for rebalancing.
	RebalanceInterval time.Duration
	// How often metadata is persisted.
	PersistInterval time.Duration
	// Files that never complete an upload are dropped after this long.
	StaleUploadDeadline time.Duration
}

// Validate checks the configuration for obviously wrong values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address of the master can not be empty")
	}
	if c.Replication < 1 || c.Replication > core.MaxReplication {
		return fmt.Errorf("replication factor %d out of range", c.Replication)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.DataBlocks <= 0 || c.ParityBlocks <= 0 {
		return fmt.Errorf("erasure coding shape (%d,%d) invalid", c.DataBlocks, c.ParityBlocks)
	}
	return nil
}

// DefaultConfig specifies the default values for Config.
var DefaultConfig = Config{
	Addr:         "localhost:58000",
	MetadataPath: "/var/tmp/dfs-master/metadata.json",

	Replication:  core.DefaultReplication,
	ChunkSize:    core.ChunkSize,
	DataBlocks:   core.DefaultDataBlocks,
	ParityBlocks: core.DefaultParityBlocks,
	Strategy:     LeastLoaded,

	HeartbeatTimeout: core.HeartbeatTimeout,
	SweepInterval:    10 * time.Second,

	RebalanceInterval:   time.Minute,
	PersistInterval:     30 * time.Second,
	StaleUploadDeadline: time.Hour,
}
