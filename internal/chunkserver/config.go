// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkserver

import (
	"fmt"
	"time"

	"github.com/KrishnaChamarthy/dfs/internal/core"
)

// Config encapsulates parameters for a chunk server.
type Config struct {
	MasterAddr string // Address of the master.
	Addr       string // Address for service.
	DataDir    string // Root of the on-disk chunk layout.

	// --- Master ---
	// How often to send heartbeats to the master.
	HeartbeatInterval time.Duration
	// How long to wait after an unsuccessful heartbeat or registration.
	HeartbeatRetry time.Duration

	// --- Maintenance ---
	// How often the maintenance scan recomputes checksums and rewrites
	// the index.
	ScrubInterval time.Duration
	// How often a dirty checksum index is flushed between scrubs.
	IndexFlushInterval time.Duration

	// --- Replication ---
	// How long a single chunk copy may take.
	CopyTimeout time.Duration

	// --- RPC ---
	DialTimeout time.Duration
	RPCTimeout  time.Duration

	// Zone is the failure domain reported at registration.
	Zone string
}

// Validate checks the configuration for obviously wrong values.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("address of the chunk server can not be empty")
	}
	if c.MasterAddr == "" {
		return fmt.Errorf("master address can not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory can not be empty")
	}
	return nil
}

// DefaultConfig specifies the default values for Config.
var DefaultConfig = Config{
	Addr:       "localhost:58010",
	MasterAddr: "localhost:58000",
	DataDir:    "/var/tmp/dfs-chunkserver",

	HeartbeatInterval: core.HeartbeatInterval,
	HeartbeatRetry:    core.HeartbeatInterval,

	ScrubInterval:      5 * time.Minute,
	IndexFlushInterval: 30 * time.Second,

	CopyTimeout: time.Minute,

	DialTimeout: 5 * time.Second,
	RPCTimeout:  30 * time.Second,
}
