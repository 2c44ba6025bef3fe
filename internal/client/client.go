// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package client implements the upload/download pipeline: splitting,
// encryption, erasure coding, parallel chunk fan-out, reassembly, and the
// chunk cache.
package client

import (
	"context"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
	"github.com/KrishnaChamarthy/dfs/internal/ec"
	"github.com/KrishnaChamarthy/dfs/pkg/rpc"
)

// Progress is invoked after each chunk completes with the bytes moved so
// far and the total.
type Progress func(current, total int64)

// Client is the user-facing handle on the store. It bundles the master
// connection, the chunk server talker, the chunk cache, the erasure coder,
// and the local key mirror.
type Client struct {
	cfg *Config

	cc     *rpc.ConnectionCache
	master masterTalker
	chunks chunkTalker

	cache *chunkCache
	coder *ec.Coder
	keys  *crypto.KeyManager
}

// New connects a client (lazily; connections are dialed on use).
func New(cfg *Config) (*Client, error) {
	coder, err := ec.New(cfg.DataBlocks, cfg.ParityBlocks)
	if err != nil {
		return nil, err
	}

	keys := crypto.NewKeyManager()
	if cfg.KeyFilePath != "" {
		if keys, err = crypto.NewPersistentKeyManager(cfg.KeyFilePath, cfg.KeyFilePassword); err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:   cfg,
		cc:    rpc.NewConnectionCache(cfg.DialTimeout, cfg.RPCTimeout, 0),
		coder: coder,
		keys:  keys,
	}
	if cfg.CacheSizeMB > 0 {
		c.cache = newChunkCache(int64(cfg.CacheSizeMB) * 1024 * 1024)
	}
	c.master = &rpcMasterTalker{c}
	c.chunks = &rpcChunkTalker{c}
	return c, nil
}

// Close drops all cached connections.
func (c *Client) Close() {
	c.cc.CloseAll()
}

// SetCacheSize resizes the chunk cache at runtime, dropping its contents.
func (c *Client) SetCacheSize(mb int) {
	c.cfg.CacheSizeMB = mb
	if mb > 0 {
		c.cache = newChunkCache(int64(mb) * 1024 * 1024)
	} else {
		c.cache = nil
	}
}

// List returns completed files under the prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]core.FileInfo, core.Error) {
	return c.master.ListFiles(ctx, prefix)
}

// Info returns one file's record and chunk locations.
func (c *Client) Info(ctx context.Context, remote string) (core.GetFileInfoReply, core.Error) {
	return c.master.GetFileInfo(ctx, remote)
}

// Delete removes a remote file.
func (c *Client) Delete(ctx context.Context, remote string) core.Error {
	return c.master.DeleteFile(ctx, remote)
}

// Stats bundles cluster and cache statistics for the stats verb.
type Stats struct {
	Cluster     core.ClusterStatsReply
	CacheHits   uint64
	CacheMisses uint64
	CacheBytes  int64
}

// Stats fetches cluster stats and merges in local cache counters.
func (c *Client) Stats(ctx context.Context) (Stats, core.Error) {
	cluster, err := c.master.GetClusterStats(ctx)
	if err != core.NoError {
		return Stats{}, err
	}
	st := Stats{Cluster: cluster}
	st.CacheHits, st.CacheMisses, st.CacheBytes = c.cache.stats()
	return st, core.NoError
}

// fileKey fetches the key for a file, preferring the local mirror and
// mirroring fetched keys back into it.
func (c *Client) fileKey(ctx context.Context, keyID string) ([]byte, core.Error) {
	if key, ok := c.keys.GetKey(keyID); ok {
		return key, core.NoError
	}
	key, err := c.master.GetFileKey(ctx, keyID)
	if err != core.NoError {
		return nil, err
	}
	if err := c.keys.StoreKey(keyID, key); err != nil {
		log.Errorf("mirroring key %s locally failed: %s", keyID, err)
	}
	return key, core.NoError
}

// sliceSizes returns the byte length of each chunk-sized slice of a file,
// as stored: encryption grows every slice by the IV and tag overhead.
// Slicing happens before encryption, so these are derivable from the file
// size alone; the erasure decoder needs them to truncate padding exactly.
func (c *Client) sliceSizes(f *core.FileInfo) []int64 {
	n := int((f.Size + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)
	if n == 0 {
		n = 1
	}
	out := make([]int64, n)
	for i := range out {
		size := c.cfg.ChunkSize
		if remaining := f.Size - int64(i)*c.cfg.ChunkSize; remaining < size {
			size = remaining
		}
		if f.Encrypted {
			size += crypto.EncryptionOverhead
		}
		out[i] = size
	}
	return out
}
