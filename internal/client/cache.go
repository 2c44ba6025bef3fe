// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// chunkCache is a bounded LRU cache of chunk bytes keyed by chunk id,
// sized in bytes. Eviction is strictly least-recently-used. Hit and miss
// counters are exposed for the stats surface.
type chunkCache struct {
	lock sync.Mutex

	cache    *lru.Cache
	maxBytes int64
	curBytes int64

	hits   uint64
	misses uint64
}

func newChunkCache(maxBytes int64) *chunkCache {
	c := &chunkCache{
		cache:    lru.New(0), // size is enforced in bytes, not entries
		maxBytes: maxBytes,
	}
	c.cache.OnEvicted = func(key lru.Key, value interface{}) {
		c.curBytes -= int64(len(value.([]byte)))
	}
	return c
}

// get returns a copy of the cached bytes for id, if present.
func (c *chunkCache) get(id string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	v, ok := c.cache.Get(id)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	b := v.([]byte)
	return append([]byte(nil), b...), true
}

// put inserts a chunk, evicting least-recently-used entries until the
// byte budget holds. Chunks bigger than the whole budget are not cached.
func (c *chunkCache) put(id string, data []byte) {
	if c == nil || int64(len(data)) > c.maxBytes {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.cache.Get(id); ok {
		c.cache.Remove(id) // OnEvicted subtracts the old size
	}

	cp := append([]byte(nil), data...)
	c.cache.Add(id, cp)
	c.curBytes += int64(len(cp))
	for c.curBytes > c.maxBytes && c.cache.Len() > 0 {
		c.cache.RemoveOldest()
	}
}

// remove drops a chunk from the cache.
func (c *chunkCache) remove(id string) {
	if c == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cache.Remove(id)
}

// stats returns the hit/miss counters and current size.
func (c *chunkCache) stats() (hits, misses uint64, bytes int64) {
	if c == nil {
		return 0, 0, 0
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hits, c.misses, c.curBytes
}
