// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrRPCConnect is returned if we can't connect to the RPC server.
var ErrRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections.
	conns *lru.Cache

	// What timeout to use for dialing.
	dialTimeout time.Duration

	// What timeout to use for calling RPCs.
	rpcTimeout time.Duration
}

// NewConnectionCache makes a new ConnectionCache. dialTimeout is the timeout
// used for connecting, rpcTimeout bounds each call. maxConns is the size of
// the cache; past it, idle connections may be dropped. Zero means never drop.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// Get an RPC connection to the given address, dialing if needed. Returns nil
// if the connection could not be made. The caller MUST hand the returned
// client back via done once the RPC has completed.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	// See if a connection exists already.
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}

	// If not, create it. Drop the lock for this.
	cc.lock.Unlock()
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	rpcc, e := dialHTTPContext(nctx, "tcp", addr)
	if e != nil {
		log.Infof("error connecting to %s: %s", addr, e)
		return nil
	}

	cc.lock.Lock()
	// See if somebody else did this in parallel; if so use theirs.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		rpcc.Close()
		log.Infof("established duplicate connection to %s, dropping", addr)
		return rc
	}

	log.Infof("established connection to %s", addr)

	// "count" starts at 2: one reference for the LRU cache, one for the
	// caller.
	rc := &refCntClient{count: 2, clt: rpcc}
	cc.conns.Add(addr, rc)
	cc.lock.Unlock()

	return rc
}

// done marks that the rpc.Client is no longer in use. A non-nil err means
// the connection is suspect; it is closed and dropped from the cache so the
// next call redials.
func (cc *ConnectionCache) done(addr string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		// Already evicted from the cache and nobody else is using it.
		return
	}

	if err == nil {
		return
	}

	// Only remove the cached client if it's still this one; a concurrent
	// error may have already replaced it.
	if newConn, ok := cc.conns.Get(addr); ok && newConn == oldConn {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// Send wraps up the basic pattern of calling an RPC with a timeout.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrRPCConnect
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)

		// ErrShutdown means the server closed the connection under us but
		// is probably still alive. Redial and try again; nctx keeps the
		// original deadline, which bounds the repeated attempts.
		if call.Error == rpc.ErrShutdown {
			return cc.Send(nctx, addr, method, req, reply)
		}

		return call.Error

	case <-nctx.Done():
		err := nctx.Err()
		log.Errorf("rpc %q to %s: %s", method, addr, err)
		cc.done(addr, rc, nil)
		return err
	}
}

// Remove removes and closes the connection to "addr" if one exists.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll closes all connections in the cache.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	// Connections close as soon as their reference counts drain.
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)

	rc := val.(*refCntClient)

	// The LRU is already under the cache lock, so no extra locking here.
	rc.decAndMaybeClose()
}

// refCntClient wraps an RPC client with a reference count so we know when
// to close the connection.
type refCntClient struct {
	// The count of users. The client is closed once it reaches 0.
	// Protected by the cache lock.
	count int

	clt *rpc.Client
}

// Decrements the count and closes the connection at 0.
// Must be called with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
