// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/pkg/retry"
)

// masterTalker is the client's view of the master's FileService. It is an
// interface so tests can substitute an in-memory master.
type masterTalker interface {
	CreateFile(ctx context.Context, req core.CreateFileReq) (core.CreateFileReply, core.Error)
	DeleteFile(ctx context.Context, filename string) core.Error
	ListFiles(ctx context.Context, prefix string) ([]core.FileInfo, core.Error)
	GetFileInfo(ctx context.Context, filename string) (core.GetFileInfoReply, core.Error)
	AllocateChunks(ctx context.Context, req core.AllocateChunksReq) ([]core.ChunkInfo, core.Error)
	GetChunkLocations(ctx context.Context, chunkIDs []string) ([]core.ChunkInfo, core.Error)
	CompleteUpload(ctx context.Context, req core.CompleteUploadReq) core.Error
	GetFileKey(ctx context.Context, keyID string) ([]byte, core.Error)
	GetClusterStats(ctx context.Context) (core.ClusterStatsReply, core.Error)
}

// chunkTalker is the client's view of chunk servers.
type chunkTalker interface {
	WriteChunk(ctx context.Context, addr string, req core.WriteChunkReq) (string, core.Error)
	ReadChunk(ctx context.Context, addr string, chunkID string) ([]byte, string, core.Error)
}

// rpcMasterTalker talks to a real master over the shared rpc package,
// retrying transient failures with backoff.
type rpcMasterTalker struct {
	c *Client
}

// call sends one FileService RPC, retrying transient errors.
func (t *rpcMasterTalker) call(ctx context.Context, method string, req, reply interface{}, errOf func() core.Error) core.Error {
	var last core.Error
	// MaxNumRetries counts attempts: the first try plus MaxRetries retries.
	r := retry.Retrier{MinSleep: 100 * time.Millisecond, MaxSleep: 2 * time.Second, MaxNumRetries: t.c.cfg.MaxRetries + 1}
	done, _ := r.Do(ctx, func(n int) bool {
		if n > 0 {
			log.V(1).Infof("retrying %s (attempt %d)", method, n+1)
		}
		if err := t.c.cc.Send(ctx, t.c.cfg.MasterAddr, method, req, reply); err != nil {
			last = core.ErrRPC
			return false
		}
		last = errOf()
		return !core.IsRetriableError(last)
	})
	if done {
		return last
	}
	if last == core.NoError {
		last = core.ErrRPC
	}
	return last
}

func (t *rpcMasterTalker) CreateFile(ctx context.Context, req core.CreateFileReq) (core.CreateFileReply, core.Error) {
	var reply core.CreateFileReply
	err := t.call(ctx, "FileService.CreateFile", req, &reply, func() core.Error { return reply.Err })
	return reply, err
}

func (t *rpcMasterTalker) DeleteFile(ctx context.Context, filename string) core.Error {
	var reply core.DeleteFileReply
	return t.call(ctx, "FileService.DeleteFile", core.DeleteFileReq{Filename: filename}, &reply,
		func() core.Error { return reply.Err })
}

func (t *rpcMasterTalker) ListFiles(ctx context.Context, prefix string) ([]core.FileInfo, core.Error) {
	var reply core.ListFilesReply
	err := t.call(ctx, "FileService.ListFiles", core.ListFilesReq{Prefix: prefix}, &reply,
		func() core.Error { return reply.Err })
	return reply.Files, err
}

func (t *rpcMasterTalker) GetFileInfo(ctx context.Context, filename string) (core.GetFileInfoReply, core.Error) {
	var reply core.GetFileInfoReply
	err := t.call(ctx, "FileService.GetFileInfo", core.GetFileInfoReq{Filename: filename}, &reply,
		func() core.Error { return reply.Err })
	return reply, err
}

func (t *rpcMasterTalker) AllocateChunks(ctx context.Context, req core.AllocateChunksReq) ([]core.ChunkInfo, core.Error) {
	var reply core.AllocateChunksReply
	err := t.call(ctx, "FileService.AllocateChunks", req, &reply, func() core.Error { return reply.Err })
	return reply.Chunks, err
}

func (t *rpcMasterTalker) GetChunkLocations(ctx context.Context, chunkIDs []string) ([]core.ChunkInfo, core.Error) {
	var reply core.GetChunkLocationsReply
	err := t.call(ctx, "FileService.GetChunkLocations", core.GetChunkLocationsReq{ChunkIDs: chunkIDs}, &reply,
		func() core.Error { return reply.Err })
	return reply.Chunks, err
}

func (t *rpcMasterTalker) CompleteUpload(ctx context.Context, req core.CompleteUploadReq) core.Error {
	var reply core.CompleteUploadReply
	return t.call(ctx, "FileService.CompleteUpload", req, &reply, func() core.Error { return reply.Err })
}

func (t *rpcMasterTalker) GetFileKey(ctx context.Context, keyID string) ([]byte, core.Error) {
	var reply core.GetFileKeyReply
	err := t.call(ctx, "FileService.GetFileKey", core.GetFileKeyReq{KeyID: keyID}, &reply,
		func() core.Error { return reply.Err })
	return reply.Key, err
}

func (t *rpcMasterTalker) GetClusterStats(ctx context.Context) (core.ClusterStatsReply, core.Error) {
	var reply core.ClusterStatsReply
	err := t.call(ctx, "FileService.GetClusterStats", core.ClusterStatsReq{}, &reply,
		func() core.Error { return reply.Err })
	return reply, err
}

// rpcChunkTalker talks to chunk servers. Chunk RPCs are not retried here;
// the pipelines try the next replica instead.
type rpcChunkTalker struct {
	c *Client
}

func (t *rpcChunkTalker) WriteChunk(ctx context.Context, addr string, req core.WriteChunkReq) (string, core.Error) {
	var reply core.WriteChunkReply
	if err := t.c.cc.Send(ctx, addr, "ChunkserverService.WriteChunk", req, &reply); err != nil {
		return "", core.ErrRPC
	}
	return reply.StoredChecksum, reply.Err
}

func (t *rpcChunkTalker) ReadChunk(ctx context.Context, addr string, chunkID string) ([]byte, string, core.Error) {
	var reply core.ReadChunkReply
	req := core.ReadChunkReq{ChunkID: chunkID}
	if err := t.c.cc.Send(ctx, addr, "ChunkserverService.ReadChunk", req, &reply); err != nil {
		return nil, "", core.ErrRPC
	}
	return reply.Data, reply.Checksum, reply.Err
}
