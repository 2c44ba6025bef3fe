// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"testing"

	"github.com/KrishnaChamarthy/dfs/internal/core"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
)

func testMaster(servers int) (*Master, *Manager) {
	cfg := testConfig()
	meta := clusterOf(servers)
	m := NewMaster(cfg, meta, crypto.NewKeyManager())
	return m, meta
}

// A failed server's chunks get repair tasks queued to both the surviving
// source and the fresh target.
func TestServerFailureSchedulesRepair(t *testing.T) {
	m, meta := testMaster(4)

	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "s0")
	meta.AddLocation("c1", "s1")
	meta.AddLocation("c1", "s2")

	m.handleServerFailure("s0")

	if locs := meta.Locations("c1"); len(locs) != 2 {
		t.Fatalf("failed server still holds the chunk: %v", locs)
	}

	// The only candidate target is s3.
	tasks, _ := m.takeWork("s3")
	if len(tasks) != 1 {
		t.Fatalf("target got %d tasks, want 1", len(tasks))
	}
	task := tasks[0]
	if task.ChunkID != "c1" || task.TargetAddr != "host3:1" || !task.Urgent {
		t.Errorf("bad task: %+v", task)
	}
	if task.SourceAddr != "host1:1" && task.SourceAddr != "host2:1" {
		t.Errorf("task source %s is not a surviving holder", task.SourceAddr)
	}

	// The source got the same task.
	srcID := "s1"
	if task.SourceAddr == "host2:1" {
		srcID = "s2"
	}
	srcTasks, _ := m.takeWork(srcID)
	if len(srcTasks) != 1 || srcTasks[0] != task {
		t.Errorf("source tasks = %+v", srcTasks)
	}
}

func TestRepairSkipsHealthyChunks(t *testing.T) {
	m, meta := testMaster(4)
	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "s0")
	meta.AddLocation("c1", "s1")
	meta.AddLocation("c1", "s2")

	m.repairChunk("c1")
	for i := 0; i < 4; i++ {
		if tasks, _ := m.takeWork(fmt.Sprintf("s%d", i)); len(tasks) != 0 {
			t.Errorf("fully replicated chunk scheduled repair on s%d: %v", i, tasks)
		}
	}
}

// A corruption report acts like that one server losing the chunk: the bad
// copy is deleted and repair is scheduled.
func TestCorruptionReport(t *testing.T) {
	m, meta := testMaster(4)
	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "s0")
	meta.AddLocation("c1", "s1")
	meta.AddLocation("c1", "s2")

	m.handleCorruption("s1", "c1")

	if locs := meta.Locations("c1"); len(locs) != 2 {
		t.Fatalf("corrupt holder still listed: %v", locs)
	}
	_, dels := m.takeWork("s1")
	if len(dels) != 1 || dels[0] != "c1" {
		t.Errorf("bad copy not scheduled for deletion: %v", dels)
	}
	tasks, _ := m.takeWork("s3")
	if len(tasks) != 1 {
		t.Errorf("repair not scheduled to the fresh target: %v", tasks)
	}
}

func TestQueueDeduplicatesTasks(t *testing.T) {
	m, _ := testMaster(2)
	task := core.ReplicationTask{ChunkID: "c1", SourceAddr: "a", TargetAddr: "b"}
	m.queueReplication("s0", task)
	m.queueReplication("s0", task)

	tasks, _ := m.takeWork("s0")
	if len(tasks) != 1 {
		t.Errorf("duplicate task queued: %v", tasks)
	}
	// The queue drains on take.
	if tasks, _ := m.takeWork("s0"); len(tasks) != 0 {
		t.Errorf("queue did not drain: %v", tasks)
	}
}

// An imbalanced cluster generates move tasks from hot to cold servers.
func TestRebalanceGeneratesMoves(t *testing.T) {
	cfg := testConfig()
	meta := NewManager()
	// One overloaded server and one nearly empty one.
	meta.RegisterServer(core.ServerInfo{ServerID: "hot", Addr: "hot:1", TotalSpace: 1000, FreeSpace: 50, CPUUsage: 0.9, MemoryUsage: 0.9})
	meta.RegisterServer(core.ServerInfo{ServerID: "cold", Addr: "cold:1", TotalSpace: 1000, FreeSpace: 950})
	m := NewMaster(cfg, meta, crypto.NewKeyManager())

	meta.AddChunk(core.ChunkMeta{ChunkID: "warm", LastAccessedTime: 100})
	meta.AddChunk(core.ChunkMeta{ChunkID: "cold-chunk", LastAccessedTime: 50})
	meta.AddLocation("warm", "hot")
	meta.AddLocation("cold-chunk", "hot")

	m.rebalanceOnce()

	tasks, _ := m.takeWork("hot")
	if len(tasks) != 1 {
		t.Fatalf("hot server got %d tasks, want 1", len(tasks))
	}
	// The least-recently-accessed chunk moves.
	if tasks[0].ChunkID != "cold-chunk" || tasks[0].TargetAddr != "cold:1" {
		t.Errorf("bad move: %+v", tasks[0])
	}
	if tasks[0].Urgent {
		t.Errorf("rebalance task marked urgent")
	}
	targetTasks, _ := m.takeWork("cold")
	if len(targetTasks) != 1 {
		t.Errorf("target did not get the move task")
	}
}

func TestRebalanceQuietWhenBalanced(t *testing.T) {
	m, meta := testMaster(4)
	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "s0")

	m.rebalanceOnce()
	for i := 0; i < 4; i++ {
		if tasks, _ := m.takeWork(fmt.Sprintf("s%d", i)); len(tasks) != 0 {
			t.Errorf("balanced cluster generated tasks on s%d: %v", i, tasks)
		}
	}
}

// After a rebalance copy lands, the surplus replica is trimmed from the
// most loaded holder.
func TestTrimOverReplicated(t *testing.T) {
	cfg := testConfig()
	cfg.Replication = 2
	meta := NewManager()
	meta.RegisterServer(core.ServerInfo{ServerID: "hot", Addr: "hot:1", TotalSpace: 1000, FreeSpace: 100})
	meta.RegisterServer(core.ServerInfo{ServerID: "mid", Addr: "mid:1", TotalSpace: 1000, FreeSpace: 500})
	meta.RegisterServer(core.ServerInfo{ServerID: "cold", Addr: "cold:1", TotalSpace: 1000, FreeSpace: 900})
	m := NewMaster(cfg, meta, crypto.NewKeyManager())

	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "hot")
	meta.AddLocation("c1", "mid")
	meta.AddLocation("c1", "cold")

	m.trimOverReplicated()

	if locs := meta.Locations("c1"); len(locs) != 2 {
		t.Fatalf("surplus not trimmed: %v", locs)
	}
	_, dels := m.takeWork("hot")
	if len(dels) != 1 || dels[0] != "c1" {
		t.Errorf("most loaded holder not asked to delete: %v", dels)
	}
}

func TestDeleteFileQueuesDeletions(t *testing.T) {
	m, meta := testMaster(3)
	meta.AddFile(core.FileInfo{FileID: "id1", Filename: "/f1"})
	meta.AddChunk(core.ChunkMeta{ChunkID: "c1"})
	meta.AddLocation("c1", "s0")
	meta.SetFileChunks("id1", []string{"c1"})

	if err := m.deleteFile("/f1"); err != core.NoError {
		t.Fatalf("deleteFile: %s", err)
	}
	_, dels := m.takeWork("s0")
	if len(dels) != 1 || dels[0] != "c1" {
		t.Errorf("holder not asked to delete: %v", dels)
	}
}

func TestStddev(t *testing.T) {
	if got := stddev(nil); got != 0 {
		t.Errorf("stddev(nil) = %f", got)
	}
	if got := stddev([]float64{0.5, 0.5, 0.5}); got != 0 {
		t.Errorf("stddev of equal loads = %f", got)
	}
	got := stddev([]float64{0, 1})
	if got < 0.49 || got > 0.51 {
		t.Errorf("stddev([0,1]) = %f, want 0.5", got)
	}
}
