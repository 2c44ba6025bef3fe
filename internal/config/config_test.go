// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dfs.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %s", err)
	}
	return path
}

func TestLoadKeyValues(t *testing.T) {
	path := writeConfig(t, `
# cluster settings
replication_factor = 3
chunk_size=4194304
master_address = master.example.com
master_port = 58000
encryption_enabled = true
erasure_coding_enabled=false
heartbeat_interval_ms = 5000
cache_size_mb = 128
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	if got := f.Int(KeyReplicationFactor, 0); got != 3 {
		t.Errorf("replication_factor = %d", got)
	}
	if got := f.Int(KeyChunkSize, 0); got != 4194304 {
		t.Errorf("chunk_size = %d", got)
	}
	if got := f.MasterAddr(""); got != "master.example.com:58000" {
		t.Errorf("master addr = %q", got)
	}
	if !f.Bool(KeyEncryptionEnabled, false) {
		t.Errorf("encryption_enabled came back false")
	}
	if f.Bool(KeyErasureCodingEnabled, true) {
		t.Errorf("erasure_coding_enabled came back true")
	}
	if got := f.Millis(KeyHeartbeatIntervalMs, 0); got != 5*time.Second {
		t.Errorf("heartbeat interval = %s", got)
	}
	if got := f.Int(KeyCacheSizeMB, 0); got != 128 {
		t.Errorf("cache_size_mb = %d", got)
	}
}

func TestDefaultsWhenUnset(t *testing.T) {
	f, err := Load(writeConfig(t, "# empty\n"))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got := f.Int(KeyReplicationFactor, 3); got != 3 {
		t.Errorf("default not applied: %d", got)
	}
	if got := f.String(KeyDataDirectory, "/data"); got != "/data" {
		t.Errorf("default not applied: %q", got)
	}
	if got := f.MasterAddr("localhost:58000"); got != "localhost:58000" {
		t.Errorf("default not applied: %q", got)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	f, err := Load(writeConfig(t, "replication_factor = lots\nencryption_enabled = sure\n"))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got := f.Int(KeyReplicationFactor, 3); got != 3 {
		t.Errorf("malformed int did not fall back: %d", got)
	}
	if got := f.Bool(KeyEncryptionEnabled, false); got {
		t.Errorf("malformed bool did not fall back")
	}
}

func TestMalformedLineFails(t *testing.T) {
	if _, err := Load(writeConfig(t, "this is not a key value pair\n")); err == nil {
		t.Errorf("malformed line accepted")
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.conf")); err == nil {
		t.Errorf("missing file accepted")
	}
}
