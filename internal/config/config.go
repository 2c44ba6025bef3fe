// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package config reads the shared key=value configuration files. Lines are
// "key=value"; blank lines and "#" comments are ignored. The recognized
// keys are the cluster-wide settings every component agrees on.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
)

// The recognized keys.
const (
	KeyReplicationFactor    = "replication_factor"
	KeyChunkSize            = "chunk_size"
	KeyDataDirectory        = "data_directory"
	KeyMasterAddress        = "master_address"
	KeyMasterPort           = "master_port"
	KeyEncryptionEnabled    = "encryption_enabled"
	KeyErasureCodingEnabled = "erasure_coding_enabled"
	KeyHeartbeatIntervalMs  = "heartbeat_interval_ms"
	KeyHeartbeatTimeoutMs   = "heartbeat_timeout_ms"
	KeyCacheSizeMB          = "cache_size_mb"
)

// File is a parsed configuration file.
type File struct {
	values map[string]string
}

// Load parses the file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key=value, got %q", path, line, text)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &File{values: values}, nil
}

// String returns the value for key, or def if unset.
func (f *File) String(key, def string) string {
	if v, ok := f.values[key]; ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def if unset or malformed.
func (f *File) Int(key string, def int64) int64 {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Errorf("config key %s has non-integer value %q, using %d", key, v, def)
		return def
	}
	return n
}

// Bool returns the boolean value for key, or def if unset or malformed.
func (f *File) Bool(key string, def bool) bool {
	v, ok := f.values[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Errorf("config key %s has non-boolean value %q, using %t", key, v, def)
		return def
	}
	return b
}

// Millis returns the millisecond duration for key, or def if unset.
func (f *File) Millis(key string, def time.Duration) time.Duration {
	ms := f.Int(key, def.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

// MasterAddr assembles master_address and master_port into "host:port",
// falling back to def when neither is set.
func (f *File) MasterAddr(def string) string {
	host := f.String(KeyMasterAddress, "")
	if host == "" {
		return def
	}
	if port := f.String(KeyMasterPort, ""); port != "" {
		return host + ":" + port
	}
	return host
}
