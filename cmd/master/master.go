// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/config"
	"github.com/KrishnaChamarthy/dfs/internal/crypto"
	"github.com/KrishnaChamarthy/dfs/internal/master"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'master.DefaultConfig'.

  (2) An optional cluster configuration file (key=value format) can be
      specified via '-config' to override the defaults.

  (3) Optional flags can be used to override each individual parameter set
      in the previous two steps, e.g. '-addr=host:port'.

*/

var (
	cfg = master.DefaultConfig

	configFile = flag.String("config", "", "cluster configuration file (key=value format)")

	addr         = flag.String("addr", "", "service address")
	metadataPath = flag.String("metadataPath", "", "where to persist the metadata snapshot")
	replication  = flag.Int("replication", 0, "replication factor for new files")
	strategy     = flag.String("strategy", "", "placement strategy: ROUND_ROBIN, LEAST_LOADED, RANDOM, ZONE_AWARE")
	keyFile      = flag.String("keyFile", "", "where to persist encryption keys")
	keyPassword  = flag.String("keyPassword", "", "master password for the key file")
)

func init() {
	flag.Parse()

	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("couldn't read the provided config file: %s", err)
		}
		cfg.Replication = int(f.Int(config.KeyReplicationFactor, int64(cfg.Replication)))
		cfg.ChunkSize = f.Int(config.KeyChunkSize, cfg.ChunkSize)
		cfg.Addr = f.MasterAddr(cfg.Addr)
		cfg.HeartbeatTimeout = f.Millis(config.KeyHeartbeatTimeoutMs, cfg.HeartbeatTimeout)
	}

	// Flags beat the config file. Zero values mean "not set".
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *metadataPath != "" {
		cfg.MetadataPath = *metadataPath
	}
	if *replication != 0 {
		cfg.Replication = *replication
	}
	if *strategy != "" {
		cfg.Strategy = master.Strategy(*strategy)
	}
	if *keyFile != "" {
		cfg.KeyFilePath = *keyFile
	}
	if *keyPassword != "" {
		cfg.KeyFilePassword = *keyPassword
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("failed to validate configuration: %v", err)
	}

	keys := crypto.NewKeyManager()
	if cfg.KeyFilePath != "" {
		var err error
		if keys, err = crypto.NewPersistentKeyManager(cfg.KeyFilePath, cfg.KeyFilePassword); err != nil {
			log.Fatalf("couldn't open key file: %s", err)
		}
	}

	meta := master.NewManager()
	if cfg.MetadataPath != "" {
		if err := meta.Load(cfg.MetadataPath); err != nil {
			log.Fatalf("couldn't load metadata snapshot: %s", err)
		}
	}

	m := master.NewMaster(&cfg, meta, keys)
	server := master.NewServer(m)
	log.Infof("starting master...")
	if err := server.Start(); err != nil {
		log.Fatalf("couldn't start master: %s", err)
	}
}
