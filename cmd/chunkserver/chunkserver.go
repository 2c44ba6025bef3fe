// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/chunkserver"
	"github.com/KrishnaChamarthy/dfs/internal/config"
)

var (
	cfg = chunkserver.DefaultConfig

	configFile = flag.String("config", "", "cluster configuration file (key=value format)")

	addr       = flag.String("addr", "", "service address")
	masterAddr = flag.String("master", "", "address of the master")
	dataDir    = flag.String("dataDir", "", "root of the on-disk chunk layout")
	zone       = flag.String("zone", "", "failure domain reported at registration")
)

func init() {
	flag.Parse()

	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("couldn't read the provided config file: %s", err)
		}
		cfg.MasterAddr = f.MasterAddr(cfg.MasterAddr)
		cfg.DataDir = f.String(config.KeyDataDirectory, cfg.DataDir)
		cfg.HeartbeatInterval = f.Millis(config.KeyHeartbeatIntervalMs, cfg.HeartbeatInterval)
	}

	if *addr != "" {
		cfg.Addr = *addr
	}
	if *masterAddr != "" {
		cfg.MasterAddr = *masterAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *zone != "" {
		cfg.Zone = *zone
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("failed to validate configuration: %v", err)
	}

	store, err := chunkserver.NewStore(&cfg)
	if err != nil {
		log.Fatalf("couldn't open chunk store at %s: %s", cfg.DataDir, err)
	}

	server := chunkserver.NewServer(store, &cfg)
	log.Infof("starting chunkserver...")
	if err := server.Start(); err != nil {
		log.Fatalf("couldn't start chunkserver: %s", err)
	}
}
