// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// dfscli is the command-line client for the store: one-shot verbs for
// upload, download, and inspection, plus an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/codegangsta/cli"

	log "github.com/golang/glog"

	"github.com/KrishnaChamarthy/dfs/internal/client"
	"github.com/KrishnaChamarthy/dfs/internal/config"
	"github.com/KrishnaChamarthy/dfs/internal/core"
)

var usage = `
	dfscli interacts with a running dfs cluster. Point it at the master with
	--master (or a key=value config file with --config) and issue one of the
	verbs, or start an interactive shell:

		dfscli [--master host:port] put local remote [--no-encryption] [--erasure-coding]
		dfscli [--master host:port] shell

	Exit code is 0 on success and nonzero on any surfaced failure.
`

type dfsCli struct {
	app *cli.App

	// Built lazily so verbs that don't touch the cluster stay offline.
	client *client.Client
	cfg    client.Config

	inShell bool
}

func newDfsCli() *dfsCli {
	d := &dfsCli{cfg: client.DefaultConfig}
	app := cli.NewApp()
	app.Name = "dfscli"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "master, m",
			Usage: "address of the master (host:port)",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "cluster configuration file (key=value format)",
		},
		cli.StringFlag{
			Name:  "keyfile",
			Usage: "local key file for encrypted files",
		},
		cli.StringFlag{
			Name:  "keypassword",
			Usage: "password for the local key file",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "put",
			Usage:     "Uploads a local file.",
			ArgsUsage: "local remote",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "no-encryption",
					Usage: "store the file unencrypted",
				},
				cli.BoolFlag{
					Name:  "erasure-coding",
					Usage: "store the file as erasure groups instead of replicas",
				},
			},
			Action: d.cmdPut,
		},
		{
			Name:      "get",
			Usage:     "Downloads a remote file.",
			ArgsUsage: "remote local",
			Action:    d.cmdGet,
		},
		{
			Name:      "delete",
			Usage:     "Deletes a remote file.",
			ArgsUsage: "remote",
			Action:    d.cmdDelete,
		},
		{
			Name:      "list",
			Usage:     "Lists files, optionally under a prefix.",
			ArgsUsage: "[prefix]",
			Action:    d.cmdList,
		},
		{
			Name:      "info",
			Usage:     "Prints a file's metadata and chunk locations.",
			ArgsUsage: "remote",
			Action:    d.cmdInfo,
		},
		{
			Name:   "stats",
			Usage:  "Prints cluster and cache statistics.",
			Action: d.cmdStats,
		},
		{
			Name:      "verbose",
			Usage:     "Toggles verbose logging.",
			ArgsUsage: "on|off",
			Action:    d.cmdVerbose,
		},
		{
			Name:      "cache",
			Usage:     "Prints or sets the chunk cache size.",
			ArgsUsage: "[size MB]",
			Action:    d.cmdCache,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interactive shell.",
			Action: d.cmdShell,
		},
	}

	app.Before = d.setup
	d.app = app
	return d
}

// setup applies global flags and the optional config file before any verb.
func (d *dfsCli) setup(c *cli.Context) error {
	if path := c.GlobalString("config"); path != "" {
		f, err := config.Load(path)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("reading config: %s", err), 1)
		}
		d.cfg.MasterAddr = f.MasterAddr(d.cfg.MasterAddr)
		d.cfg.ChunkSize = f.Int(config.KeyChunkSize, d.cfg.ChunkSize)
		d.cfg.EncryptionEnabled = f.Bool(config.KeyEncryptionEnabled, d.cfg.EncryptionEnabled)
		d.cfg.ErasureCodingEnabled = f.Bool(config.KeyErasureCodingEnabled, d.cfg.ErasureCodingEnabled)
		d.cfg.CacheSizeMB = int(f.Int(config.KeyCacheSizeMB, int64(d.cfg.CacheSizeMB)))
	}
	if addr := c.GlobalString("master"); addr != "" {
		d.cfg.MasterAddr = addr
	}
	if kf := c.GlobalString("keyfile"); kf != "" {
		d.cfg.KeyFilePath = kf
		d.cfg.KeyFilePassword = c.GlobalString("keypassword")
	}
	return nil
}

// getClient builds (or reuses) the connected client.
func (d *dfsCli) getClient() (*client.Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	c, err := client.New(&d.cfg)
	if err != nil {
		return nil, err
	}
	d.client = c
	return c, nil
}

func (d *dfsCli) fail(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if d.inShell {
		fmt.Fprintln(os.Stderr, msg)
		return errors.New(msg)
	}
	return cli.NewExitError(msg, 1)
}

func (d *dfsCli) cmdPut(c *cli.Context) error {
	if c.NArg() != 2 {
		return d.fail("usage: put local remote [--no-encryption] [--erasure-coding]")
	}
	local, remote := c.Args()[0], c.Args()[1]

	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}

	encrypt := d.cfg.EncryptionEnabled && !c.Bool("no-encryption")
	ecode := d.cfg.ErasureCodingEnabled || c.Bool("erasure-coding")

	if cerr := clt.Upload(context.Background(), local, remote, encrypt, ecode, progressBar(remote)); cerr != core.NoError {
		return d.fail("upload of %s failed: %s", local, cerr)
	}
	fmt.Printf("uploaded %s as %s\n", local, remote)
	return nil
}

func (d *dfsCli) cmdGet(c *cli.Context) error {
	if c.NArg() != 2 {
		return d.fail("usage: get remote local")
	}
	remote, local := c.Args()[0], c.Args()[1]

	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}
	if cerr := clt.Download(context.Background(), remote, local, progressBar(remote)); cerr != core.NoError {
		return d.fail("download of %s failed: %s", remote, cerr)
	}
	fmt.Printf("downloaded %s to %s\n", remote, local)
	return nil
}

func (d *dfsCli) cmdDelete(c *cli.Context) error {
	if c.NArg() != 1 {
		return d.fail("usage: delete remote")
	}
	remote := c.Args()[0]

	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}
	if cerr := clt.Delete(context.Background(), remote); cerr != core.NoError {
		return d.fail("delete of %s failed: %s", remote, cerr)
	}
	fmt.Printf("deleted %s\n", remote)
	return nil
}

func (d *dfsCli) cmdList(c *cli.Context) error {
	prefix := ""
	if c.NArg() > 0 {
		prefix = c.Args()[0]
	}

	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}
	files, cerr := clt.List(context.Background(), prefix)
	if cerr != core.NoError {
		return d.fail("list failed: %s", cerr)
	}
	for _, f := range files {
		flags := ""
		if f.Encrypted {
			flags += "E"
		}
		if f.ErasureCoded {
			flags += "C"
		}
		fmt.Printf("%-50s %12d  %-2s  %s\n", f.Filename, f.Size, flags, millisTime(f.ModifiedTime))
	}
	return nil
}

func (d *dfsCli) cmdInfo(c *cli.Context) error {
	if c.NArg() != 1 {
		return d.fail("usage: info remote")
	}
	remote := c.Args()[0]

	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}
	info, cerr := clt.Info(context.Background(), remote)
	if cerr != core.NoError {
		return d.fail("info of %s failed: %s", remote, cerr)
	}

	f := info.Info
	fmt.Printf("file:      %s\n", f.Filename)
	fmt.Printf("id:        %s\n", f.FileID)
	fmt.Printf("size:      %d\n", f.Size)
	fmt.Printf("created:   %s\n", millisTime(f.CreatedTime))
	fmt.Printf("modified:  %s\n", millisTime(f.ModifiedTime))
	fmt.Printf("encrypted: %t\n", f.Encrypted)
	fmt.Printf("erasure:   %t\n", f.ErasureCoded)
	fmt.Printf("chunks:    %d\n", len(info.Chunks))
	for _, ch := range info.Chunks {
		fmt.Printf("  %-60s %10d  %v\n", ch.ChunkID, ch.Size, ch.Addrs)
	}
	return nil
}

func (d *dfsCli) cmdStats(c *cli.Context) error {
	clt, err := d.getClient()
	if err != nil {
		return d.fail("connecting: %s", err)
	}
	st, cerr := clt.Stats(context.Background())
	if cerr != core.NoError {
		return d.fail("stats failed: %s", cerr)
	}

	fmt.Printf("files: %d   chunks: %d   pending tasks: %d\n", st.Cluster.Files, st.Cluster.Chunks, st.Cluster.PendingTasks)
	fmt.Printf("space: %d free of %d\n", st.Cluster.FreeSpace, st.Cluster.TotalSpace)
	fmt.Printf("cache: %d hits, %d misses, %d bytes\n", st.CacheHits, st.CacheMisses, st.CacheBytes)
	for _, s := range st.Cluster.Servers {
		fmt.Printf("  %-14s %-22s healthy=%-5t chunks=%-6d load=%.3f\n", s.ServerID, s.Addr, s.Healthy, s.ChunkCount, s.Load())
	}
	return nil
}

func (d *dfsCli) cmdVerbose(c *cli.Context) error {
	if c.NArg() != 1 || (c.Args()[0] != "on" && c.Args()[0] != "off") {
		return d.fail("usage: verbose {on|off}")
	}
	level := "0"
	if c.Args()[0] == "on" {
		level = "2"
	}
	if err := flag.Lookup("v").Value.Set(level); err != nil {
		return d.fail("setting verbosity: %s", err)
	}
	return nil
}

func (d *dfsCli) cmdCache(c *cli.Context) error {
	if c.NArg() == 0 {
		fmt.Printf("cache size: %d MB\n", d.cfg.CacheSizeMB)
		return nil
	}
	var mb int
	if _, err := fmt.Sscanf(c.Args()[0], "%d", &mb); err != nil || mb < 0 {
		return d.fail("usage: cache [size MB]")
	}
	d.cfg.CacheSizeMB = mb
	if d.client != nil {
		d.client.SetCacheSize(mb)
	}
	fmt.Printf("cache size set to %d MB\n", mb)
	return nil
}

// progressBar logs coarse progress for big transfers.
func progressBar(name string) client.Progress {
	return func(current, total int64) {
		log.V(1).Infof("%s: %d of %d bytes", name, current, total)
	}
}

func main() {
	d := newDfsCli()
	if err := d.app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
