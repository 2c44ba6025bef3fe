// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
)

// cmdShell runs the interactive interpreter: one verb per line, shell-style
// quoting, history, and command completion.
func (d *dfsCli) cmdShell(c *cli.Context) error {
	d.inShell = true
	defer func() { d.inShell = false }()

	// Make cli not exit the process on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, cmd := range d.app.Commands {
			if strings.HasPrefix(cmd.Name, prefix) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(dfs) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return nil
		}

		// shlex splits the line with shell-style quoting rules.
		args, err := shlex.Split(input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}

		if d.runCommand(args...) == nil {
			line.AppendHistory(input)
		}
	}
}

// runCommand dispatches one shell line through the cli app.
func (d *dfsCli) runCommand(args ...string) error {
	full := append([]string{d.app.Name}, args...)
	err := d.app.Run(full)
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return err
}

func millisTime(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
