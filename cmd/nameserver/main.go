// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codegangsta/cli"
	"github.com/peterh/liner"
	"gopkg.in/yaml.v3"

	log "github.com/golang/glog"

	"github.com/blockfs/blockfs/internal/core"
	"github.com/blockfs/blockfs/internal/memfs"
	"github.com/blockfs/blockfs/internal/nameserver"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from each individual package, e.g.,
      'nameserver.DefaultConfig'.

  (2) An optional configuration file (json or yaml, by extension) can be
      specified via '--serverCfg' / '--fsCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in
      the previous two steps, e.g., '--clientAddr=ZZZ'.

*/

var (
	serverCfg = nameserver.DefaultConfig
	fsCfg     = memfs.DefaultConfig
)

func main() {
	// glog wants flag.Parse; the cli framework owns os.Args.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)

	app := cli.NewApp()
	app.Name = "nameserver"
	app.Usage = "blockfs namespace coordinator"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "serverCfg", Usage: "configuration file for the server"},
		cli.StringFlag{Name: "fsCfg", Usage: "configuration file for the namespace authority"},
		cli.StringFlag{Name: "clientAddr", Usage: "address to listen on for client requests"},
		cli.StringFlag{Name: "nodeAddr", Usage: "address to listen on for storage node traffic"},
		cli.StringFlag{Name: "service", Usage: "federation service id this instance serves"},
		cli.StringFlag{Name: "checkpointFile", Usage: "file durable checkpoints are saved to"},
		cli.IntFlag{Name: "minReplication", Usage: "replicas required before a file may complete"},
		cli.BoolFlag{Name: "safemode", Usage: "start with mutations refused"},
		cli.BoolFlag{Name: "force", Usage: "skip interactive confirmations"},
	}
	app.Action = func(c *cli.Context) error {
		return run(c, startRegular)
	}
	app.Commands = []cli.Command{
		{
			Name:  "format",
			Usage: "format a fresh namespace and exit",
			Action: func(c *cli.Context) error {
				return run(c, startFormat)
			},
		},
		{
			Name:  "upgrade",
			Usage: "start serving with a distributed layout upgrade in progress",
			Action: func(c *cli.Context) error {
				return run(c, startUpgrade)
			},
		},
		{
			Name:  "rollback",
			Usage: "discard the in-progress upgrade and serve from the previous checkpoint",
			Action: func(c *cli.Context) error {
				return run(c, startRollback)
			},
		},
		{
			Name:  "finalize",
			Usage: "finalize the previous upgrade, then serve",
			Action: func(c *cli.Context) error {
				return run(c, startFinalize)
			},
		},
		{
			Name:  "import",
			Usage: "restore the namespace from the last checkpoint, then serve",
			Action: func(c *cli.Context) error {
				return run(c, startImport)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%s", err)
	}
}

// run loads configuration, applies the startup mode, and serves (unless the
// mode is format, which exits after formatting).
func run(c *cli.Context, mode func(*cli.Context, *memfs.MemFS) (serve bool, err error)) error {
	if err := loadConfigs(c); err != nil {
		return err
	}

	fs := memfs.New(fsCfg)
	serve, err := mode(c, fs)
	if err != nil {
		return err
	}
	if !serve {
		fs.Close()
		return nil
	}

	n := nameserver.NewNameserver(serverCfg, fs)
	srv := nameserver.NewServer(n)
	if err := srv.Start(); err != nil {
		return err
	}

	// Shut down cleanly on INT and TERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("received %s, shutting down", s)
		srv.Stop()
	}()

	srv.Wait()
	return nil
}

func startRegular(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if fsCfg.CheckpointFile != "" {
		if err := fs.LoadImage(); err != core.NoError {
			log.Infof("no checkpoint to restore (%s), starting with an empty namespace", err)
		}
	}
	return true, nil
}

func startFormat(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if !confirmed(c, "Re-format the namespace? Existing data becomes unreachable.") {
		return false, fmt.Errorf("format aborted")
	}
	if fsCfg.CheckpointFile != "" {
		// The fresh instance's empty image replaces whatever was there.
		if err := fs.SaveNamespace(true, false); err != core.NoError {
			return false, fmt.Errorf("format failed: %s", err)
		}
	}
	log.Infof("formatted namespace %d", fs.NamespaceInfo().NamespaceID)
	return false, nil
}

func startUpgrade(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if _, err := startRegular(c, fs); err != nil {
		return false, err
	}
	if err := fs.BeginUpgrade(core.LayoutVersion); err != core.NoError {
		return false, fmt.Errorf("upgrade failed: %s", err)
	}
	return true, nil
}

func startRollback(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if !confirmed(c, "Roll back to the previous checkpoint? Changes since then are lost.") {
		return false, fmt.Errorf("rollback aborted")
	}
	if err := fs.LoadImage(); err != core.NoError {
		return false, fmt.Errorf("rollback failed: %s", err)
	}
	return true, nil
}

func startFinalize(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if _, err := startRegular(c, fs); err != nil {
		return false, err
	}
	if err := fs.FinalizeUpgrade(); err != core.NoError && err != core.ErrUpgradeFinalized {
		return false, fmt.Errorf("finalize failed: %s", err)
	}
	return true, nil
}

func startImport(c *cli.Context, fs *memfs.MemFS) (bool, error) {
	if err := fs.LoadImage(); err != core.NoError {
		return false, fmt.Errorf("import failed: %s", err)
	}
	return true, nil
}

// loadConfigs applies the config files and then the flag overrides.
func loadConfigs(c *cli.Context) error {
	if f := c.GlobalString("serverCfg"); f != "" {
		if err := loadConfigFile(f, &serverCfg); err != nil {
			return err
		}
	}
	if f := c.GlobalString("fsCfg"); f != "" {
		if err := loadConfigFile(f, &fsCfg); err != nil {
			return err
		}
	}

	if addr := c.GlobalString("clientAddr"); addr != "" {
		serverCfg.ClientAddr = addr
	}
	if addr := c.GlobalString("nodeAddr"); addr != "" {
		serverCfg.NodeAddr = addr
	}
	if c.GlobalIsSet("service") {
		id := c.GlobalString("service")
		if !validServiceID(id) {
			return fmt.Errorf("invalid service id %q", id)
		}
		serverCfg.ServiceID = id
	}
	if f := c.GlobalString("checkpointFile"); f != "" {
		fsCfg.CheckpointFile = f
	}
	if r := c.GlobalInt("minReplication"); r > 0 {
		fsCfg.MinReplication = r
	}
	if c.GlobalBool("safemode") {
		fsCfg.StartInSafeMode = true
	}
	return nil
}

// loadConfigFile decodes json or yaml, by extension.
func loadConfigFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open the provided config file: %s", err)
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(v)
	default:
		err = json.NewDecoder(f).Decode(v)
	}
	if err != nil {
		return fmt.Errorf("failed to decode the config file %s: %s", path, err)
	}
	return nil
}

// validServiceID rejects federation service ids that could not appear in a
// path or registry key.
func validServiceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/ \t")
}

// confirmed asks the operator to approve a destructive startup mode, unless
// --force was given.
func confirmed(c *cli.Context, prompt string) bool {
	if c.GlobalBool("force") {
		return true
	}
	l := liner.NewLiner()
	defer l.Close()

	for {
		answer, err := l.Prompt(prompt + " (Y or N) ")
		if err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}
