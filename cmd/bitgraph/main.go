// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command bitgraph inspects and maintains bitgraph storage directories.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/bpowers/bitgraph"
	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
)

var Version = "development"

var (
	dirFlag = &cli.StringFlag{
		Name:     "dir",
		Aliases:  []string{"d"},
		Usage:    "storage directory",
		Required: true,
	}
	channelsFlag = &cli.IntFlag{
		Name:  "channels",
		Usage: "channel count of a new storage; existing storages are detected",
		Value: bitgraph.DefaultConfiguration().ChannelCount,
	}
	switchByteOrderFlag = &cli.BoolFlag{
		Name:  "switch-byte-order",
		Usage: "records use the non-native byte order",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log at debug level",
	}
)

func logger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.Bool(verboseFlag.Name) {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func codec(c *cli.Context) entity.Codec {
	return entity.NewCodec(c.Bool(switchByteOrderFlag.Name))
}

// channelCount returns the number of channel directories below dir, or
// fallback if there are none.
func channelCount(dir string, fallback int) int {
	n := 0
	for {
		if _, err := os.Stat(filepath.Join(dir, datafile.ChannelDirName(n))); err != nil {
			break
		}
		n++
	}
	if n == 0 {
		return fallback
	}
	return n
}

// openStorage opens the storage in dir for online commands.
func openStorage(c *cli.Context) (*bitgraph.Storage, error) {
	dir := c.String(dirFlag.Name)
	cfg := bitgraph.DefaultConfiguration()
	fallback := c.Int(channelsFlag.Name)
	if fallback == 0 {
		fallback = bitgraph.DefaultConfiguration().ChannelCount
	}
	cfg.ChannelCount = channelCount(dir, fallback)
	cfg.SwitchByteOrder = c.Bool(switchByteOrderFlag.Name)
	return bitgraph.Open(dir, bitgraph.WithConfiguration(cfg), bitgraph.WithLogger(logger(c)))
}

// openFiles locks dir for offline commands and returns the channel count.
func openFiles(c *cli.Context) (*datafile.LocalFS, int, error) {
	dir := c.String(dirFlag.Name)
	if _, err := os.Stat(dir); err != nil {
		return nil, 0, fmt.Errorf("storage directory: %w", err)
	}
	fs, err := datafile.OpenLocalFS(dir)
	if err != nil {
		return nil, 0, err
	}
	return fs, channelCount(dir, 0), nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "bitgraph",
		Usage:   "inspect and maintain bitgraph storages",
		Version: Version,
		Flags:   []cli.Flag{verboseFlag},
		Commands: []*cli.Command{
			validateCommand,
			extractGarbageCommand,
			txlogCommand,
			rollbackCommand,
			gcCommand,
			statsCommand,
			exportCommand,
			genTestdataCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bitgraph: %s\n", err)
		os.Exit(1)
	}
}
