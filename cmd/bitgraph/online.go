// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/urfave/cli/v2"

	"github.com/bpowers/bitgraph"
)

func printStats(w io.Writer, stats []bitgraph.ChannelStats) {
	for _, s := range stats {
		fmt.Fprintf(w, "channel %d: %d entities, max object id %d, %d/%d live bytes in %d files\n",
			s.Channel, s.Entities, s.MaxObjectID, s.LiveLength, s.TotalLength, len(s.Files))
		for _, f := range s.Files {
			fmt.Fprintf(w, "  file %d: %d entities, %d/%d live bytes\n", f.Number, f.Entities, f.LiveLength, f.TotalLength)
		}
	}
}

var gcCommand = &cli.Command{
	Name:  "gc",
	Usage: "run a full garbage collection and file check",
	Flags: []cli.Flag{dirFlag, switchByteOrderFlag},
	Action: func(c *cli.Context) error {
		s, err := openStorage(c)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := c.Context
		if err := s.IssueFullGC(ctx); err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		if err := s.IssueFullFileCheck(ctx); err != nil {
			return fmt.Errorf("file check: %w", err)
		}
		stats, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(c.App.Writer, stats)
		return s.Close()
	},
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print per-channel and per-file statistics",
	Flags: []cli.Flag{dirFlag, switchByteOrderFlag},
	Action: func(c *cli.Context) error {
		s, err := openStorage(c)
		if err != nil {
			return err
		}
		defer s.Close()
		stats, err := s.Stats(c.Context)
		if err != nil {
			return err
		}
		printStats(c.App.Writer, stats)
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "write the live records of every channel into one file per channel",
	Flags: []cli.Flag{
		dirFlag,
		switchByteOrderFlag,
		&cli.StringFlag{Name: "out", Usage: "output directory", Required: true},
		&cli.StringSliceFlag{Name: "type", Usage: "only export entities of this type name"},
	},
	Action: func(c *cli.Context) error {
		s, err := openStorage(c)
		if err != nil {
			return err
		}
		defer s.Close()
		var typeIDs []uint64
		for _, name := range c.StringSlice("type") {
			t, ok := s.Type(name)
			if !ok {
				return fmt.Errorf("%w: %q", bitgraph.ErrUnknownType, name)
			}
			typeIDs = append(typeIDs, t.ID)
		}
		results, err := s.Export(c.Context, c.String("out"), typeIDs...)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Fprintf(c.App.Writer, "%s: %d entities, %d bytes\n", bitgraph.ExportFileName(r.Channel), r.Entities, r.Bytes)
		}
		return nil
	},
}

const testdataTypeName = "bitgraph.testdata.Node"

// genTestdata stores n random nodes.  Every node references up to three
// nodes created before it and about a tenth of them are roots, so a part of
// the graph is garbage right away.
func genTestdata(ctx context.Context, s *bitgraph.Storage, n int, rng *rand.Rand) error {
	typ, err := s.RegisterType(testdataTypeName,
		bitgraph.Field{Name: "value", Kind: bitgraph.KindUint64},
		bitgraph.Field{Name: "label", Kind: bitgraph.KindBytes},
		bitgraph.Field{Name: "children", Kind: bitgraph.KindReferences},
	)
	if err != nil {
		return err
	}
	roots, err := s.Roots(ctx)
	if err != nil {
		return err
	}

	const batchSize = 1000
	ids := make([]uint64, 0, n)
	batch := make([]bitgraph.Entity, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.Store(ctx, append(batch, s.RootsEntity(roots...))...)
		batch = batch[:0]
		return err
	}
	for i := 0; i < n; i++ {
		id := s.NewObjectID()
		var children []uint64
		if len(ids) > 0 {
			for j := rng.Intn(4); j > 0; j-- {
				children = append(children, ids[rng.Intn(len(ids))])
			}
		}
		label := make([]byte, 8+rng.Intn(56))
		rng.Read(label)
		payload := s.Codec().NewPayloadWriter().
			Uint64(rng.Uint64()).
			Bytes(label).
			References(children).
			Payload()
		batch = append(batch, bitgraph.Entity{ObjectID: id, TypeID: typ.ID, Payload: payload})
		ids = append(ids, id)
		if rng.Intn(10) == 0 {
			roots = append(roots, id)
		}
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

var genTestdataCommand = &cli.Command{
	Name:  "gen-testdata",
	Usage: "fill a storage with a random object graph",
	Flags: []cli.Flag{
		dirFlag,
		channelsFlag,
		switchByteOrderFlag,
		&cli.IntFlag{Name: "count", Usage: "number of entities", Value: 100_000},
		&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1},
	},
	Action: func(c *cli.Context) error {
		s, err := openStorage(c)
		if err != nil {
			return err
		}
		defer s.Close()
		rng := rand.New(rand.NewSource(c.Int64("seed")))
		if err := genTestdata(c.Context, s, c.Int("count"), rng); err != nil {
			return err
		}
		stats, err := s.Stats(c.Context)
		if err != nil {
			return err
		}
		printStats(c.App.Writer, stats)
		return s.Close()
	},
}
