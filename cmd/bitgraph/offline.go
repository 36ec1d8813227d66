// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
)

var errGarbageFound = errors.New("data files contain garbage")

// fileReport is the result of scanning one data file in recovery mode.
type fileReport struct {
	Channel     int
	Number      uint64
	Size        int64
	ValidLength int64
	Records     int
	Garbage     []datafile.GarbageRange
	Fingerprint uint64
}

// scanDataFiles scans every data file of every channel and calls fn with
// the open file and its report.
func scanDataFiles(fs datafile.IOHandler, channels int, codec entity.Codec, fingerprint bool, fn func(f datafile.File, r fileReport) error) error {
	bounds := entity.DefaultBounds()
	for ch := 0; ch < channels; ch++ {
		numbers, err := fs.CollectDataFiles(ch)
		if err != nil {
			return err
		}
		for _, n := range numbers {
			f, err := fs.ProvideDataFile(ch, n)
			if err != nil {
				return err
			}
			r, err := scanDataFile(f, codec, bounds, fingerprint)
			if err == nil {
				r.Channel, r.Number = ch, n
				err = fn(f, r)
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func scanDataFile(f datafile.File, codec entity.Codec, bounds entity.Bounds, fingerprint bool) (fileReport, error) {
	var r fileReport
	size, err := f.Size()
	if err != nil {
		return r, err
	}
	r.Size = size
	s, err := datafile.NewScanner(f, codec, bounds, -1, true)
	if err != nil {
		return r, err
	}
	for s.Next() {
		r.Records++
	}
	if err := s.Err(); err != nil {
		return r, err
	}
	r.ValidLength = s.ValidLength()
	r.Garbage = s.Garbage()
	if fingerprint && size > 0 {
		if r.Fingerprint, err = datafile.Fingerprint(f, size); err != nil {
			return r, err
		}
	}
	return r, nil
}

var validateCommand = &cli.Command{
	Name:  "validate",
	Usage: "scan all data files and report byte ranges that aren't valid records",
	Flags: []cli.Flag{
		dirFlag,
		switchByteOrderFlag,
		&cli.BoolFlag{Name: "fingerprint", Usage: "print a content hash per file"},
	},
	Action: func(c *cli.Context) error {
		fs, channels, err := openFiles(c)
		if err != nil {
			return err
		}
		defer fs.Close()
		w := c.App.Writer
		garbage := 0
		err = scanDataFiles(fs, channels, codec(c), c.Bool("fingerprint"), func(_ datafile.File, r fileReport) error {
			fmt.Fprintf(w, "channel %d file %d: %d bytes, %d records", r.Channel, r.Number, r.Size, r.Records)
			if c.Bool("fingerprint") {
				fmt.Fprintf(w, ", fingerprint %016x", r.Fingerprint)
			}
			fmt.Fprintln(w)
			for _, g := range r.Garbage {
				fmt.Fprintf(w, "  garbage at %d (%d bytes): %s\n", g.Offset, g.Length, g.Err)
			}
			garbage += len(r.Garbage)
			return nil
		})
		if err != nil {
			return err
		}
		if garbage > 0 {
			return fmt.Errorf("%w: %d ranges", errGarbageFound, garbage)
		}
		return nil
	},
}

// GarbageFileName names an extracted garbage range.
func GarbageFileName(channel int, number uint64, offset int64) string {
	return fmt.Sprintf("channel_%d_%d_%d.garbage", channel, number, offset)
}

var extractGarbageCommand = &cli.Command{
	Name:  "extract-garbage",
	Usage: "copy every invalid byte range of the data files into its own file",
	Flags: []cli.Flag{
		dirFlag,
		switchByteOrderFlag,
		&cli.StringFlag{Name: "out", Usage: "output directory", Required: true},
	},
	Action: func(c *cli.Context) error {
		fs, channels, err := openFiles(c)
		if err != nil {
			return err
		}
		defer fs.Close()
		out := c.String("out")
		if err := os.MkdirAll(out, 0755); err != nil {
			return fmt.Errorf("os.MkdirAll(%s): %w", out, err)
		}
		return scanDataFiles(fs, channels, codec(c), false, func(f datafile.File, r fileReport) error {
			for _, g := range r.Garbage {
				path := filepath.Join(out, GarbageFileName(r.Channel, r.Number, g.Offset))
				if err := extractRange(f, g, path); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s: %d bytes\n", path, g.Length)
			}
			return nil
		})
	},
}

func extractRange(f datafile.File, g datafile.GarbageRange, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", path, err)
	}
	if _, err := io.Copy(out, io.NewSectionReader(f, g.Offset, g.Length)); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s: %w", path, err)
	}
	return out.Close()
}

func readTxLog(fs datafile.IOHandler, channel int) ([]datafile.Entry, error) {
	f, err := fs.ProvideTransactionsFile(channel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, _, err := datafile.ReadEntries(f)
	return entries, err
}

func formatTimestamp(ts int64) string {
	return time.Unix(0, ts).UTC().Format(time.RFC3339Nano)
}

var txlogCommand = &cli.Command{
	Name:  "txlog",
	Usage: "print the transaction log entries of every channel",
	Flags: []cli.Flag{dirFlag},
	Action: func(c *cli.Context) error {
		fs, channels, err := openFiles(c)
		if err != nil {
			return err
		}
		defer fs.Close()
		for ch := 0; ch < channels; ch++ {
			entries, err := readTxLog(fs, ch)
			if err != nil {
				return fmt.Errorf("channel %d: %w", ch, err)
			}
			for _, e := range entries {
				fmt.Fprintf(c.App.Writer, "%d\t%s\t%s\n", ch, formatTimestamp(e.Timestamp), e)
			}
		}
		return nil
	},
}

// channelRollback undoes the changes a channel logged since a point in time.
type channelRollback struct {
	channel int
	// keep is the number of transaction log entries older than the point.
	keep int
	plan datafile.RollbackPlan
}

func planRollbacks(fs datafile.IOHandler, channels int, since time.Time) ([]channelRollback, error) {
	var rollbacks []channelRollback
	for ch := 0; ch < channels; ch++ {
		entries, err := readTxLog(fs, ch)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		keep := len(entries)
		for keep > 0 && entries[keep-1].Timestamp >= since.UnixNano() {
			keep--
		}
		rollbacks = append(rollbacks, channelRollback{
			channel: ch,
			keep:    keep,
			plan:    datafile.PlanRollback(entries, since.UnixNano()),
		})
	}
	return rollbacks, nil
}

// apply truncates and removes data files per the plan and drops the undone
// entries from the transaction log.  Files deleted since the point can't be
// brought back from here, so such plans are refused.
func (r channelRollback) apply(fs datafile.IOHandler) error {
	if len(r.plan.Restore) > 0 {
		return fmt.Errorf("channel %d: files %v were deleted since; restore them from the deletion directory first", r.channel, r.plan.Restore)
	}
	numbers := make([]uint64, 0, len(r.plan.Truncate))
	for n := range r.plan.Truncate {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for _, n := range numbers {
		if err := truncateFile(fs, r.channel, n, int64(r.plan.Truncate[n])); err != nil {
			return err
		}
	}
	for _, n := range r.plan.Remove {
		f, err := fs.ProvideDataFile(r.channel, n)
		if err != nil {
			return err
		}
		if err := f.Delete(); err != nil {
			return err
		}
	}
	f, err := fs.ProvideTransactionsFile(r.channel)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(int64(r.keep) * datafile.EntrySize); err != nil {
		return err
	}
	return f.Flush()
}

func truncateFile(fs datafile.IOHandler, channel int, number uint64, length int64) error {
	f, err := fs.ProvideDataFile(channel, number)
	if err != nil {
		return err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return err
	}
	if size <= length {
		return nil
	}
	if err := f.Truncate(length); err != nil {
		return err
	}
	return f.Flush()
}

var rollbackCommand = &cli.Command{
	Name:  "rollback",
	Usage: "undo all data file changes logged since a point in time",
	Flags: []cli.Flag{
		dirFlag,
		&cli.StringFlag{Name: "since", Usage: "RFC 3339 timestamp", Required: true},
		&cli.BoolFlag{Name: "apply", Usage: "change the files instead of only printing the plan"},
	},
	Action: func(c *cli.Context) error {
		since, err := time.Parse(time.RFC3339Nano, c.String("since"))
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		fs, channels, err := openFiles(c)
		if err != nil {
			return err
		}
		defer fs.Close()
		rollbacks, err := planRollbacks(fs, channels, since)
		if err != nil {
			return err
		}
		w := c.App.Writer
		for _, r := range rollbacks {
			fmt.Fprintf(w, "channel %d: keep %d log entries, truncate %v, remove %v, restore %v\n",
				r.channel, r.keep, r.plan.Truncate, r.plan.Remove, r.plan.Restore)
		}
		if !c.Bool("apply") {
			return nil
		}
		for _, r := range rollbacks {
			if err := r.apply(fs); err != nil {
				return err
			}
		}
		fmt.Fprintln(w, "applied")
		return nil
	},
}
