// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bpowers/bitgraph/internal/entity"
)

// TaskBroker splits requests into per-channel tasks, runs them in parallel
// and combines the results in channel order.
type TaskBroker struct {
	channels []*Channel
	monitor  *MarkMonitor
	codec    entity.Codec
	logger   *slog.Logger

	// storeMu serializes stores (and file checks, which write to the same
	// head files) so at most one store is pending per channel.
	storeMu sync.Mutex
}

func newTaskBroker(channels []*Channel, monitor *MarkMonitor, cfg *Config) *TaskBroker {
	return &TaskBroker{
		channels: channels,
		monitor:  monitor,
		codec:    cfg.Codec,
		logger:   cfg.Logger,
	}
}

func (b *TaskBroker) channelOf(objectID uint64) int {
	return int(objectID % uint64(len(b.channels)))
}

// fanOut runs one task per channel for which prepare returns true and waits
// for all of them.  The first failure is returned as a *ChannelError.
func (b *TaskBroker) fanOut(ctx context.Context, kind taskKind, prepare func(channel int, t *task) bool) ([]taskResult, error) {
	results := make([]taskResult, len(b.channels))
	var g errgroup.Group
	for i, c := range b.channels {
		i, c := i, c
		t := newTask(ctx, kind)
		if prepare != nil && !prepare(i, t) {
			continue
		}
		g.Go(func() error {
			results[i] = c.submit(t)
			if err := results[i].err; err != nil {
				return &ChannelError{Channel: i, Err: err}
			}
			return nil
		})
	}
	return results, g.Wait()
}

// Store writes encoded records to their channels.  A failure while writing
// rolls back every channel.  Commits are per channel though: if a commit
// fails after other channels committed, their parts stay and the error
// wraps ErrPartialCommit.
func (b *TaskBroker) Store(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	parts := make([][][]byte, len(b.channels))
	for _, rec := range records {
		h, err := b.codec.DecodeHeader(rec)
		if err != nil {
			return err
		}
		ch := b.channelOf(h.ObjectID)
		parts[ch] = append(parts[ch], rec)
	}
	involved := func(ch int, t *task) bool {
		t.records = parts[ch]
		return len(parts[ch]) > 0
	}

	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	_, err := b.fanOut(ctx, taskStore, involved)
	if err == nil {
		var results []taskResult
		results, err = b.fanOut(context.WithoutCancel(ctx), taskCommit, involved)
		if err == nil {
			return nil
		}
		var committed []int
		for ch, r := range results {
			if len(parts[ch]) > 0 && r.err == nil {
				committed = append(committed, ch)
			}
		}
		b.logger.Error("commit failed, rolling back uncommitted channels", "err", err, "committed", committed)
		if len(committed) > 0 {
			err = fmt.Errorf("%w on channels %v: %w", ErrPartialCommit, committed, err)
		}
	}
	if _, rerr := b.fanOut(context.WithoutCancel(ctx), taskRollback, involved); rerr != nil {
		b.logger.Error("rollback failed", "err", rerr)
		err = errors.Join(err, rerr)
	}
	return fmt.Errorf("store: %w", err)
}

// Load returns the records of ids grouped by channel, in channel order.
func (b *TaskBroker) Load(ctx context.Context, ids []uint64) ([][]byte, error) {
	parts := make([][]uint64, len(b.channels))
	for _, id := range ids {
		ch := b.channelOf(id)
		parts[ch] = append(parts[ch], id)
	}
	results, err := b.fanOut(ctx, taskLoad, func(ch int, t *task) bool {
		t.ids = parts[ch]
		return len(parts[ch]) > 0
	})
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, len(ids))
	for _, r := range results {
		records = append(records, r.records...)
	}
	return records, nil
}

// FullGC runs a complete garbage collection cycle that starts after the
// call and waits until every channel swept it.
func (b *TaskBroker) FullGC(ctx context.Context) error {
	target := b.monitor.requestFull()
	_, err := b.fanOut(ctx, taskGC, func(_ int, t *task) bool {
		t.gcTarget = target
		return true
	})
	return err
}

// FullFileCheck dissolves every file that qualifies.
func (b *TaskBroker) FullFileCheck(ctx context.Context) error {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	_, err := b.fanOut(ctx, taskFileCheck, nil)
	return err
}

// Export writes the live records of every channel (restricted to typeIDs if
// any are given) to the writers open returns.
func (b *TaskBroker) Export(ctx context.Context, open ExportOpener, typeIDs ...uint64) ([]ExportResult, error) {
	var filter map[uint64]bool
	if len(typeIDs) > 0 {
		filter = make(map[uint64]bool, len(typeIDs))
		for _, id := range typeIDs {
			filter[id] = true
		}
	}
	results, err := b.fanOut(ctx, taskExport, func(_ int, t *task) bool {
		t.exportOpen = open
		t.exportTypes = filter
		return true
	})
	exports := make([]ExportResult, len(results))
	for i, r := range results {
		exports[i] = r.export
	}
	return exports, err
}

// Stats collects the statistics of every channel.
func (b *TaskBroker) Stats(ctx context.Context) ([]ChannelStats, error) {
	results, err := b.fanOut(ctx, taskStats, nil)
	if err != nil {
		return nil, err
	}
	stats := make([]ChannelStats, len(results))
	for i, r := range results {
		stats[i] = r.stats
	}
	return stats, nil
}
