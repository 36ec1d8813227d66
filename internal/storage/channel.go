// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bpowers/bitgraph/internal/metrics"
)

// Channel is one independent partition of the storage: a goroutine owning
// an entity cache and the data files of the objects with
// objectID % channelCount == index.  All its state is touched by that
// goroutine only; other goroutines talk to it through tasks.
type Channel struct {
	index   int
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	monitor *MarkMonitor
	cache   *entityCache
	files   *fileManager

	tasks    chan *task
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	closeErr error
}

func newChannel(index int, cfg *Config, monitor *MarkMonitor) *Channel {
	cache := newEntityCache(index, cfg, monitor)
	return &Channel{
		index:   index,
		cfg:     cfg,
		logger:  cfg.Logger.With("channel", index),
		metrics: cfg.Metrics,
		monitor: monitor,
		cache:   cache,
		files:   newFileManager(index, cfg, cache),
		tasks:   make(chan *task),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Index() int {
	return c.index
}

func (c *Channel) IsRunning() bool {
	return c.running.Load()
}

func (c *Channel) start() {
	c.running.Store(true)
	go c.run()
}

// close stops the goroutine, waits for it and releases the files.
func (c *Channel) close() error {
	if !c.running.Load() {
		// never started
		select {
		case <-c.done:
		default:
			close(c.done)
			c.closeErr = c.files.close()
		}
		return c.closeErr
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return c.closeErr
}

// submit hands t to the channel and waits for its result.  Once accepted, a
// task always runs to completion; cancellation is up to the task itself.
func (c *Channel) submit(t *task) taskResult {
	select {
	case c.tasks <- t:
	case <-c.done:
		return taskResult{err: ErrShutdown}
	case <-t.ctx.Done():
		return taskResult{err: t.ctx.Err()}
	}
	return <-t.done
}

func (c *Channel) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.running.Store(false)
			c.closeErr = c.files.close()
			return
		case t := <-c.tasks:
			c.execute(t)
		case <-ticker.C:
			c.housekeep()
		case <-c.monitor.signal(c.index):
			c.collectGarbage()
		}
	}
}

func (c *Channel) execute(t *task) {
	start := time.Now()
	var r taskResult
	// commits and rollbacks must run even if the caller gave up
	if err := t.ctx.Err(); err != nil && t.kind != taskCommit && t.kind != taskRollback {
		r.err = err
	} else {
		switch t.kind {
		case taskStore:
			r.err = c.files.store(t.records)
		case taskCommit:
			r.err = c.files.commit()
		case taskRollback:
			r.err = c.files.rollback()
		case taskLoad:
			r.records, r.err = c.load(t.ids)
		case taskGC:
			r.err = c.fullGC(t)
		case taskFileCheck:
			r.err = c.fullFileCheck(t)
		case taskExport:
			r.export, r.err = c.export(t)
		case taskStats:
			r.stats = c.stats()
		default:
			r.err = fmt.Errorf("unknown task kind %d", t.kind)
		}
	}
	c.metrics.ObserveTask(c.index, t.kind.String(), time.Since(start), r.err)
	t.done <- r
}

// housekeep runs one time-budgeted slice of garbage collection and file
// dissolution.  It does nothing between the two phases of a store.
func (c *Channel) housekeep() {
	if c.files.storePending() {
		return
	}
	c.collectGarbage()

	deadline := time.Now().Add(c.cfg.FileCheckTimeBudget)
	if _, err := c.files.check(context.Background(), deadline); err != nil {
		c.logger.Warn("file check failed", "err", err)
		c.metrics.HousekeepingFailed(c.index, "file_check")
	}
	c.publishSizes()
}

func (c *Channel) collectGarbage() {
	if err := c.cache.collect(c.cfg.GarbageCollectionTimeBudget); err != nil {
		c.logger.Warn("garbage collection slice failed", "err", err)
		c.metrics.HousekeepingFailed(c.index, "gc")
	}
}

func (c *Channel) publishSizes() {
	live, total := c.files.sizes()
	c.metrics.SetChannelSizes(c.index, c.cache.len(), live, total)
}

func (c *Channel) load(ids []uint64) ([][]byte, error) {
	records := make([][]byte, 0, len(ids))
	for _, id := range ids {
		rec, err := c.files.read(id)
		if err != nil {
			return nil, err
		}
		records = append(records, append([]byte(nil), rec...))
	}
	return records, nil
}

// fullGC collects until the cycle requested by the broker is swept here.
func (c *Channel) fullGC(t *task) error {
	for {
		if err := c.cache.collect(0); err != nil {
			return err
		}
		if c.cache.sweptEpoch >= t.gcTarget {
			return nil
		}
		select {
		case <-c.monitor.signal(c.index):
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-c.stop:
			return ErrShutdown
		}
	}
}

// fullFileCheck checks every file without a time limit.
func (c *Channel) fullFileCheck(t *task) error {
	if c.files.storePending() {
		return ErrStorePending
	}
	done, err := c.files.check(t.ctx, time.Time{})
	if err != nil {
		return err
	}
	if !done {
		return errors.New("file check did not finish")
	}
	c.publishSizes()
	return nil
}

func (c *Channel) export(t *task) (ExportResult, error) {
	res := ExportResult{Channel: c.index}
	w, err := t.exportOpen(c.index)
	if err != nil {
		return res, err
	}
	bw := bufio.NewWriter(w)
	for _, it := range c.cache.sorted() {
		if t.exportTypes != nil && !t.exportTypes[it.typeID] {
			continue
		}
		if err := t.ctx.Err(); err != nil {
			_ = w.Close()
			return res, err
		}
		rec, err := c.cache.record(it)
		if err != nil {
			_ = w.Close()
			return res, err
		}
		n, err := bw.Write(rec)
		res.Bytes += int64(n)
		if err != nil {
			_ = w.Close()
			return res, err
		}
		res.Entities++
	}
	if err := bw.Flush(); err != nil {
		_ = w.Close()
		return res, err
	}
	return res, w.Close()
}

func (c *Channel) stats() ChannelStats {
	live, total := c.files.sizes()
	s := ChannelStats{
		Channel:     c.index,
		Entities:    c.cache.len(),
		MaxObjectID: c.cache.maxObjectID,
		LiveLength:  live,
		TotalLength: total,
		Files:       make([]FileStats, 0, len(c.files.files)),
	}
	for _, f := range c.files.files {
		s.Files = append(s.Files, FileStats{
			Number:      f.number,
			TotalLength: f.totalLength,
			LiveLength:  f.liveLength,
			Entities:    len(f.items),
		})
	}
	return s
}
