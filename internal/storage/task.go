// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"io"
)

type taskKind uint8

const (
	taskStore taskKind = iota
	taskCommit
	taskRollback
	taskLoad
	taskGC
	taskFileCheck
	taskExport
	taskStats
)

func (k taskKind) String() string {
	switch k {
	case taskStore:
		return "store"
	case taskCommit:
		return "commit"
	case taskRollback:
		return "rollback"
	case taskLoad:
		return "load"
	case taskGC:
		return "gc"
	case taskFileCheck:
		return "file_check"
	case taskExport:
		return "export"
	case taskStats:
		return "stats"
	default:
		return "unknown"
	}
}

// ExportOpener returns the destination for the exported records of a
// channel.
type ExportOpener func(channel int) (io.WriteCloser, error)

// task is one unit of work for a channel.  Only the fields of its kind are
// set.
type task struct {
	kind taskKind
	ctx  context.Context

	records [][]byte // store
	ids     []uint64 // load

	gcTarget uint64 // gc

	exportOpen  ExportOpener // export
	exportTypes map[uint64]bool

	done chan taskResult
}

func newTask(ctx context.Context, kind taskKind) *task {
	return &task{
		kind: kind,
		ctx:  ctx,
		done: make(chan taskResult, 1),
	}
}

// taskResult is the per-channel outcome of a task.
type taskResult struct {
	records [][]byte
	stats   ChannelStats
	export  ExportResult
	err     error
}

// FileStats describes one data file.
type FileStats struct {
	Number      uint64
	TotalLength uint64
	LiveLength  uint64
	Entities    int
}

// ChannelStats describes the state of one channel.
type ChannelStats struct {
	Channel     int
	Entities    int
	MaxObjectID uint64
	LiveLength  uint64
	TotalLength uint64
	Files       []FileStats
}

// ExportResult describes the records one channel exported.
type ExportResult struct {
	Channel  int
	Entities int
	Bytes    int64
}
