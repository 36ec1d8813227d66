// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
	"github.com/bpowers/bitgraph/internal/metrics"
)

const (
	DefaultChannelCount                = 1
	DefaultHousekeepingInterval        = time.Second
	DefaultGarbageCollectionTimeBudget = 10 * time.Millisecond
	DefaultFileCheckTimeBudget         = 10 * time.Millisecond
	DefaultDataFileMinimumSize         = 1 * 1024 * 1024
	DefaultDataFileMaximumSize         = 8 * 1024 * 1024
	DefaultDataFileMinimumUseRatio     = 0.75
	DefaultEntityCacheMaxEntries       = 100_000

	maxChannelCount = 1024
)

// Config holds everything an Engine needs.  Zero values are replaced by
// defaults in Start, except for IO which is required.
type Config struct {
	IO       datafile.IOHandler
	Registry *entity.Registry
	Codec    entity.Codec
	Bounds   entity.Bounds
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	ChannelCount int

	// HousekeepingInterval is the pause between housekeeping slices of a channel.
	HousekeepingInterval time.Duration
	// GarbageCollectionTimeBudget bounds the marking work of one slice.
	GarbageCollectionTimeBudget time.Duration
	// FileCheckTimeBudget bounds the file dissolution work of one slice.
	FileCheckTimeBudget time.Duration

	// Files outside [DataFileMinimumSize, DataFileMaximumSize] or with a live
	// ratio below DataFileMinimumUseRatio are dissolved.
	DataFileMinimumSize     uint64
	DataFileMaximumSize     uint64
	DataFileMinimumUseRatio float64
	// DataFileCleanupHeadFile allows dissolving the current head file.
	DataFileCleanupHeadFile bool

	// TransferBytesPerSecond limits dissolution throughput; 0 is unlimited.
	TransferBytesPerSecond int

	// EntityCacheMaxEntries bounds the cached records per channel.
	EntityCacheMaxEntries int

	// GarbageCollectAtStartup runs a full garbage collection in Start.
	// Sweeps aren't logged, so a restart otherwise brings back what the
	// previous session swept until the first cycle completes.
	GarbageCollectAtStartup bool
}

func (c *Config) setDefaults() {
	if c.Registry == nil {
		c.Registry = entity.NewRegistry()
	}
	if c.Bounds == (entity.Bounds{}) {
		c.Bounds = entity.DefaultBounds()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.ChannelCount == 0 {
		c.ChannelCount = DefaultChannelCount
	}
	if c.HousekeepingInterval == 0 {
		c.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if c.GarbageCollectionTimeBudget == 0 {
		c.GarbageCollectionTimeBudget = DefaultGarbageCollectionTimeBudget
	}
	if c.FileCheckTimeBudget == 0 {
		c.FileCheckTimeBudget = DefaultFileCheckTimeBudget
	}
	if c.DataFileMinimumSize == 0 {
		c.DataFileMinimumSize = DefaultDataFileMinimumSize
	}
	if c.DataFileMaximumSize == 0 {
		c.DataFileMaximumSize = DefaultDataFileMaximumSize
	}
	if c.DataFileMinimumUseRatio == 0 {
		c.DataFileMinimumUseRatio = DefaultDataFileMinimumUseRatio
	}
	if c.EntityCacheMaxEntries == 0 {
		c.EntityCacheMaxEntries = DefaultEntityCacheMaxEntries
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.IO == nil {
		return fmt.Errorf("%w: no IOHandler", ErrInvalidConfig)
	}
	if c.ChannelCount < 1 || c.ChannelCount > maxChannelCount {
		return fmt.Errorf("%w: channel count %d outside [1, %d]", ErrInvalidConfig, c.ChannelCount, maxChannelCount)
	}
	if c.HousekeepingInterval < 0 || c.GarbageCollectionTimeBudget < 0 || c.FileCheckTimeBudget < 0 {
		return fmt.Errorf("%w: negative housekeeping durations", ErrInvalidConfig)
	}
	if c.DataFileMinimumSize > c.DataFileMaximumSize {
		return fmt.Errorf("%w: data file minimum size %d above maximum %d", ErrInvalidConfig, c.DataFileMinimumSize, c.DataFileMaximumSize)
	}
	if c.DataFileMinimumUseRatio < 0 || c.DataFileMinimumUseRatio > 1 {
		return fmt.Errorf("%w: data file use ratio %f outside [0, 1]", ErrInvalidConfig, c.DataFileMinimumUseRatio)
	}
	if c.TransferBytesPerSecond < 0 {
		return fmt.Errorf("%w: negative transfer rate", ErrInvalidConfig)
	}
	if c.EntityCacheMaxEntries < 0 {
		return fmt.Errorf("%w: negative entity cache size", ErrInvalidConfig)
	}
	if err := c.Bounds.Check(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}
