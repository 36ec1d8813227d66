// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitgraph

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bpowers/bitgraph/internal/entity"
	"github.com/bpowers/bitgraph/internal/storage"
	"github.com/bpowers/bitgraph/lazy"
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// Configuration holds the tunables of a Storage.  Start from
// DefaultConfiguration and adjust what you need.
type Configuration struct {
	// ChannelCount is the number of partitions; it can't change for an
	// existing storage.
	ChannelCount int

	HousekeepingInterval        time.Duration
	GarbageCollectionTimeBudget time.Duration
	FileCheckTimeBudget         time.Duration

	DataFileMinimumSize     uint64
	DataFileMaximumSize     uint64
	DataFileMinimumUseRatio float64
	DataFileCleanupHeadFile bool

	// DeletionDirectory, if set, receives dissolved data files instead of
	// them being removed.
	DeletionDirectory string

	// TransferBytesPerSecond limits file dissolution; 0 is unlimited.
	TransferBytesPerSecond int

	EntityCacheMaxEntries int

	// GarbageCollectAtStartup makes Open run a full garbage collection
	// before returning.  Sweeps aren't logged, so without it entities
	// swept before the last close are readable until the first cycle of
	// the new session finishes.
	GarbageCollectAtStartup bool

	// SwitchByteOrder stores records in the non-native byte order.
	SwitchByteOrder bool
	Bounds          entity.Bounds

	LazyTimeout       time.Duration
	LazyCheckInterval time.Duration
	LazyTimeBudget    time.Duration
}

// DefaultConfiguration returns the configuration Open uses unless told otherwise.
func DefaultConfiguration() Configuration {
	return Configuration{
		ChannelCount:                storage.DefaultChannelCount,
		HousekeepingInterval:        storage.DefaultHousekeepingInterval,
		GarbageCollectionTimeBudget: storage.DefaultGarbageCollectionTimeBudget,
		FileCheckTimeBudget:         storage.DefaultFileCheckTimeBudget,
		DataFileMinimumSize:         storage.DefaultDataFileMinimumSize,
		DataFileMaximumSize:         storage.DefaultDataFileMaximumSize,
		DataFileMinimumUseRatio:     storage.DefaultDataFileMinimumUseRatio,
		EntityCacheMaxEntries:       storage.DefaultEntityCacheMaxEntries,
		GarbageCollectAtStartup:     true,
		Bounds:                      entity.DefaultBounds(),
		LazyTimeout:                 lazy.DefaultTimeout,
		LazyCheckInterval:           lazy.DefaultCheckInterval,
		LazyTimeBudget:              lazy.DefaultTimeBudget,
	}
}

// Validate reports the first unusable setting.
func (c Configuration) Validate() error {
	switch {
	case c.ChannelCount < 1:
		return fmt.Errorf("%w: channel count %d", ErrInvalidConfiguration, c.ChannelCount)
	case c.HousekeepingInterval <= 0:
		return fmt.Errorf("%w: housekeeping interval %s", ErrInvalidConfiguration, c.HousekeepingInterval)
	case c.GarbageCollectionTimeBudget < 0 || c.FileCheckTimeBudget < 0:
		return fmt.Errorf("%w: negative time budget", ErrInvalidConfiguration)
	case c.DataFileMinimumSize > c.DataFileMaximumSize:
		return fmt.Errorf("%w: data file minimum size %d above maximum %d", ErrInvalidConfiguration, c.DataFileMinimumSize, c.DataFileMaximumSize)
	case c.DataFileMinimumUseRatio < 0 || c.DataFileMinimumUseRatio > 1:
		return fmt.Errorf("%w: data file use ratio %f", ErrInvalidConfiguration, c.DataFileMinimumUseRatio)
	case c.TransferBytesPerSecond < 0:
		return fmt.Errorf("%w: negative transfer rate", ErrInvalidConfiguration)
	case c.EntityCacheMaxEntries < 0:
		return fmt.Errorf("%w: negative entity cache size", ErrInvalidConfiguration)
	case c.LazyTimeout <= 0 || c.LazyCheckInterval <= 0 || c.LazyTimeBudget < 0:
		return fmt.Errorf("%w: lazy reference timings", ErrInvalidConfiguration)
	}
	if err := c.Bounds.Check(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, err)
	}
	return nil
}

func (c Configuration) storageConfig() storage.Config {
	return storage.Config{
		Bounds:                      c.Bounds,
		ChannelCount:                c.ChannelCount,
		HousekeepingInterval:        c.HousekeepingInterval,
		GarbageCollectionTimeBudget: c.GarbageCollectionTimeBudget,
		FileCheckTimeBudget:         c.FileCheckTimeBudget,
		DataFileMinimumSize:         c.DataFileMinimumSize,
		DataFileMaximumSize:         c.DataFileMaximumSize,
		DataFileMinimumUseRatio:     c.DataFileMinimumUseRatio,
		DataFileCleanupHeadFile:     c.DataFileCleanupHeadFile,
		TransferBytesPerSecond:      c.TransferBytesPerSecond,
		EntityCacheMaxEntries:       c.EntityCacheMaxEntries,
		GarbageCollectAtStartup:     c.GarbageCollectAtStartup,
	}
}

// Option configures Open.
type Option func(*options)

type options struct {
	cfg        Configuration
	logger     *slog.Logger
	registerer prometheus.Registerer
}

func defaultOptions() options {
	return options{
		cfg:    DefaultConfiguration(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithConfiguration replaces the whole configuration.
func WithConfiguration(cfg Configuration) Option {
	return func(opts *options) {
		opts.cfg = cfg
	}
}

func WithChannelCount(n int) Option {
	return func(opts *options) {
		opts.cfg.ChannelCount = n
	}
}

func WithHousekeepingInterval(d time.Duration) Option {
	return func(opts *options) {
		opts.cfg.HousekeepingInterval = d
	}
}

func WithDeletionDirectory(dir string) Option {
	return func(opts *options) {
		opts.cfg.DeletionDirectory = dir
	}
}

// WithLazyTimeout sets how long a loaded lazy reference may stay untouched.
func WithLazyTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.cfg.LazyTimeout = d
	}
}

// WithLogger sets an optional logger.  If not provided, no logging output
// will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithRegisterer registers the storage's metrics with reg.  By default they
// go into a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(opts *options) {
		opts.registerer = reg
	}
}
