// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bpowers/bitgraph/internal/entity"
)

// Engine is a running set of channels.
type Engine struct {
	cfg      Config
	monitor  *MarkMonitor
	channels []*Channel
	broker   *TaskBroker

	closeOnce sync.Once
	closeErr  error
}

// Start initializes every channel from cfg.IO in parallel and starts their
// goroutines.  An empty storage gets an empty roots entity.
func Start(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		monitor: newMarkMonitor(cfg.ChannelCount),
	}
	m := cfg.Metrics
	e.monitor.onCycleCompleted = func(uint64) { m.GCCycleCompleted() }
	e.channels = make([]*Channel, cfg.ChannelCount)
	for i := range e.channels {
		e.channels[i] = newChannel(i, &e.cfg, e.monitor)
	}

	var g errgroup.Group
	for _, c := range e.channels {
		c := c
		g.Go(func() error {
			if err := c.files.initialize(); err != nil {
				return &ChannelError{Channel: c.index, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(fmt.Errorf("initializing channels: %w", err), e.closeChannels())
	}
	if err := e.ensureRoots(); err != nil {
		return nil, errors.Join(err, e.closeChannels())
	}

	for _, c := range e.channels {
		c.start()
		c.publishSizes()
	}
	e.broker = newTaskBroker(e.channels, e.monitor, &e.cfg)
	if cfg.GarbageCollectAtStartup {
		if err := e.broker.FullGC(context.Background()); err != nil {
			return nil, errors.Join(fmt.Errorf("startup garbage collection: %w", err), e.Close())
		}
	}
	e.cfg.Logger.Info("storage started", "channels", cfg.ChannelCount, "entities", e.entityCount())
	return e, nil
}

// ensureRoots stores an empty roots entity into a new storage.  Any other
// storage without one is corrupt.
func (e *Engine) ensureRoots() error {
	root := e.channels[rootChannel(len(e.channels))]
	if _, ok := root.cache.lookup(entity.RootsObjectID); ok {
		return nil
	}
	if e.entityCount() > 0 {
		return ErrRootMissing
	}
	payload := e.cfg.Codec.NewPayloadWriter().References(nil).Payload()
	rec, err := e.cfg.Codec.Encode(entity.RootsObjectID, entity.RootsTypeID, payload)
	if err != nil {
		return err
	}
	if err := root.files.store([][]byte{rec}); err != nil {
		return errors.Join(err, root.files.rollback())
	}
	return root.files.commit()
}

func (e *Engine) entityCount() int {
	n := 0
	for _, c := range e.channels {
		n += c.cache.len()
	}
	return n
}

func (e *Engine) Broker() *TaskBroker {
	return e.broker
}

func (e *Engine) ChannelCount() int {
	return len(e.channels)
}

// MaxObjectID returns the highest object id found in any channel.
func (e *Engine) MaxObjectID(ctx context.Context) (uint64, error) {
	stats, err := e.broker.Stats(ctx)
	if err != nil {
		return 0, err
	}
	var highest uint64
	for _, s := range stats {
		if s.MaxObjectID > highest {
			highest = s.MaxObjectID
		}
	}
	return highest, nil
}

// Close stops all channels.  It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.closeChannels()
		e.cfg.Logger.Info("storage stopped")
	})
	return e.closeErr
}

func (e *Engine) closeChannels() error {
	var wg sync.WaitGroup
	errs := make([]error, len(e.channels))
	for i, c := range e.channels {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.close(); err != nil {
				errs[i] = &ChannelError{Channel: i, Err: err}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
