// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"time"

	"github.com/bpowers/bitgraph/internal/entity"
)

// check the clock every this many scanned items
const markClockInterval = 64

// mark runs the mark phase on this channel until the local work is gone or
// the deadline passes.  A zero deadline means no limit.  Entries that fail
// to scan stay grey and are retried by the next slice.
func (c *entityCache) mark(deadline time.Time) error {
	epoch, phase := c.monitor.state()
	if phase != phaseMarking {
		return nil
	}
	c.markEpoch = epoch

	var created, done int64
	forwards := make(map[int][]uint64)
	defer func() {
		for target, ids := range forwards {
			c.monitor.forward(epoch, target, ids)
		}
		c.monitor.report(epoch, created-done)
	}()

	for _, id := range c.monitor.takeInbox(c.channel) {
		it, ok := c.items[id]
		if !ok {
			if id == entity.RootsObjectID {
				panic("invariant broken: roots entity is not in the entity cache")
			}
			// dangling reference
			done++
			continue
		}
		if it.epoch == epoch {
			done++
			continue
		}
		// the credit of the inbox entry moves to the queue
		it.epoch = epoch
		it.queued = true
		c.queue.push(it)
	}

	for n := 0; c.queue.len() > 0; n++ {
		if n%markClockInterval == 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		it := c.queue.peek()
		if err := c.scan(it, epoch, forwards, &created); err != nil {
			return err
		}
		c.queue.pop()
		it.queued = false
		done++
	}
	return nil
}

// scan colors everything it references grey.
func (c *entityCache) scan(it *item, epoch uint64, forwards map[int][]uint64, created *int64) error {
	t, ok := c.registry.Lookup(it.typeID)
	if !ok {
		return fmt.Errorf("%w: type %d of object %d", entity.ErrUnknownType, it.typeID, it.objectID)
	}
	if !t.HasReferences() {
		return nil
	}
	record, err := c.record(it)
	if err != nil {
		return err
	}
	return t.References(c.codec, record[entity.HeaderSize:], func(ref uint64) {
		if owner := int(ref % uint64(c.channelCount)); owner != c.channel {
			forwards[owner] = append(forwards[owner], ref)
			return
		}
		child, ok := c.items[ref]
		if !ok || child.epoch == epoch {
			return
		}
		child.epoch = epoch
		child.queued = true
		c.queue.push(child)
		*created++
	})
}

// sweep removes the entities not reached by the finished cycle, if this
// channel hasn't done so yet.  It returns the number of removed entities.
func (c *entityCache) sweep() int {
	epoch, phase := c.monitor.state()
	if phase != phaseSweeping || c.sweptEpoch >= epoch {
		return 0
	}
	if c.queue.len() != 0 {
		panic("invariant broken: grey entries left after marking completed")
	}
	removed := 0
	for id, it := range c.items {
		if it.epoch == epoch {
			continue
		}
		if id == entity.RootsObjectID {
			panic("invariant broken: roots entity was not reached")
		}
		c.remove(it)
		removed++
	}
	c.sweptEpoch = epoch
	c.metrics.Swept(c.channel, removed)
	if removed > 0 {
		c.logger.Debug("swept unreachable entities", "epoch", epoch, "removed", removed)
	}
	c.monitor.markSwept(c.channel, epoch)
	return removed
}

// collect runs one bounded garbage collection slice: it may begin a cycle,
// marks, and sweeps a completed cycle.
func (c *entityCache) collect(budget time.Duration) error {
	c.monitor.tryBeginCycle()
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	err := c.mark(deadline)
	c.sweep()
	return err
}
