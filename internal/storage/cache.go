// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/golang/groupcache/lru"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
	"github.com/bpowers/bitgraph/internal/metrics"
)

type color uint8

const (
	white color = iota
	grey
	black
)

func (c color) String() string {
	switch c {
	case white:
		return "white"
	case grey:
		return "grey"
	default:
		return "black"
	}
}

// item is the cache entry of one live entity: where its current record is
// and its mark state.
type item struct {
	objectID uint64
	typeID   uint64
	length   uint64
	position int64
	file     *dataFile

	// epoch is the last cycle that reached the item; queued is set while
	// the item waits in the mark queue of that cycle.
	epoch  uint64
	queued bool
}

func (it *item) color(epoch uint64) color {
	switch {
	case it.epoch != epoch:
		return white
	case it.queued:
		return grey
	default:
		return black
	}
}

// entityCache is the per-channel index of live entities.  It is owned by
// its channel goroutine.
type entityCache struct {
	channel      int
	channelCount int

	registry *entity.Registry
	codec    entity.Codec
	monitor  *MarkMonitor
	logger   *slog.Logger
	metrics  *metrics.Metrics

	items map[uint64]*item
	// records caches complete records by object id.
	records *lru.Cache

	queue      markQueue
	markEpoch  uint64
	sweptEpoch uint64

	maxObjectID uint64
}

func newEntityCache(channel int, cfg *Config, monitor *MarkMonitor) *entityCache {
	return &entityCache{
		channel:      channel,
		channelCount: cfg.ChannelCount,
		registry:     cfg.Registry,
		codec:        cfg.Codec,
		monitor:      monitor,
		logger:       cfg.Logger.With("channel", channel),
		metrics:      cfg.Metrics,
		items:        make(map[uint64]*item),
		records:      lru.New(cfg.EntityCacheMaxEntries),
	}
}

func (c *entityCache) owns(objectID uint64) bool {
	return int(objectID%uint64(c.channelCount)) == c.channel
}

func (c *entityCache) lookup(objectID uint64) (*item, bool) {
	it, ok := c.items[objectID]
	return it, ok
}

func (c *entityCache) len() int {
	return len(c.items)
}

// put makes the record at pos in f the current version of its entity and
// returns the entity's item.  The previous version, if any, stops counting
// as live data of its file.
func (c *entityCache) put(h entity.Header, f *dataFile, pos int64) *item {
	if !c.owns(h.ObjectID) {
		panic(fmt.Sprintf("invariant broken: object %d stored on channel %d", h.ObjectID, c.channel))
	}
	it, ok := c.items[h.ObjectID]
	if ok {
		it.file.remove(it)
	} else {
		it = &item{objectID: h.ObjectID}
		c.items[h.ObjectID] = it
	}
	it.typeID = h.TypeID
	it.length = h.Length
	it.position = pos
	f.add(it)
	c.records.Remove(h.ObjectID)
	if h.ObjectID > c.maxObjectID {
		c.maxObjectID = h.ObjectID
	}
	return it
}

// cacheRecord remembers the bytes of a freshly written record.
func (c *entityCache) cacheRecord(objectID uint64, record []byte) {
	c.records.Add(objectID, record)
}

// registerStored colors newly committed items so they survive the current
// cycle: during marking they become grey and get scanned, otherwise they are
// stamped with the current epoch.
func (c *entityCache) registerStored(items []*item) {
	c.monitor.storeBarrier(func(epoch uint64, marking bool) int {
		added := 0
		for _, it := range items {
			if !marking {
				it.epoch = epoch
				it.queued = false
				continue
			}
			if it.epoch == epoch && it.queued {
				continue
			}
			it.epoch = epoch
			it.queued = true
			c.queue.push(it)
			added++
		}
		return added
	})
}

// record returns the complete record of it, from the cache or its file.
func (c *entityCache) record(it *item) ([]byte, error) {
	if v, ok := c.records.Get(it.objectID); ok {
		return v.([]byte), nil
	}
	buf := make([]byte, it.length)
	if err := datafile.ReadFull(it.file.file, buf, it.position); err != nil {
		return nil, fmt.Errorf("reading object %d: %w", it.objectID, err)
	}
	h, err := c.codec.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.ObjectID != it.objectID || h.TypeID != it.typeID || h.Length != it.length {
		return nil, fmt.Errorf("%w: record at %s:%d is object %d type %d length %d, expected object %d type %d length %d",
			ErrInconsistent, it.file.file.Name(), it.position, h.ObjectID, h.TypeID, h.Length, it.objectID, it.typeID, it.length)
	}
	c.records.Add(it.objectID, buf)
	return buf, nil
}

// remove drops an entity for good.
func (c *entityCache) remove(it *item) {
	it.file.remove(it)
	delete(c.items, it.objectID)
	c.records.Remove(it.objectID)
}

// sorted returns all items ordered by file and position.
func (c *entityCache) sorted() []*item {
	items := make([]*item, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.file.number != b.file.number {
			return a.file.number < b.file.number
		}
		return a.position < b.position
	})
	return items
}

// markQueue is a FIFO of grey items.
type markQueue struct {
	items []*item
	head  int
}

func (q *markQueue) len() int {
	return len(q.items) - q.head
}

func (q *markQueue) push(it *item) {
	q.items = append(q.items, it)
}

func (q *markQueue) peek() *item {
	return q.items[q.head]
}

func (q *markQueue) pop() *item {
	it := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 1024 && q.head > len(q.items)/2:
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return it
}
