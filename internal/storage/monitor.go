// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"sync"

	"github.com/bpowers/bitgraph/internal/bitset"
	"github.com/bpowers/bitgraph/internal/entity"
)

type gcPhase uint8

const (
	// phaseIdle: every channel swept the last cycle, a new one may start.
	phaseIdle gcPhase = iota
	// phaseMarking: grey entries are outstanding somewhere.
	phaseMarking
	// phaseSweeping: marking finished, channels are removing white entries.
	phaseSweeping
)

func (p gcPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseMarking:
		return "marking"
	case phaseSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// MarkMonitor coordinates the mark phase across channels.  A cycle is
// identified by its epoch; an entry whose mark epoch is not the current one
// is white.
//
// Termination uses a credit count: pending is the number of grey entries
// anywhere in the system (queued locally, sitting in an inbox, or being
// scanned).  Forwarding an id to another channel adds a credit before the id
// becomes visible to the target, and a channel settles its own creations and
// completions in one report at the end of a slice.  Because a channel only
// reports after it has taken work, pending cannot reach zero while any
// channel still holds grey entries.
type MarkMonitor struct {
	mu sync.Mutex

	epoch   uint64
	phase   gcPhase
	pending int64

	// dirty is set by stores; a cycle only starts if something changed.
	dirty bool
	// fullTarget is the epoch a full collection waits for.
	fullTarget uint64
	// sweptEpoch is the newest epoch swept by every channel.
	sweptEpoch uint64

	inboxes [][]uint64
	signals []chan struct{}
	swept   *bitset.Bitset

	onCycleCompleted func(epoch uint64)
}

func newMarkMonitor(channelCount int) *MarkMonitor {
	m := &MarkMonitor{
		inboxes: make([][]uint64, channelCount),
		signals: make([]chan struct{}, channelCount),
		swept:   bitset.New(int64(channelCount)),
		// a fresh storage starts dirty so its first cycle runs
		dirty: true,
	}
	for i := range m.signals {
		m.signals[i] = make(chan struct{}, 1)
	}
	return m
}

func (m *MarkMonitor) channelCount() int {
	return len(m.inboxes)
}

// signal returns the wakeup channel of a storage channel.
func (m *MarkMonitor) signal(channel int) <-chan struct{} {
	return m.signals[channel]
}

func (m *MarkMonitor) wake(channel int) {
	select {
	case m.signals[channel] <- struct{}{}:
	default:
	}
}

func (m *MarkMonitor) wakeAll() {
	for i := range m.signals {
		m.wake(i)
	}
}

// state returns the current epoch and phase.
func (m *MarkMonitor) state() (uint64, gcPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.phase
}

// tryBeginCycle starts a new cycle if the previous one is fully swept and
// there is a reason to collect.  The roots entity seeds the new cycle.
func (m *MarkMonitor) tryBeginCycle() bool {
	m.mu.Lock()
	if m.phase != phaseIdle || (!m.dirty && m.sweptEpoch >= m.fullTarget) {
		m.mu.Unlock()
		return false
	}
	m.epoch++
	m.phase = phaseMarking
	m.dirty = false
	m.pending = 1
	root := rootChannel(m.channelCount())
	m.inboxes[root] = append(m.inboxes[root], entity.RootsObjectID)
	m.mu.Unlock()

	m.wake(root)
	return true
}

func rootChannel(channelCount int) int {
	return int(entity.RootsObjectID % uint64(channelCount))
}

// forward hands ids owned by target over for marking in epoch.  Ids for a
// finished or different cycle are dropped.
func (m *MarkMonitor) forward(epoch uint64, target int, ids []uint64) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	if m.phase != phaseMarking || m.epoch != epoch {
		m.mu.Unlock()
		panic("invariant broken: forwarding marks outside of the marking phase")
	}
	m.pending += int64(len(ids))
	m.inboxes[target] = append(m.inboxes[target], ids...)
	m.mu.Unlock()

	m.wake(target)
}

// takeInbox removes and returns the ids forwarded to channel.
func (m *MarkMonitor) takeInbox(channel int) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.inboxes[channel]
	m.inboxes[channel] = nil
	return ids
}

// report settles a channel's slice: created grey entries minus finished ones.
func (m *MarkMonitor) report(epoch uint64, delta int64) {
	if delta == 0 {
		return
	}
	m.mu.Lock()
	if m.epoch != epoch || m.phase != phaseMarking {
		m.mu.Unlock()
		panic("invariant broken: mark report outside of its cycle")
	}
	m.pending += delta
	if m.pending < 0 {
		m.mu.Unlock()
		panic("invariant broken: negative pending mark count")
	}
	completed := m.pending == 0
	if completed {
		m.phase = phaseSweeping
		m.swept.Reset()
	}
	cb := m.onCycleCompleted
	m.mu.Unlock()

	if completed {
		if cb != nil {
			cb(epoch)
		}
		m.wakeAll()
	}
}

// markSwept records that channel removed its white entries of epoch.  The
// last channel to sweep moves the monitor back to idle.
func (m *MarkMonitor) markSwept(channel int, epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.phase != phaseSweeping {
		m.mu.Unlock()
		panic("invariant broken: sweep outside of its cycle")
	}
	m.swept.Set(int64(channel))
	done := m.swept.All()
	if done {
		m.phase = phaseIdle
		m.sweptEpoch = epoch
	}
	m.mu.Unlock()

	if done {
		m.wakeAll()
	}
}

// storeBarrier runs fn with the monitor locked, so no cycle can begin or
// complete while freshly stored entries are being colored.  fn receives the
// current epoch and whether marking is in progress, and returns how many
// entries it made grey.
func (m *MarkMonitor) storeBarrier(fn func(epoch uint64, marking bool) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
	added := fn(m.epoch, m.phase == phaseMarking)
	if added > 0 {
		if m.phase != phaseMarking {
			panic("invariant broken: grey entries added outside of marking")
		}
		m.pending += int64(added)
	}
}

// requestFull asks for a complete cycle that starts after now and returns
// the epoch that needs to be swept for it to be done.
func (m *MarkMonitor) requestFull() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.epoch + 1
	if m.fullTarget < target {
		m.fullTarget = target
	}
	return target
}

// completedEpoch returns the newest fully swept epoch.
func (m *MarkMonitor) completedEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweptEpoch
}
