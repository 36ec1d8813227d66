// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package lazy

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTimeout       = 15 * time.Minute
	DefaultCheckInterval = time.Second
	DefaultTimeBudget    = 10 * time.Millisecond

	// check the clock every this many visited entries
	clockInterval = 32
)

// Config configures a Manager.  Zero durations are replaced by the defaults.
type Config struct {
	// Timeout is how long a loaded, stored reference may stay untouched.
	Timeout time.Duration
	// CheckInterval is the pause between two scans.
	CheckInterval time.Duration
	// TimeBudget bounds a single scan; the next one resumes where it stopped.
	TimeBudget time.Duration

	Logger *slog.Logger
	// OnCleared is called with the number of references a scan cleared.
	OnCleared func(n int)
}

type clearable interface {
	clearIfIdle(cutoff int64) bool
}

// entry is a node of the registry.  next is only written by appenders
// (for the tail, under Manager.mu) and by the scanner (for entries before
// the tail snapshot), so readers need no lock.
type entry struct {
	ref      clearable
	next     atomic.Pointer[entry]
	released atomic.Bool
}

// Manager tracks references and clears the idle ones in the background.
type Manager struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	head *entry // sentinel
	tail *entry

	// scanMu allows a single scanner; cursor is the entry after which the
	// next scan continues.
	scanMu sync.Mutex
	cursor *entry

	count atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.TimeBudget == 0 {
		cfg.TimeBudget = DefaultTimeBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sentinel := &entry{}
	return &Manager{
		cfg:    cfg,
		now:    time.Now,
		head:   sentinel,
		tail:   sentinel,
		cursor: sentinel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *Manager) register(ref clearable) *entry {
	e := &entry{ref: ref}
	m.mu.Lock()
	m.tail.next.Store(e)
	m.tail = e
	m.mu.Unlock()
	m.count.Add(1)
	return e
}

// Len returns the number of registered references, including released ones
// the scanner hasn't unlinked yet.
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// Start begins background scanning.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

// Stop ends background scanning and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CleanUp(m.cfg.TimeBudget)
		}
	}
}

// CleanUp visits registered references until the budget is used up (0
// means a complete pass), clears those idle longer than the timeout and
// unlinks released ones.  It returns the number of cleared references.
//
// References appended while scanning are left for the next pass.  No lock
// is held while references are visited.
func (m *Manager) CleanUp(budget time.Duration) int {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.mu.Lock()
	tail := m.tail
	m.mu.Unlock()

	start := m.now()
	cutoff := start.Add(-m.cfg.Timeout).UnixNano()
	var deadline time.Time
	if budget > 0 {
		deadline = start.Add(budget)
	}

	cleared := 0
	prev := m.cursor
	if prev == tail || budget <= 0 {
		prev = m.head
	}
	for n := 0; ; n++ {
		if prev == tail {
			prev = m.head
			break
		}
		if n > 0 && n%clockInterval == 0 && !deadline.IsZero() && m.now().After(deadline) {
			break
		}
		e := prev.next.Load()
		if e.released.Load() && e != tail {
			prev.next.Store(e.next.Load())
			m.count.Add(-1)
			continue
		}
		if e.ref.clearIfIdle(cutoff) {
			cleared++
		}
		prev = e
	}
	m.cursor = prev

	if cleared > 0 {
		m.cfg.Logger.Debug("cleared idle lazy references", "count", cleared)
		if m.cfg.OnCleared != nil {
			m.cfg.OnCleared(cleared)
		}
	}
	return cleared
}
