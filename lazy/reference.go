// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package lazy provides references that load their subject on first use and
// drop it again after it has not been touched for a while.
package lazy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotStored = errors.New("lazy: reference has never been stored")
	ErrReleased  = errors.New("lazy: reference was released")
	ErrNoLoader  = errors.New("lazy: reference has no loader")
)

// never is the last-touched time of an unloaded reference: it can't be
// considered idle before it was loaded at least once.
const never = math.MaxInt64

// Loader retrieves the subject of a stored object.
type Loader[T any] func(ctx context.Context, objectID uint64) (T, error)

// Reference holds a subject that can be unloaded and transparently reloaded
// by object id.  It is safe for concurrent use.
type Reference[T any] struct {
	m      *Manager
	loader Loader[T]
	entry  *entry

	mu       sync.Mutex
	subject  T
	loaded   bool
	stored   bool
	released bool
	objectID uint64

	lastTouched atomic.Int64
}

// New returns a loaded reference to subject that hasn't been stored yet.
// A nil Manager disables idle clearing.
func New[T any](m *Manager, subject T, loader Loader[T]) *Reference[T] {
	r := &Reference[T]{m: m, loader: loader, subject: subject, loaded: true}
	r.touch()
	r.register()
	return r
}

// Stored returns an unloaded reference to the stored object objectID.
func Stored[T any](m *Manager, objectID uint64, loader Loader[T]) *Reference[T] {
	r := &Reference[T]{m: m, loader: loader, stored: true, objectID: objectID}
	r.lastTouched.Store(never)
	r.register()
	return r
}

func (r *Reference[T]) register() {
	if r.m != nil {
		r.entry = r.m.register(r)
	}
}

func (r *Reference[T]) now() int64 {
	if r.m != nil {
		return r.m.now().UnixNano()
	}
	return time.Now().UnixNano()
}

func (r *Reference[T]) touch() {
	r.lastTouched.Store(r.now())
}

// unload drops the subject; callers hold mu.
func (r *Reference[T]) unload() {
	var zero T
	r.subject = zero
	r.loaded = false
	r.lastTouched.Store(never)
}

// Get returns the subject, loading it first if needed.
func (r *Reference[T]) Get(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		var zero T
		return zero, ErrReleased
	}
	if !r.loaded {
		if r.loader == nil {
			var zero T
			return zero, ErrNoLoader
		}
		subject, err := r.loader(ctx, r.objectID)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("lazy: loading object %d: %w", r.objectID, err)
		}
		r.subject = subject
		r.loaded = true
	}
	r.touch()
	return r.subject, nil
}

// Peek returns the subject if it is loaded, without loading or touching it.
func (r *Reference[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject, r.loaded
}

// Clear unloads the subject.  Only stored references can be cleared;
// clearing an unloaded reference does nothing.
func (r *Reference[T]) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stored {
		return ErrNotStored
	}
	r.unload()
	return nil
}

func (r *Reference[T]) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *Reference[T]) IsStored() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// ObjectID returns the id of the stored subject, or 0.
func (r *Reference[T]) ObjectID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objectID
}

// LastTouched returns when the subject was last accessed, or the zero time
// if it isn't loaded.
func (r *Reference[T]) LastTouched() time.Time {
	t := r.lastTouched.Load()
	if t == never {
		return time.Time{}
	}
	return time.Unix(0, t)
}

// MarkStored records that the subject was durably stored as objectID, so it
// may be cleared from now on.
func (r *Reference[T]) MarkStored(objectID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = true
	r.objectID = objectID
}

// Release unloads the subject for good and removes the reference from its
// manager.
func (r *Reference[T]) Release() {
	r.mu.Lock()
	r.released = true
	r.unload()
	r.mu.Unlock()
	if r.entry != nil {
		r.entry.released.Store(true)
	}
}

// clearIfIdle unloads the subject if it was last touched before cutoff.  It
// never waits for a reference that is busy, e.g. loading.
func (r *Reference[T]) clearIfIdle(cutoff int64) bool {
	if r.lastTouched.Load() >= cutoff {
		return false
	}
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()
	if !r.loaded || !r.stored || r.loader == nil || r.lastTouched.Load() >= cutoff {
		return false
	}
	r.unload()
	return true
}
