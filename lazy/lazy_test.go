// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package lazy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(timeout time.Duration, step time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0), step: step}
	m := NewManager(Config{Timeout: timeout})
	m.now = clock.now
	return m, clock
}

// bytesLoader returns a fresh copy of "object-<id>" and counts its calls.
func bytesLoader(calls *atomic.Int64) Loader[[]byte] {
	return func(_ context.Context, objectID uint64) ([]byte, error) {
		calls.Add(1)
		return []byte(fmt.Sprintf("object-%d", objectID)), nil
	}
}

func TestReference_TimeoutClearsStoredOnly(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(time.Minute, 0)
	var calls atomic.Int64

	stored := Stored(m, 7, bytesLoader(&calls))
	assert.False(t, stored.IsLoaded())
	assert.True(t, stored.LastTouched().IsZero())
	_, ok := stored.Peek()
	assert.False(t, ok, "peek never loads")

	v, err := stored.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "object-7", string(v))
	assert.False(t, stored.LastTouched().IsZero())

	unstored := New(m, []byte("fresh"), bytesLoader(&calls))

	assert.Equal(t, 0, m.CleanUp(0))
	assert.True(t, stored.IsLoaded())

	clock.advance(2 * time.Minute)
	assert.Equal(t, 1, m.CleanUp(0))
	assert.False(t, stored.IsLoaded())
	assert.True(t, unstored.IsLoaded(), "unstored references are never cleared")

	// a cleared reference reloads the same subject
	again, err := stored.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, again)
	assert.Equal(t, int64(2), calls.Load())
}

func TestReference_Clear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Minute, 0)
	var calls atomic.Int64

	r := Stored(m, 1, bytesLoader(&calls))
	_, err := r.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	require.NoError(t, r.Clear(), "clearing twice is a no-op")
	assert.False(t, r.IsLoaded())

	fresh := New(m, []byte("x"), bytesLoader(&calls))
	assert.ErrorIs(t, fresh.Clear(), ErrNotStored)
	assert.True(t, fresh.IsLoaded())
	assert.False(t, fresh.IsStored())

	fresh.MarkStored(42)
	assert.True(t, fresh.IsStored())
	assert.Equal(t, uint64(42), fresh.ObjectID())
	require.NoError(t, fresh.Clear())
	v, err := fresh.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "object-42", string(v))
}

func TestReference_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	r := Stored[int](nil, 3, func(context.Context, uint64) (int, error) { return 0, boom })
	_, err := r.Get(ctx)
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.IsLoaded())

	noLoader := Stored[int](nil, 3, nil)
	_, err = noLoader.Get(ctx)
	assert.ErrorIs(t, err, ErrNoLoader)

	released := New[int](nil, 5, nil)
	released.Release()
	_, err = released.Get(ctx)
	assert.ErrorIs(t, err, ErrReleased)
	_, ok := released.Peek()
	assert.False(t, ok)
}

func TestManager_ResumableScan(t *testing.T) {
	ctx := context.Background()
	// every clock read advances time, so a 1ns budget ends a scan at the
	// first clock check
	m, _ := newTestManager(time.Nanosecond, time.Millisecond)
	var calls atomic.Int64

	const n = 100
	refs := make([]*Reference[[]byte], n)
	for i := range refs {
		refs[i] = Stored(m, uint64(i+1), bytesLoader(&calls))
		_, err := refs[i].Get(ctx)
		require.NoError(t, err)
	}

	var passes []int
	for i := 0; i < 4; i++ {
		passes = append(passes, m.CleanUp(time.Nanosecond))
	}
	assert.Equal(t, []int{clockInterval, clockInterval, clockInterval, n - 3*clockInterval}, passes)
	for _, r := range refs {
		assert.False(t, r.IsLoaded())
	}
	assert.Equal(t, 0, m.CleanUp(time.Nanosecond))
}

func TestManager_ReleaseUnlinks(t *testing.T) {
	m, _ := newTestManager(time.Minute, 0)
	var refs []*Reference[int]
	for i := 0; i < 10; i++ {
		refs = append(refs, New(m, i, nil))
	}
	require.Equal(t, 10, m.Len())
	for _, r := range refs[:9] {
		r.Release()
	}
	m.CleanUp(0)
	assert.Equal(t, 1, m.Len())

	// the tail is never unlinked while it is the tail
	refs[9].Release()
	m.CleanUp(0)
	assert.Equal(t, 1, m.Len())
	New(m, 10, nil)
	m.CleanUp(0)
	assert.Equal(t, 1, m.Len())
}

func TestManager_ConcurrentRegistration(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(time.Nanosecond, time.Microsecond)
	var calls atomic.Int64

	// loading a reference registers new ones while the scanner runs
	nested := func(_ context.Context, objectID uint64) ([]*Reference[int], error) {
		children := make([]*Reference[int], 4)
		for i := range children {
			children[i] = Stored(m, objectID*10+uint64(i), func(context.Context, uint64) (int, error) {
				calls.Add(1)
				return 1, nil
			})
		}
		return children, nil
	}

	const workers = 8
	const perWorker = 50
	stop := make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		for {
			select {
			case <-stop:
				return
			default:
				m.CleanUp(time.Microsecond)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r := Stored(m, uint64(w*perWorker+i+1), nested)
				children, err := r.Get(ctx)
				assert.NoError(t, err)
				for _, c := range children {
					_, err := c.Get(ctx)
					assert.NoError(t, err)
				}
				if i%2 == 0 {
					r.Release()
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-scanned

	// a full pass unlinks every released reference but the tail
	m.CleanUp(0)
	total := workers * perWorker * 5
	released := workers * perWorker / 2
	assert.GreaterOrEqual(t, m.Len(), total-released)
	assert.LessOrEqual(t, m.Len(), total-released+1)
}

func TestManager_Background(t *testing.T) {
	ctx := context.Background()
	var cleared atomic.Int64
	m := NewManager(Config{
		Timeout:       10 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
		OnCleared:     func(n int) { cleared.Add(int64(n)) },
	})
	var calls atomic.Int64
	r := Stored(m, 1, bytesLoader(&calls))
	_, err := r.Get(ctx)
	require.NoError(t, err)

	m.Start()
	m.Start()
	require.Eventually(t, func() bool { return !r.IsLoaded() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), cleared.Load())
	m.Stop()
	m.Stop()

	idle := NewManager(Config{})
	idle.Stop()
}
