// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
)

var nodeType = &entity.Type{
	ID:   entity.FirstTypeID,
	Name: "test.Node",
	Fields: []entity.Field{
		{Name: "value", Kind: entity.KindUint64},
		{Name: "refs", Kind: entity.KindReferences},
	},
}

var codec = entity.NewCodec(false)

func testConfig(t *testing.T, fs datafile.IOHandler, channels int) Config {
	reg := entity.NewRegistry()
	require.NoError(t, reg.Register(nodeType))
	return Config{
		IO:                   fs,
		Registry:             reg,
		Codec:                codec,
		ChannelCount:         channels,
		HousekeepingInterval: time.Hour,
		DataFileMinimumSize:  1,
	}
}

func startEngine(t *testing.T, cfg Config) *Engine {
	e, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func node(t *testing.T, id, value uint64, refs ...uint64) []byte {
	payload := codec.NewPayloadWriter().Uint64(value).References(refs).Payload()
	rec, err := codec.Encode(id, nodeType.ID, payload)
	require.NoError(t, err)
	return rec
}

func roots(t *testing.T, ids ...uint64) []byte {
	payload := codec.NewPayloadWriter().References(ids).Payload()
	rec, err := codec.Encode(entity.RootsObjectID, entity.RootsTypeID, payload)
	require.NoError(t, err)
	return rec
}

// value loads a node and returns its value field and references.
func value(t *testing.T, e *Engine, id uint64) (uint64, []uint64) {
	recs, err := e.Broker().Load(context.Background(), []uint64{id})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	payload, err := codec.Payload(recs[0])
	require.NoError(t, err)
	r := codec.NewPayloadReader(payload)
	v, refs := r.Uint64(), r.References()
	require.NoError(t, r.Err())
	return v, refs
}

func exists(t *testing.T, e *Engine, id uint64) bool {
	_, err := e.Broker().Load(context.Background(), []uint64{id})
	if errors.Is(err, ErrObjectNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestEngine_StoreLoad(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig(t, datafile.NewMemFS(), 3))
	b := e.Broker()

	assert.True(t, exists(t, e, entity.RootsObjectID), "new storages get a roots entity")

	var recs [][]byte
	for id := uint64(1); id <= 10; id++ {
		recs = append(recs, node(t, id, id*100))
	}
	require.NoError(t, b.Store(ctx, recs))

	for id := uint64(1); id <= 10; id++ {
		v, refs := value(t, e, id)
		assert.Equal(t, id*100, v)
		assert.Empty(t, refs)
	}

	// loads are grouped by channel
	got, err := b.Load(ctx, []uint64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, got, 4)
	var order []uint64
	for _, rec := range got {
		h, err := codec.DecodeHeader(rec)
		require.NoError(t, err)
		order = append(order, h.ObjectID)
	}
	assert.Equal(t, []uint64{3, 1, 4, 2}, order)

	_, err = b.Load(ctx, []uint64{1, 42})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, 0, chErr.Channel)

	// overwrite
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 2, 7)}))
	v, _ := value(t, e, 2)
	assert.Equal(t, uint64(7), v)

	highest, err := e.MaxObjectID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), highest)
}

func TestEngine_Reopen(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 2)

	e, err := Start(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Broker().Store(ctx, [][]byte{node(t, 1, 1), node(t, 2, 2, 1), roots(t, 2)}))
	require.NoError(t, e.Broker().Store(ctx, [][]byte{node(t, 1, 11)}))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Broker().Load(ctx, []uint64{1})
	assert.ErrorIs(t, err, ErrShutdown)

	e = startEngine(t, cfg)
	v, _ := value(t, e, 1)
	assert.Equal(t, uint64(11), v, "later records supersede earlier ones")
	v, refs := value(t, e, 2)
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, []uint64{1}, refs)
	assert.Equal(t, []uint64{2}, rootRefs(t, e))
}

func rootRefs(t *testing.T, e *Engine) []uint64 {
	recs, err := e.Broker().Load(context.Background(), []uint64{entity.RootsObjectID})
	require.NoError(t, err)
	payload, err := codec.Payload(recs[0])
	require.NoError(t, err)
	r := codec.NewPayloadReader(payload)
	refs := r.References()
	require.NoError(t, r.Err())
	return refs
}

func TestEngine_FullGC(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig(t, datafile.NewMemFS(), 2))
	b := e.Broker()

	// roots -> 1 -> 2, 3 unreferenced, 4 <-> 5 a garbage cycle
	require.NoError(t, b.Store(ctx, [][]byte{
		node(t, 1, 1, 2),
		node(t, 2, 2),
		node(t, 3, 3),
		node(t, 4, 4, 5),
		node(t, 5, 5, 4),
		roots(t, 1),
	}))
	require.NoError(t, b.FullGC(ctx))

	assert.True(t, exists(t, e, 1))
	assert.True(t, exists(t, e, 2))
	assert.False(t, exists(t, e, 3))
	assert.False(t, exists(t, e, 4))
	assert.False(t, exists(t, e, 5))
	assert.True(t, exists(t, e, entity.RootsObjectID))

	// dangling references are ignored
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 2, 2, 99), roots(t)}))
	require.NoError(t, b.FullGC(ctx))
	assert.False(t, exists(t, e, 1))
	assert.False(t, exists(t, e, 2))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	total := 0
	for _, s := range stats {
		total += s.Entities
	}
	assert.Equal(t, 1, total, "only the roots entity is left")
}

func TestEngine_GCWhileStoring(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, datafile.NewMemFS(), 3)
	cfg.HousekeepingInterval = time.Millisecond
	cfg.GarbageCollectionTimeBudget = time.Microsecond
	e := startEngine(t, cfg)
	b := e.Broker()

	const n = 200
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.NoError(t, b.FullGC(ctx))
		}
	}()

	// grow a linked list from the roots, plus garbage along the way
	prev := uint64(0)
	for i := uint64(1); i <= n; i++ {
		id := i * 2
		var refs []uint64
		if prev != 0 {
			refs = append(refs, prev)
		}
		require.NoError(t, b.Store(ctx, [][]byte{node(t, id, i, refs...), node(t, id+1, i), roots(t, id)}))
		prev = id
	}
	close(stop)
	wg.Wait()
	require.NoError(t, b.FullGC(ctx))

	for i := uint64(n); i >= 1; i-- {
		id := i * 2
		v, refs := value(t, e, id)
		require.Equal(t, i, v)
		if i > 1 {
			require.Equal(t, []uint64{id - 2}, refs)
		}
		assert.False(t, exists(t, e, id+1), "garbage %d survived", id+1)
	}
}

func TestEngine_StoreRollback(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 2)
	e := startEngine(t, cfg)
	b := e.Broker()

	require.NoError(t, b.Store(ctx, [][]byte{node(t, 2, 2)}))

	fs.FailWritesMatching(func(name string) bool { return strings.HasPrefix(name, "channel_1_") })
	err := b.Store(ctx, [][]byte{node(t, 2, 20), node(t, 3, 3)})
	require.Error(t, err)
	assert.ErrorIs(t, err, datafile.ErrInjected)
	fs.FailWritesMatching(nil)

	// channel 0 rolled back its part
	v, _ := value(t, e, 2)
	assert.Equal(t, uint64(2), v)
	assert.False(t, exists(t, e, 3))

	require.NoError(t, b.Store(ctx, [][]byte{node(t, 3, 30), node(t, 4, 40)}))
	v, _ = value(t, e, 3)
	assert.Equal(t, uint64(30), v)

	require.NoError(t, e.Close())
	e = startEngine(t, cfg)
	v, _ = value(t, e, 2)
	assert.Equal(t, uint64(2), v)
	v, _ = value(t, e, 4)
	assert.Equal(t, uint64(40), v)
}

func TestEngine_TrailingBytesTruncated(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 1)
	e, err := Start(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Broker().Store(ctx, [][]byte{node(t, 1, 1)}))
	stats, err := e.Broker().Stats(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	head := stats[0].Files[len(stats[0].Files)-1]
	f, err := fs.ProvideDataFile(0, head.Number)
	require.NoError(t, err)
	// a store that never got committed
	_, err = f.Write(node(t, 5, 5))
	require.NoError(t, err)

	e = startEngine(t, cfg)
	assert.False(t, exists(t, e, 5))
	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(head.TotalLength), size)
}

func TestEngine_RootMissing(t *testing.T) {
	fs := datafile.NewMemFS()
	f, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	rec := node(t, 5, 5)
	_, err = f.Write(rec)
	require.NoError(t, err)
	txf, err := fs.ProvideTransactionsFile(0)
	require.NoError(t, err)
	txlog, _, err := datafile.OpenTxLog(txf)
	require.NoError(t, err)
	n := uint64(len(rec))
	require.NoError(t, txlog.Append(datafile.NewFileCreation(1, 1), datafile.NewDataStore(2, 1, n, n)))

	_, err = Start(testConfig(t, fs, 1))
	assert.ErrorIs(t, err, ErrRootMissing)
}

func TestEngine_UnloggedFileRejected(t *testing.T) {
	fs := datafile.NewMemFS()
	f, err := fs.ProvideDataFile(0, 7)
	require.NoError(t, err)
	_, err = f.Write(node(t, 5, 5))
	require.NoError(t, err)

	_, err = Start(testConfig(t, fs, 1))
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestEngine_Dissolution(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 1)
	cfg.DataFileMaximumSize = 256
	cfg.DataFileMinimumUseRatio = 0.5
	e := startEngine(t, cfg)
	b := e.Broker()

	// every node record is 40 bytes; overwriting the same objects leaves the
	// older files mostly dead
	for round := uint64(0); round < 10; round++ {
		var recs [][]byte
		for id := uint64(1); id <= 3; id++ {
			recs = append(recs, node(t, id, round*10+id))
		}
		require.NoError(t, b.Store(ctx, recs))
	}
	before, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Greater(t, len(before[0].Files), 3)

	require.NoError(t, b.FullFileCheck(ctx))
	after, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Less(t, len(after[0].Files), len(before[0].Files))
	assert.NotEmpty(t, fs.Deleted())
	assert.Equal(t, before[0].LiveLength, after[0].LiveLength)
	for _, f := range after[0].Files[:len(after[0].Files)-1] {
		assert.GreaterOrEqual(t, float64(f.LiveLength)/float64(f.TotalLength), cfg.DataFileMinimumUseRatio, "file %d", f.Number)
	}

	check := func(e *Engine) {
		for id := uint64(1); id <= 3; id++ {
			v, _ := value(t, e, id)
			assert.Equal(t, 90+id, v)
		}
	}
	check(e)

	// the transfers are in the transaction log
	require.NoError(t, e.Close())
	e = startEngine(t, cfg)
	check(e)
}

func TestEngine_DissolveHeadFile(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 1)
	cfg.DataFileCleanupHeadFile = true
	cfg.DataFileMinimumUseRatio = 0.9
	e := startEngine(t, cfg)
	b := e.Broker()

	require.NoError(t, b.Store(ctx, [][]byte{node(t, 1, 1)}))
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 1, 2)}))
	before, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, before[0].Files, 1)

	require.NoError(t, b.FullFileCheck(ctx))
	after, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, after[0].Files, 1)
	assert.Greater(t, after[0].Files[0].Number, before[0].Files[0].Number)
	assert.Equal(t, after[0].LiveLength, after[0].TotalLength)

	v, _ := value(t, e, 1)
	assert.Equal(t, uint64(2), v)
}

func TestEngine_GCThenDissolve(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 2)
	cfg.DataFileMaximumSize = 512
	cfg.DataFileCleanupHeadFile = true
	e := startEngine(t, cfg)
	b := e.Broker()

	var recs [][]byte
	for id := uint64(1); id <= 40; id++ {
		recs = append(recs, node(t, id, id))
	}
	require.NoError(t, b.Store(ctx, recs))
	require.NoError(t, b.Store(ctx, [][]byte{roots(t, 1, 2)}))
	require.NoError(t, b.FullGC(ctx))
	require.NoError(t, b.FullFileCheck(ctx))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	for _, s := range stats {
		assert.Equal(t, s.LiveLength, s.TotalLength, "channel %d keeps only live data", s.Channel)
	}
	assert.True(t, exists(t, e, 1))
	assert.True(t, exists(t, e, 2))
	assert.False(t, exists(t, e, 3))
}

func TestEngine_DeletionLoggedBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 1)
	cfg.DataFileMaximumSize = 40
	e, err := Start(cfg)
	require.NoError(t, err)
	b := e.Broker()

	// every 40 byte record fills a file; the second store leaves the first
	// node file without live data
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 1, 1)}))
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 1, 2)}))

	txName := datafile.TransactionsFileName(0)
	fs.FailWritesMatching(func(name string) bool { return name == txName })
	assert.ErrorIs(t, b.FullFileCheck(ctx), datafile.ErrInjected)
	assert.Empty(t, fs.Deleted(), "nothing is removed without a logged deletion")
	fs.FailWritesMatching(nil)
	require.NoError(t, e.Close())

	e = startEngine(t, cfg)
	v, _ := value(t, e, 1)
	assert.Equal(t, uint64(2), v)
	require.NoError(t, e.Broker().FullFileCheck(ctx))
	assert.Contains(t, fs.Deleted(), datafile.DataFileName(0, 2))

	require.NoError(t, e.Close())
	e = startEngine(t, cfg)
	v, _ = value(t, e, 1)
	assert.Equal(t, uint64(2), v)
}

// fileHolding returns the number of the file of the given total length.
func fileHolding(t *testing.T, b *TaskBroker, length uint64) uint64 {
	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	for _, f := range stats[0].Files {
		if f.TotalLength == length {
			return f.Number
		}
	}
	require.Failf(t, "no such file", "no file of %d bytes", length)
	return 0
}

func TestEngine_OversizedRecordStaysPut(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 1)
	cfg.DataFileMaximumSize = 48
	e := startEngine(t, cfg)
	b := e.Broker()

	big := node(t, 1, 1, 5, 6, 7)
	require.Len(t, big, 64)
	require.NoError(t, b.Store(ctx, [][]byte{big}))
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 2, 2)}))
	require.NoError(t, b.FullFileCheck(ctx))
	number := fileHolding(t, b, 64)

	for round := uint64(1); round <= 3; round++ {
		require.NoError(t, b.Store(ctx, [][]byte{node(t, 2, 2+round)}))
		require.NoError(t, b.FullFileCheck(ctx))
		assert.Equal(t, number, fileHolding(t, b, 64), "round %d", round)
	}
	assert.NotContains(t, fs.Deleted(), datafile.DataFileName(0, number))
	v, refs := value(t, e, 1)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, []uint64{5, 6, 7}, refs)
}

func TestEngine_PartialCommit(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 2)
	e := startEngine(t, cfg)
	b := e.Broker()

	txName := datafile.TransactionsFileName(1)
	fs.FailWritesMatching(func(name string) bool { return name == txName })
	err := b.Store(ctx, [][]byte{node(t, 2, 2), node(t, 3, 3)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialCommit)
	assert.ErrorIs(t, err, datafile.ErrInjected)
	fs.FailWritesMatching(nil)

	// channel 0 committed before channel 1 failed
	assert.True(t, exists(t, e, 2))
	assert.False(t, exists(t, e, 3))

	// a failure while writing rolls back everywhere and isn't partial
	fs.FailWritesMatching(func(name string) bool { return strings.HasPrefix(name, "channel_1_") })
	err = b.Store(ctx, [][]byte{node(t, 2, 20), node(t, 3, 30)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartialCommit)
	fs.FailWritesMatching(nil)

	require.NoError(t, b.Store(ctx, [][]byte{node(t, 3, 33)}))
	require.NoError(t, e.Close())
	e = startEngine(t, cfg)
	v, _ := value(t, e, 2)
	assert.Equal(t, uint64(2), v)
	v, _ = value(t, e, 3)
	assert.Equal(t, uint64(33), v)
}

func TestEngine_GarbageCollectAtStartup(t *testing.T) {
	ctx := context.Background()
	fs := datafile.NewMemFS()
	cfg := testConfig(t, fs, 2)
	e, err := Start(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Broker().Store(ctx, [][]byte{node(t, 1, 1), node(t, 3, 3), roots(t, 1)}))
	require.NoError(t, e.Broker().FullGC(ctx))
	assert.False(t, exists(t, e, 3))
	require.NoError(t, e.Close())

	// sweeps aren't logged: the record is indexed again on restart
	e, err = Start(cfg)
	require.NoError(t, err)
	assert.True(t, exists(t, e, 3))
	require.NoError(t, e.Close())

	cfg.GarbageCollectAtStartup = true
	e = startEngine(t, cfg)
	assert.False(t, exists(t, e, 3))
	assert.True(t, exists(t, e, 1))
	assert.Equal(t, []uint64{1}, rootRefs(t, e))
}

type bufferCloser struct {
	bytes.Buffer
}

func (*bufferCloser) Close() error { return nil }

func TestEngine_Export(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig(t, datafile.NewMemFS(), 2))
	b := e.Broker()
	require.NoError(t, b.Store(ctx, [][]byte{node(t, 1, 1), node(t, 2, 2), node(t, 3, 3)}))

	var mu sync.Mutex
	outputs := make(map[int]*bufferCloser)
	open := func(channel int) (io.WriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		outputs[channel] = &bufferCloser{}
		return outputs[channel], nil
	}
	results, err := b.Export(ctx, open, nodeType.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Entities)
	assert.Equal(t, 2, results[1].Entities)
	assert.Equal(t, int64(outputs[1].Len()), results[1].Bytes)

	// the export is a valid data file
	fs := datafile.NewMemFS()
	f, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	_, err = f.Write(outputs[1].Bytes())
	require.NoError(t, err)
	s, err := datafile.NewScanner(f, codec, entity.DefaultBounds(), -1, false)
	require.NoError(t, err)
	var ids []uint64
	for s.Next() {
		ids = append(ids, s.Record().ObjectID)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []uint64{1, 3}, ids)

	failing := func(int) (io.WriteCloser, error) { return nil, fmt.Errorf("no space") }
	_, err = b.Export(ctx, failing)
	assert.Error(t, err)
}

func TestEngine_CanceledContext(t *testing.T) {
	e := startEngine(t, testConfig(t, datafile.NewMemFS(), 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Broker().Store(ctx, [][]byte{node(t, 1, 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(t, e, 1))
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t, datafile.NewMemFS(), 1)
	cfg.setDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ChannelCount = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.DataFileMinimumSize = bad.DataFileMaximumSize + 1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.DataFileMinimumUseRatio = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.IO = nil
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
