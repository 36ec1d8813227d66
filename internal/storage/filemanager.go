// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/bpowers/bitgraph/internal/datafile"
	"github.com/bpowers/bitgraph/internal/entity"
	"github.com/bpowers/bitgraph/internal/metrics"
)

// records copied out of a dissolving file before the copies are committed
const transferBatchSize = 64

// dataFile is the in-memory bookkeeping of one data file.
type dataFile struct {
	number      uint64
	file        datafile.File
	totalLength uint64
	liveLength  uint64
	items       map[uint64]*item
}

func newDataFile(number uint64, f datafile.File) *dataFile {
	return &dataFile{
		number: number,
		file:   f,
		items:  make(map[uint64]*item),
	}
}

func (f *dataFile) add(it *item) {
	f.items[it.objectID] = it
	f.liveLength += it.length
	it.file = f
}

func (f *dataFile) remove(it *item) {
	if f.items[it.objectID] != it {
		panic(fmt.Sprintf("invariant broken: object %d not in data file %d", it.objectID, f.number))
	}
	delete(f.items, it.objectID)
	f.liveLength -= it.length
}

func (f *dataFile) useRatio() float64 {
	if f.totalLength == 0 {
		return 1
	}
	return float64(f.liveLength) / float64(f.totalLength)
}

// pendingStore is the first phase of a store: records written to the head
// file but not yet logged.
type pendingStore struct {
	file        *dataFile
	startLength uint64
	headers     []entity.Header
	records     [][]byte
}

// fileManager owns the data files and transaction log of one channel.  It
// is used by the channel goroutine only.
type fileManager struct {
	channel int
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *entityCache
	limiter *rate.Limiter
	now     func() time.Time

	txlog   *datafile.TxLog
	files   []*dataFile // ascending by number, head last
	pending *pendingStore

	// checked remembers how far the file check got; it restarts from the
	// oldest file once every file was looked at.
	checked uint64
}

func newFileManager(channel int, cfg *Config, cache *entityCache) *fileManager {
	fm := &fileManager{
		channel: channel,
		cfg:     cfg,
		logger:  cfg.Logger.With("channel", channel),
		metrics: cfg.Metrics,
		cache:   cache,
		now:     time.Now,
	}
	if cfg.TransferBytesPerSecond > 0 {
		fm.limiter = rate.NewLimiter(rate.Limit(cfg.TransferBytesPerSecond), cfg.TransferBytesPerSecond)
	}
	return fm
}

func (fm *fileManager) timestamp() int64 {
	return fm.now().UnixNano()
}

func (fm *fileManager) head() *dataFile {
	return fm.files[len(fm.files)-1]
}

func (fm *fileManager) storePending() bool {
	return fm.pending != nil
}

// initialize rebuilds the channel state from disk: it replays the log,
// cleans up what the log says shouldn't exist, and indexes every record.
func (fm *fileManager) initialize() error {
	txf, err := fm.cfg.IO.ProvideTransactionsFile(fm.channel)
	if err != nil {
		return fmt.Errorf("ProvideTransactionsFile(%d): %w", fm.channel, err)
	}
	txlog, entries, err := datafile.OpenTxLog(txf)
	if err != nil {
		_ = txf.Close()
		return err
	}
	fm.txlog = txlog
	states := datafile.Replay(entries)

	numbers, err := fm.cfg.IO.CollectDataFiles(fm.channel)
	if err != nil {
		return fmt.Errorf("CollectDataFiles(%d): %w", fm.channel, err)
	}
	present := make(map[uint64]bool, len(numbers))
	for _, n := range numbers {
		present[n] = true
		f, err := fm.cfg.IO.ProvideDataFile(fm.channel, n)
		if err != nil {
			return fmt.Errorf("ProvideDataFile(%d, %d): %w", fm.channel, n, err)
		}
		state, known := states[n]
		if !known || state.Deleted {
			if err := fm.discardUnlogged(f, known); err != nil {
				return err
			}
			continue
		}
		df, err := fm.recoverFile(f, state)
		if err != nil {
			_ = f.Close()
			return err
		}
		fm.files = append(fm.files, df)
	}
	for n, state := range states {
		if !state.Deleted && !present[n] && state.Length > 0 {
			return fmt.Errorf("%w: data file %d of channel %d with %d logged bytes is missing", ErrInconsistent, n, fm.channel, state.Length)
		}
	}
	sort.Slice(fm.files, func(i, j int) bool { return fm.files[i].number < fm.files[j].number })

	for _, df := range fm.files {
		if err := fm.index(df); err != nil {
			return err
		}
	}
	if len(fm.files) == 0 {
		var last uint64
		for n := range states {
			if n > last {
				last = n
			}
		}
		return fm.createFile(last + 1)
	}
	return nil
}

// discardUnlogged deletes a file the log doesn't know or knows as deleted.
// A file missing from the log with content means the log was lost, which we
// refuse to guess about.
func (fm *fileManager) discardUnlogged(f datafile.File, deleted bool) error {
	size, err := f.Size()
	if err != nil {
		return err
	}
	if !deleted && size > 0 {
		return fmt.Errorf("%w: %s holds %d bytes but is not in the transaction log", ErrInconsistent, f.Name(), size)
	}
	fm.logger.Info("deleting data file not live in the transaction log", "file", f.Name(), "size", size)
	if err := f.Delete(); err != nil {
		return fmt.Errorf("%s.Delete: %w", f.Name(), err)
	}
	return nil
}

// recoverFile truncates bytes written after the last logged change.
func (fm *fileManager) recoverFile(f datafile.File, state *datafile.FileState) (*dataFile, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	switch {
	case uint64(size) < state.Length:
		return nil, fmt.Errorf("%w: %s is %d bytes, log says %d", ErrInconsistent, f.Name(), size, state.Length)
	case uint64(size) > state.Length:
		fm.logger.Warn("truncating unlogged trailing bytes", "file", f.Name(), "size", size, "logged", state.Length)
		if err := f.Truncate(int64(state.Length)); err != nil {
			return nil, fmt.Errorf("%s.Truncate: %w", f.Name(), err)
		}
		if err := fm.txlog.Append(datafile.NewFileTruncation(fm.timestamp(), state.Number, state.Length)); err != nil {
			return nil, err
		}
	}
	df := newDataFile(state.Number, f)
	df.totalLength = state.Length
	return df, nil
}

// index adds every record of df to the cache; later records supersede
// earlier versions of the same entity.
func (fm *fileManager) index(df *dataFile) error {
	s, err := datafile.NewScanner(df.file, fm.cfg.Codec, fm.cfg.Bounds, int64(df.totalLength), false)
	if err != nil {
		return err
	}
	for s.Next() {
		rec := s.Record()
		if !fm.cache.owns(rec.ObjectID) {
			return fmt.Errorf("%w: object %d in %s belongs to another channel", ErrInconsistent, rec.ObjectID, df.file.Name())
		}
		if _, ok := fm.cfg.Registry.Lookup(rec.TypeID); !ok {
			return fmt.Errorf("%s at offset %d: %w: %d", df.file.Name(), rec.Offset, entity.ErrUnknownType, rec.TypeID)
		}
		fm.cache.put(rec.Header, df, rec.Offset)
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrInconsistent, err)
	}
	return nil
}

// createFile makes number the new head file.
func (fm *fileManager) createFile(number uint64) error {
	f, err := fm.cfg.IO.ProvideDataFile(fm.channel, number)
	if err != nil {
		return fmt.Errorf("ProvideDataFile(%d, %d): %w", fm.channel, number, err)
	}
	if err := fm.txlog.Append(datafile.NewFileCreation(fm.timestamp(), number)); err != nil {
		_ = f.Close()
		return err
	}
	fm.files = append(fm.files, newDataFile(number, f))
	fm.logger.Debug("created data file", "file", f.Name())
	return nil
}

func (fm *fileManager) rollover() error {
	return fm.createFile(fm.head().number + 1)
}

// ensureRoom rolls the head over if adding n bytes would grow a non-empty
// head beyond the maximum file size.
func (fm *fileManager) ensureRoom(n uint64) error {
	head := fm.head()
	if head.totalLength > 0 && head.totalLength+n > fm.cfg.DataFileMaximumSize {
		return fm.rollover()
	}
	return nil
}

// store writes records to the head file.  They become visible and durable
// with commit, or are discarded by rollback.
func (fm *fileManager) store(records [][]byte) error {
	if fm.pending != nil {
		return ErrStorePending
	}
	if len(records) == 0 {
		return nil
	}
	headers := make([]entity.Header, len(records))
	var total uint64
	for i, rec := range records {
		h, err := fm.cfg.Codec.DecodeHeader(rec)
		if err != nil {
			return err
		}
		if err := fm.cfg.Bounds.Validate(h, int64(len(rec))); err != nil {
			return err
		}
		if !fm.cache.owns(h.ObjectID) {
			return fmt.Errorf("object %d routed to channel %d", h.ObjectID, fm.channel)
		}
		headers[i] = h
		total += h.Length
	}
	if err := fm.ensureRoom(total); err != nil {
		return err
	}
	head := fm.head()
	p := &pendingStore{file: head, startLength: head.totalLength, headers: headers, records: records}
	n, err := head.file.Write(records...)
	head.totalLength += uint64(n)
	fm.pending = p
	if err != nil {
		return fmt.Errorf("%s.Write: %w", head.file.Name(), err)
	}
	if uint64(n) != total {
		return fmt.Errorf("%s.Write: short write of %d bytes, expected %d", head.file.Name(), n, total)
	}
	return nil
}

// commit makes the pending store durable and visible.
func (fm *fileManager) commit() error {
	p := fm.pending
	if p == nil {
		return ErrNoStoreToCommit
	}
	f := p.file
	if err := f.file.Flush(); err != nil {
		return fmt.Errorf("%s.Flush: %w", f.file.Name(), err)
	}
	change := f.totalLength - p.startLength
	if err := fm.txlog.Append(datafile.NewDataStore(fm.timestamp(), f.number, f.totalLength, change)); err != nil {
		return err
	}
	fm.pending = nil

	items := make([]*item, len(p.headers))
	pos := int64(p.startLength)
	for i, h := range p.headers {
		items[i] = fm.cache.put(h, f, pos)
		fm.cache.cacheRecord(h.ObjectID, p.records[i])
		pos += int64(h.Length)
	}
	fm.cache.registerStored(items)
	return nil
}

// rollback discards the pending store, if any.
func (fm *fileManager) rollback() error {
	p := fm.pending
	if p == nil {
		return nil
	}
	fm.pending = nil
	return fm.truncate(p.file, p.startLength)
}

// truncate cuts f back to length and logs it.
func (fm *fileManager) truncate(f *dataFile, length uint64) error {
	if err := f.file.Truncate(int64(length)); err != nil {
		return fmt.Errorf("%s.Truncate(%d): %w", f.file.Name(), length, err)
	}
	f.totalLength = length
	return fm.txlog.Append(datafile.NewFileTruncation(fm.timestamp(), f.number, length))
}

// read returns the current record of objectID.
func (fm *fileManager) read(objectID uint64) ([]byte, error) {
	it, ok := fm.cache.lookup(objectID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrObjectNotFound, objectID)
	}
	return fm.cache.record(it)
}

// shouldDissolve reports whether f is too sparse, too small or too large.
// Empty files are always dissolved.  A file holding nothing but one record
// larger than the maximum size is left alone: moving the record would only
// produce the same file again.
func (fm *fileManager) shouldDissolve(f *dataFile) bool {
	if f.totalLength == 0 {
		return true
	}
	if len(f.items) == 1 && f.liveLength == f.totalLength && f.liveLength > fm.cfg.DataFileMaximumSize {
		return false
	}
	return f.useRatio() < fm.cfg.DataFileMinimumUseRatio ||
		f.totalLength < fm.cfg.DataFileMinimumSize ||
		f.totalLength > fm.cfg.DataFileMaximumSize
}

// check looks for files to dissolve until the deadline passes (a zero
// deadline means no limit).  It reports whether every file was checked.
// Files created while checking, including a new head, wait for the next
// pass.
func (fm *fileManager) check(ctx context.Context, deadline time.Time) (bool, error) {
	if fm.pending != nil {
		return false, nil
	}
	last := fm.head().number
	for {
		if !deadline.IsZero() && fm.now().After(deadline) {
			return false, nil
		}
		f := fm.nextToCheck()
		if f == nil || f.number > last {
			fm.checked = 0
			return true, nil
		}
		fm.checked = f.number
		if f == fm.head() {
			if !fm.cfg.DataFileCleanupHeadFile || f.totalLength == 0 || !fm.shouldDissolve(f) {
				continue
			}
			if err := fm.rollover(); err != nil {
				return false, err
			}
		} else if !fm.shouldDissolve(f) {
			continue
		}
		finished, err := fm.dissolve(ctx, f, deadline)
		if err != nil {
			fm.checked = f.number - 1
			return false, err
		}
		if !finished {
			// resume with the same file
			fm.checked = f.number - 1
			return false, nil
		}
	}
}

// nextToCheck returns the first file numbered above the last checked one.
func (fm *fileManager) nextToCheck() *dataFile {
	i := sort.Search(len(fm.files), func(i int) bool { return fm.files[i].number > fm.checked })
	if i == len(fm.files) {
		return nil
	}
	return fm.files[i]
}

// errThrottled means the transfer rate doesn't allow more copying before
// the deadline of the current slice.
var errThrottled = errors.New("transfer rate limit reached")

// throttle waits until n bytes may be transferred.  It gives up with
// errThrottled instead of waiting past deadline.
func (fm *fileManager) throttle(ctx context.Context, n int, deadline time.Time) error {
	if fm.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, fm.limiter.Burst())
		now := time.Now()
		r := fm.limiter.ReserveN(now, chunk)
		if !r.OK() {
			return fmt.Errorf("cannot reserve %d bytes of transfer rate", chunk)
		}
		delay := r.DelayFrom(now)
		if !deadline.IsZero() && now.Add(delay).After(deadline) {
			r.CancelAt(now)
			return errThrottled
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				return ctx.Err()
			}
		}
		n -= chunk
	}
	return nil
}

// dissolve moves the live records of f to the head and deletes f.
func (fm *fileManager) dissolve(ctx context.Context, f *dataFile, deadline time.Time) (bool, error) {
	if len(f.items) > 0 {
		fm.logger.Debug("dissolving data file", "file", f.file.Name(), "live", f.liveLength, "total", f.totalLength)
	}
	items := make([]*item, 0, len(f.items))
	for _, it := range f.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].position < items[j].position })

	for len(items) > 0 {
		if !deadline.IsZero() && fm.now().After(deadline) {
			return false, nil
		}
		n := len(items)
		if n > transferBatchSize {
			n = transferBatchSize
		}
		moved, err := fm.transfer(ctx, f, items[:n], deadline)
		if errors.Is(err, errThrottled) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		items = items[moved:]
	}
	return true, fm.deleteFile(f)
}

type transferMove struct {
	it       *item
	position int64
}

// transfer copies items of src to the end of the head, logs the copies and
// then updates the item locations.  It returns the number of items moved,
// which is less than len(items) if the head had to be rolled over.
func (fm *fileManager) transfer(ctx context.Context, src *dataFile, items []*item, deadline time.Time) (int, error) {
	if err := fm.ensureRoom(items[0].length); err != nil {
		return 0, err
	}
	head := fm.head()
	start := head.totalLength
	moves := make([]transferMove, 0, len(items))
	entries := make([]datafile.Entry, 0, len(items))
	for _, it := range items {
		if len(moves) > 0 && head.totalLength+it.length > fm.cfg.DataFileMaximumSize {
			break
		}
		if err := fm.throttle(ctx, int(it.length), deadline); err != nil {
			if len(moves) > 0 {
				break
			}
			return 0, err
		}
		pos := head.totalLength
		n, err := datafile.CopyFilePart(src.file, it.position, int64(it.length), head.file)
		head.totalLength += uint64(n)
		if err == nil && uint64(n) != it.length {
			err = fmt.Errorf("short copy of object %d: %d of %d bytes", it.objectID, n, it.length)
		}
		if err != nil {
			if terr := fm.truncate(head, start); terr != nil {
				err = errors.Join(err, terr)
			}
			return 0, err
		}
		moves = append(moves, transferMove{it: it, position: int64(pos)})
		entries = append(entries, datafile.NewDataTransfer(fm.timestamp(), src.number, head.number, head.totalLength, it.length, uint64(it.position)))
	}
	if err := head.file.Flush(); err != nil {
		return 0, errors.Join(fmt.Errorf("%s.Flush: %w", head.file.Name(), err), fm.truncate(head, start))
	}
	if err := fm.txlog.Append(entries...); err != nil {
		return 0, errors.Join(err, fm.truncate(head, start))
	}
	var bytes uint64
	for _, m := range moves {
		src.remove(m.it)
		m.it.position = m.position
		head.add(m.it)
		bytes += m.it.length
	}
	fm.metrics.Transferred(fm.channel, bytes)
	return len(moves), nil
}

// deleteFile removes a file without live data.
func (fm *fileManager) deleteFile(f *dataFile) error {
	if len(f.items) != 0 || f.liveLength != 0 {
		panic(fmt.Sprintf("invariant broken: deleting data file %d with %d live bytes", f.number, f.liveLength))
	}
	if f == fm.head() {
		panic("invariant broken: deleting the head file")
	}
	// logged first: a deleted file the log still knows makes the channel
	// unopenable, while a logged deletion is completed by initialize
	if err := fm.txlog.Append(datafile.NewFileDeletion(fm.timestamp(), f.number, f.totalLength)); err != nil {
		return err
	}
	for i, other := range fm.files {
		if other == f {
			fm.files = append(fm.files[:i], fm.files[i+1:]...)
			break
		}
	}
	fm.metrics.FileDissolved(fm.channel)
	if err := f.file.Delete(); err != nil {
		fm.logger.Warn("deleting dissolved data file failed, retried on next start", "file", f.file.Name(), "err", err)
		_ = f.file.Close()
		return nil
	}
	fm.logger.Debug("deleted data file", "file", f.file.Name())
	return nil
}

// sizes returns the live and total bytes of all files.
func (fm *fileManager) sizes() (live, total uint64) {
	for _, f := range fm.files {
		live += f.liveLength
		total += f.totalLength
	}
	return live, total
}

func (fm *fileManager) close() error {
	var errs []error
	if fm.pending != nil {
		errs = append(errs, fm.rollback())
	}
	for _, f := range fm.files {
		errs = append(errs, f.file.Close())
	}
	fm.files = nil
	if fm.txlog != nil {
		errs = append(errs, fm.txlog.Close())
		fm.txlog = nil
	}
	return errors.Join(errs...)
}
