// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"io"
	"sort"
	"sync"
)

// ErrInjected is returned by a MemFS with write failures enabled.
var ErrInjected = errors.New("injected I/O failure")

// MemFS is an in-memory IOHandler, used in tests and for throwaway storages.
type MemFS struct {
	mu         sync.Mutex
	files      map[string]*memFile
	failWrites func(name string) bool
	deleted    []string
}

var _ IOHandler = &MemFS{}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memFile)}
}

// SetFailWrites makes every subsequent Write and Truncate fail with ErrInjected.
func (fs *MemFS) SetFailWrites(fail bool) {
	if !fail {
		fs.FailWritesMatching(nil)
		return
	}
	fs.FailWritesMatching(func(string) bool { return true })
}

// FailWritesMatching makes Write and Truncate fail for the files whose name
// match reports true.  A nil match disables failures.
func (fs *MemFS) FailWritesMatching(match func(name string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failWrites = match
}

func (fs *MemFS) shouldFail(name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.failWrites != nil && fs.failWrites(name)
}

// Deleted returns the names of all deleted files in deletion order.
func (fs *MemFS) Deleted() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.deleted...)
}

// Bytes returns a copy of the named file's contents.
func (fs *MemFS) Bytes(name string) ([]byte, bool) {
	fs.mu.Lock()
	f, ok := fs.files[name]
	fs.mu.Unlock()
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf...), true
}

func (fs *MemFS) provide(channel int, number uint64, name string, isData bool) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		f = &memFile{fs: fs, name: name, channel: channel, number: number, isData: isData}
		fs.files[name] = f
	}
	return f, nil
}

func (fs *MemFS) ProvideDataFile(channel int, number uint64) (File, error) {
	return fs.provide(channel, number, DataFileName(channel, number), true)
}

func (fs *MemFS) ProvideTransactionsFile(channel int) (File, error) {
	return fs.provide(channel, 0, TransactionsFileName(channel), false)
}

func (fs *MemFS) CollectDataFiles(channel int) ([]uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var numbers []uint64
	for _, f := range fs.files {
		if f.isData && f.channel == channel {
			numbers = append(numbers, f.number)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

func (fs *MemFS) Close() error {
	return nil
}

// memFile is the storage-shaped version of a bytes buffer: append-only
// writes, random reads.
type memFile struct {
	fs      *MemFS
	name    string
	channel int
	number  uint64
	isData  bool

	mu  sync.Mutex
	buf []byte
}

func (f *memFile) Name() string {
	return f.name
}

func (f *memFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.buf)), nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(buffers ...[]byte) (int64, error) {
	if f.fs.shouldFail(f.name) {
		return 0, ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, b := range buffers {
		f.buf = append(f.buf, b...)
		total += int64(len(b))
	}
	return total, nil
}

func (f *memFile) Truncate(size int64) error {
	if f.fs.shouldFail(f.name) {
		return ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < 0 {
		return errors.New("negative size")
	}
	if size <= int64(len(f.buf)) {
		f.buf = f.buf[:size]
	} else {
		f.buf = append(f.buf, make([]byte, size-int64(len(f.buf)))...)
	}
	return nil
}

func (f *memFile) Flush() error {
	return nil
}

func (f *memFile) Delete() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if _, ok := f.fs.files[f.name]; !ok {
		return ErrNotFound
	}
	delete(f.fs.files, f.name)
	f.fs.deleted = append(f.fs.deleted, f.name)
	return nil
}

func (f *memFile) Close() error {
	return nil
}
