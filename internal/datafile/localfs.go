// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	lockFileName       = ".lock"
	dataFileSuffix     = ".dat"
	txFileSuffix       = ".sft"
	channelDirPrefix   = "channel_"
	transactionsPrefix = "transactions_"
)

var ErrLocked = errors.New("storage directory is locked by another process")

// ChannelDirName returns the directory name holding a channel's files.
func ChannelDirName(channel int) string {
	return channelDirPrefix + strconv.Itoa(channel)
}

// DataFileName returns the base name of data file number of channel.
func DataFileName(channel int, number uint64) string {
	return fmt.Sprintf("%s%d_%d%s", channelDirPrefix, channel, number, dataFileSuffix)
}

// TransactionsFileName returns the base name of a channel's transaction log.
func TransactionsFileName(channel int) string {
	return transactionsPrefix + strconv.Itoa(channel) + txFileSuffix
}

// ParseDataFileName is the inverse of DataFileName.
func ParseDataFileName(name string) (channel int, number uint64, ok bool) {
	if !strings.HasPrefix(name, channelDirPrefix) || !strings.HasSuffix(name, dataFileSuffix) {
		return 0, 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, channelDirPrefix), dataFileSuffix)
	c, n, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, false
	}
	ch, err := strconv.Atoi(c)
	if err != nil || ch < 0 {
		return 0, 0, false
	}
	num, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ch, num, true
}

// LocalFS stores files below a base directory on the local file system.
type LocalFS struct {
	dir         string
	deletionDir string
	lock        *os.File
	closed      atomic.Bool
}

// LocalFSOption configures a LocalFS.
type LocalFSOption func(*LocalFS)

// WithDeletionDirectory makes Delete move files into dir instead of removing them.
func WithDeletionDirectory(dir string) LocalFSOption {
	return func(fs *LocalFS) {
		fs.deletionDir = dir
	}
}

// OpenLocalFS creates dir if needed and takes an exclusive lock on it.
func OpenLocalFS(dir string, opts ...LocalFSOption) (*LocalFS, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}
	fs := &LocalFS{dir: dir}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.deletionDir != "" {
		if err := os.MkdirAll(fs.deletionDir, 0755); err != nil {
			return nil, fmt.Errorf("os.MkdirAll(%s): %w", fs.deletionDir, err)
		}
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(lock): %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("flock(%s): %w", dir, err)
	}
	fs.lock = lock
	return fs, nil
}

// Dir returns the base directory.
func (fs *LocalFS) Dir() string {
	return fs.dir
}

func (fs *LocalFS) channelDir(channel int) (string, error) {
	dir := filepath.Join(fs.dir, ChannelDirName(channel))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}
	return dir, nil
}

func (fs *LocalFS) open(channel int, name string) (File, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}
	dir, err := fs.channelDir(channel)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	return &localFile{fs: fs, path: path, f: f}, nil
}

func (fs *LocalFS) ProvideDataFile(channel int, number uint64) (File, error) {
	return fs.open(channel, DataFileName(channel, number))
}

func (fs *LocalFS) ProvideTransactionsFile(channel int) (File, error) {
	return fs.open(channel, TransactionsFileName(channel))
}

func (fs *LocalFS) CollectDataFiles(channel int) ([]uint64, error) {
	dir := filepath.Join(fs.dir, ChannelDirName(channel))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("os.ReadDir(%s): %w", dir, err)
	}
	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ch, n, ok := ParseDataFileName(e.Name())
		if !ok || ch != channel {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

func (fs *LocalFS) Close() error {
	if fs.closed.Swap(true) {
		return nil
	}
	_ = unix.Flock(int(fs.lock.Fd()), unix.LOCK_UN)
	return fs.lock.Close()
}

type localFile struct {
	fs   *LocalFS
	path string

	mu sync.Mutex
	f  *os.File
}

var _ File = &localFile{}

func (lf *localFile) Name() string {
	return lf.path
}

func (lf *localFile) file() (*os.File, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil, fmt.Errorf("%s: %w", lf.path, ErrClosed)
	}
	return lf.f, nil
}

func (lf *localFile) Size() (int64, error) {
	f, err := lf.file()
	if err != nil {
		return 0, err
	}
	stats, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("f.Stat: %w", err)
	}
	return stats.Size(), nil
}

func (lf *localFile) ReadAt(p []byte, off int64) (int, error) {
	f, err := lf.file()
	if err != nil {
		return 0, err
	}
	return f.ReadAt(p, off)
}

func (lf *localFile) Write(buffers ...[]byte) (int64, error) {
	f, err := lf.file()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range buffers {
		n, err := f.Write(b)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("f.Write: %w", err)
		}
	}
	return total, nil
}

func (lf *localFile) Truncate(size int64) error {
	f, err := lf.file()
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("f.Truncate(%d): %w", size, err)
	}
	return nil
}

func (lf *localFile) Flush() error {
	f, err := lf.file()
	if err != nil {
		return err
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("fdatasync(%s): %w", lf.path, err)
	}
	return nil
}

func (lf *localFile) Delete() error {
	if err := lf.Close(); err != nil {
		return err
	}
	if lf.fs.deletionDir != "" {
		// data file names already carry the channel index
		target := filepath.Join(lf.fs.deletionDir, filepath.Base(lf.path))
		if err := os.Rename(lf.path, target); err != nil {
			return fmt.Errorf("os.Rename(%s, %s): %w", lf.path, target, err)
		}
		return nil
	}
	if err := os.Remove(lf.path); err != nil {
		return fmt.Errorf("os.Remove(%s): %w", lf.path, err)
	}
	return nil
}

func (lf *localFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.f == nil {
		return nil
	}
	err := lf.f.Close()
	lf.f = nil
	if err != nil {
		return fmt.Errorf("f.Close: %w", err)
	}
	return nil
}
