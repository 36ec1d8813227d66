// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"io"
)

const copyBufferSize = 1024 * 1024

var (
	ErrClosed   = errors.New("file is closed")
	ErrNotFound = errors.New("file not found")
)

// File is one physical storage file.  Writes always append.  A File is
// owned by exactly one channel; implementations don't need to be safe for
// concurrent writers, but ReadAt must be safe to call concurrently.
type File interface {
	io.ReaderAt
	// Name identifies the file in logs and errors.
	Name() string
	Size() (int64, error)
	// Write appends buffers in order and returns the total bytes written.
	Write(buffers ...[]byte) (int64, error)
	Truncate(size int64) error
	// Flush makes all written data durable.
	Flush() error
	// Delete removes the file (or moves it out of the way, see LocalFS).
	Delete() error
	Close() error
}

// IOHandler provides the physical files of a storage.  The storage core
// never touches a file system directly.
type IOHandler interface {
	// ProvideDataFile opens, creating if needed, data file number of a channel.
	ProvideDataFile(channel int, number uint64) (File, error)
	ProvideTransactionsFile(channel int) (File, error)
	// CollectDataFiles lists the numbers of all data files of a channel in
	// ascending order.
	CollectDataFiles(channel int) ([]uint64, error)
	Close() error
}

// CopyFilePart appends n bytes of src starting at off to dst, returning the
// number of bytes appended.
func CopyFilePart(src File, off, n int64, dst File) (int64, error) {
	if n < 0 || off < 0 {
		return 0, fmt.Errorf("CopyFilePart(%s, %d, %d): invalid range", src.Name(), off, n)
	}
	bufLen := int64(copyBufferSize)
	if n < bufLen {
		bufLen = n
	}
	buf := make([]byte, bufLen)
	var copied int64
	for copied < n {
		chunk := buf
		if rem := n - copied; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		read, err := src.ReadAt(chunk, off+copied)
		if read != len(chunk) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return copied, fmt.Errorf("%s.ReadAt(%d, len: %d): %w", src.Name(), off+copied, len(chunk), err)
		}
		written, err := dst.Write(chunk)
		copied += written
		if err != nil {
			return copied, fmt.Errorf("%s.Write: %w", dst.Name(), err)
		}
	}
	return copied, nil
}

// ReadFull reads exactly len(p) bytes at off.
func ReadFull(f File, p []byte, off int64) error {
	n, err := f.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%s.ReadAt(%d, len: %d): short read of %d: %w", f.Name(), off, len(p), n, err)
}
