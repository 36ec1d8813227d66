// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"fmt"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/bitgraph/internal/entity"
)

const scanWindowSize = 4 * 1024 * 1024

// Record locates one entity record in a data file.
type Record struct {
	entity.Header
	Offset int64
}

// GarbageRange is a byte range of a data file that doesn't decode to valid
// records.
type GarbageRange struct {
	Offset int64
	Length int64
	Err    error
}

// Scanner iterates the records of a data file, validating every header
// against Bounds.  In strict mode the first invalid header stops the scan
// with an error.  In recovery mode the invalid bytes are reported as a
// GarbageRange and scanning resumes at the next offset that decodes to a
// valid header.
type Scanner struct {
	f        File
	codec    entity.Codec
	bounds   entity.Bounds
	recovery bool
	size     int64

	off       int64
	window    []byte
	windowOff int64

	rec      Record
	validEnd int64
	garbage  []GarbageRange
	err      error
}

// NewScanner scans f up to limit bytes (a negative limit scans the whole file).
func NewScanner(f File, codec entity.Codec, bounds entity.Bounds, limit int64, recovery bool) (*Scanner, error) {
	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("%s.Size: %w", f.Name(), err)
	}
	if limit >= 0 && limit < size {
		size = limit
	}
	return &Scanner{
		f:        f,
		codec:    codec,
		bounds:   bounds,
		recovery: recovery,
		size:     size,
	}, nil
}

// bytesAt returns n bytes at off, refilling the read window if needed.
func (s *Scanner) bytesAt(off int64, n int) ([]byte, error) {
	if off >= s.windowOff && off+int64(n) <= s.windowOff+int64(len(s.window)) {
		start := off - s.windowOff
		return s.window[start : start+int64(n)], nil
	}
	wlen := int64(scanWindowSize)
	if int64(n) > wlen {
		wlen = int64(n)
	}
	if off+wlen > s.size {
		wlen = s.size - off
	}
	if wlen < int64(n) {
		return nil, fmt.Errorf("read of %d bytes at %d beyond scan limit %d", n, off, s.size)
	}
	if int64(cap(s.window)) < wlen {
		s.window = make([]byte, wlen)
	}
	s.window = s.window[:wlen]
	if err := ReadFull(s.f, s.window, off); err != nil {
		s.window = s.window[:0]
		return nil, err
	}
	s.windowOff = off
	return s.window[:n], nil
}

func (s *Scanner) headerAt(off int64) (entity.Header, error) {
	if s.size-off < entity.HeaderSize {
		return entity.Header{}, &entity.FormatError{Field: "header", Value: uint64(s.size - off), Msg: "trailing bytes too short for a record header"}
	}
	b, err := s.bytesAt(off, entity.HeaderSize)
	if err != nil {
		return entity.Header{}, err
	}
	h, err := s.codec.DecodeHeader(b)
	if err != nil {
		return entity.Header{}, err
	}
	if err := s.bounds.Validate(h, s.size-off); err != nil {
		return entity.Header{}, err
	}
	return h, nil
}

// Next advances to the next valid record.
func (s *Scanner) Next() bool {
	if s.err != nil || s.off >= s.size {
		return false
	}
	h, err := s.headerAt(s.off)
	if err == nil {
		s.rec = Record{Header: h, Offset: s.off}
		s.off += int64(h.Length)
		s.validEnd = s.off
		return true
	}
	if !s.recovery {
		s.err = fmt.Errorf("%s at offset %d: %w", s.f.Name(), s.off, err)
		return false
	}
	start := s.off
	for s.off++; s.off < s.size; s.off++ {
		h, herr := s.headerAt(s.off)
		if herr == nil {
			s.garbage = append(s.garbage, GarbageRange{Offset: start, Length: s.off - start, Err: err})
			s.rec = Record{Header: h, Offset: s.off}
			s.off += int64(h.Length)
			s.validEnd = s.off
			return true
		}
	}
	s.garbage = append(s.garbage, GarbageRange{Offset: start, Length: s.size - start, Err: err})
	return false
}

// Record returns the current record's location.
func (s *Scanner) Record() Record {
	return s.rec
}

// Bytes returns the complete current record.  The slice is only valid until
// the next call to Next.
func (s *Scanner) Bytes() ([]byte, error) {
	return s.bytesAt(s.rec.Offset, int(s.rec.Length))
}

// Garbage returns the invalid ranges found so far (recovery mode only).
func (s *Scanner) Garbage() []GarbageRange {
	return s.garbage
}

// ValidLength is the offset just past the last valid record scanned.
func (s *Scanner) ValidLength() int64 {
	return s.validEnd
}

func (s *Scanner) Err() error {
	return s.err
}

// Fingerprint returns a content hash of the first length bytes of f.
func Fingerprint(f File, length int64) (uint64, error) {
	buf := make([]byte, length)
	if err := ReadFull(f, buf, 0); err != nil {
		return 0, err
	}
	return farm.Fingerprint64(buf), nil
}
