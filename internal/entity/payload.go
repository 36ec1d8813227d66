// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package entity

import (
	"fmt"
)

// PayloadWriter appends fields to a payload in the codec's byte order.
type PayloadWriter struct {
	c   Codec
	buf []byte
}

// NewPayloadWriter returns an empty PayloadWriter.
func (c Codec) NewPayloadWriter() *PayloadWriter {
	return &PayloadWriter{c: c}
}

func (w *PayloadWriter) put(v uint64) {
	var b [8]byte
	w.c.ByteOrder().PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Reference appends a reference to another entity.  0 is the null reference.
func (w *PayloadWriter) Reference(objectID uint64) *PayloadWriter {
	w.put(objectID)
	return w
}

func (w *PayloadWriter) Uint64(v uint64) *PayloadWriter {
	w.put(v)
	return w
}

func (w *PayloadWriter) Bytes(b []byte) *PayloadWriter {
	w.put(uint64(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

func (w *PayloadWriter) String(s string) *PayloadWriter {
	w.put(uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// References appends a counted list of references.
func (w *PayloadWriter) References(objectIDs []uint64) *PayloadWriter {
	w.put(uint64(len(objectIDs)))
	for _, id := range objectIDs {
		w.put(id)
	}
	return w
}

// Payload returns the bytes written so far.
func (w *PayloadWriter) Payload() []byte {
	return w.buf
}

// PayloadReader decodes fields from a payload.  The first error is sticky
// and reported by Err; after an error all reads return zero values.
type PayloadReader struct {
	c   Codec
	b   []byte
	off int
	err error
}

// NewPayloadReader returns a reader over payload; payload is not copied.
func (c Codec) NewPayloadReader(payload []byte) *PayloadReader {
	return &PayloadReader{c: c, b: payload}
}

func (r *PayloadReader) get(field string) uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.b) {
		r.err = &FormatError{Field: field, Value: uint64(r.off), Msg: fmt.Sprintf("payload truncated at %d of %d bytes", r.off, len(r.b))}
		return 0
	}
	v := r.c.ByteOrder().Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *PayloadReader) Reference() uint64 {
	return r.get("reference")
}

func (r *PayloadReader) Uint64() uint64 {
	return r.get("uint64")
}

// Bytes returns a sub-slice of the payload; copy it if the payload is reused.
func (r *PayloadReader) Bytes() []byte {
	n := r.get("bytes length")
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)-r.off) {
		r.err = &FormatError{Field: "bytes length", Value: n, Msg: fmt.Sprintf("exceeds remaining %d payload bytes", len(r.b)-r.off)}
		return nil
	}
	b := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *PayloadReader) String() string {
	return string(r.Bytes())
}

func (r *PayloadReader) References() []uint64 {
	n := r.get("references count")
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)-r.off)/8 {
		r.err = &FormatError{Field: "references count", Value: n, Msg: fmt.Sprintf("exceeds remaining %d payload bytes", len(r.b)-r.off)}
		return nil
	}
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = r.get("reference")
	}
	return ids
}

// Remaining returns the number of unread payload bytes.
func (r *PayloadReader) Remaining() int {
	return len(r.b) - r.off
}

func (r *PayloadReader) Err() error {
	return r.err
}
