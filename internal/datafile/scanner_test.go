// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/bitgraph/internal/entity"
)

func writeRecords(t *testing.T, f File, c entity.Codec, ids ...uint64) {
	t.Helper()
	for _, id := range ids {
		rec, err := c.Encode(id, entity.FirstTypeID, []byte{byte(id), byte(id), byte(id)})
		require.NoError(t, err)
		_, err = f.Write(rec)
		require.NoError(t, err)
	}
}

func TestScanner_Strict(t *testing.T) {
	fs := NewMemFS()
	f, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	c := entity.NewCodec(false)
	writeRecords(t, f, c, 1, 2, 3)

	s, err := NewScanner(f, c, entity.DefaultBounds(), -1, false)
	require.NoError(t, err)
	var ids []uint64
	var offsets []int64
	for s.Next() {
		ids = append(ids, s.Record().ObjectID)
		offsets = append(offsets, s.Record().Offset)
		b, err := s.Bytes()
		require.NoError(t, err)
		payload, err := c.Payload(b)
		require.NoError(t, err)
		assert.Equal(t, byte(s.Record().ObjectID), payload[0])
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []uint64{1, 2, 3}, ids)
	recLen := int64(entity.HeaderSize + 3)
	assert.Equal(t, []int64{0, recLen, 2 * recLen}, offsets)
	assert.Equal(t, 3*recLen, s.ValidLength())

	// trailing partial record is an error in strict mode
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	s, err = NewScanner(f, c, entity.DefaultBounds(), -1, false)
	require.NoError(t, err)
	n := 0
	for s.Next() {
		n++
	}
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, s.Err(), entity.ErrFormat)
	assert.Equal(t, 3*recLen, s.ValidLength())

	// but a limit excludes it
	s, err = NewScanner(f, c, entity.DefaultBounds(), 3*recLen, false)
	require.NoError(t, err)
	for s.Next() {
	}
	assert.NoError(t, s.Err())
}

func TestScanner_RecoverySkipsGarbage(t *testing.T) {
	fs := NewMemFS()
	f, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	c := entity.NewCodec(false)
	writeRecords(t, f, c, 1)
	garbage := make([]byte, 40)
	for i := range garbage {
		garbage[i] = 0xff
	}
	_, err = f.Write(garbage)
	require.NoError(t, err)
	writeRecords(t, f, c, 2)

	s, err := NewScanner(f, c, entity.DefaultBounds(), -1, true)
	require.NoError(t, err)
	var ids []uint64
	for s.Next() {
		ids = append(ids, s.Record().ObjectID)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []uint64{1, 2}, ids)
	require.Len(t, s.Garbage(), 1)
	g := s.Garbage()[0]
	assert.Equal(t, int64(entity.HeaderSize+3), g.Offset)
	assert.Equal(t, int64(40), g.Length)
	assert.ErrorIs(t, g.Err, entity.ErrFormat)
}

func TestScanner_SwitchedByteOrder(t *testing.T) {
	fs := NewMemFS()
	f, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	writeRecords(t, f, entity.NewCodec(true), 9)

	s, err := NewScanner(f, entity.NewCodec(true), entity.DefaultBounds(), -1, false)
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, uint64(9), s.Record().ObjectID)

	s, err = NewScanner(f, entity.NewCodec(false), entity.DefaultBounds(), -1, false)
	require.NoError(t, err)
	require.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), entity.ErrFormat)
}

func TestFingerprint(t *testing.T) {
	fs := NewMemFS()
	a, err := fs.ProvideDataFile(0, 1)
	require.NoError(t, err)
	b, err := fs.ProvideDataFile(0, 2)
	require.NoError(t, err)
	c := entity.NewCodec(false)
	writeRecords(t, a, c, 1, 2)
	writeRecords(t, b, c, 1, 2)

	size, err := a.Size()
	require.NoError(t, err)
	fa, err := Fingerprint(a, size)
	require.NoError(t, err)
	fb, err := Fingerprint(b, size)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	writeRecords(t, b, c, 3)
	size, err = b.Size()
	require.NoError(t, err)
	fb, err = Fingerprint(b, size)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}
