// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFileName(t *testing.T) {
	name := DataFileName(3, 17)
	assert.Equal(t, "channel_3_17.dat", name)
	ch, n, ok := ParseDataFileName(name)
	require.True(t, ok)
	assert.Equal(t, 3, ch)
	assert.Equal(t, uint64(17), n)

	for _, bad := range []string{"channel_3.dat", "transactions_3.sft", "channel_x_1.dat", "channel_1_y.dat", "foo"} {
		_, _, ok := ParseDataFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestLocalFS_Lock(t *testing.T) {
	dir := t.TempDir()
	fs, err := OpenLocalFS(dir)
	require.NoError(t, err)

	_, err = OpenLocalFS(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, fs.Close())
	// multiple closes should be fine
	require.NoError(t, fs.Close())

	fs2, err := OpenLocalFS(dir)
	require.NoError(t, err)
	require.NoError(t, fs2.Close())
}

func TestLocalFS_Files(t *testing.T) {
	dir := t.TempDir()
	deletions := filepath.Join(t.TempDir(), "deleted")
	fs, err := OpenLocalFS(dir, WithDeletionDirectory(deletions))
	require.NoError(t, err)
	defer func() { _ = fs.Close() }()

	for _, n := range []uint64{10, 2, 1} {
		f, err := fs.ProvideDataFile(1, n)
		require.NoError(t, err)
		_, err = f.Write([]byte("hello "), []byte("world"))
		require.NoError(t, err)
		require.NoError(t, f.Flush())
		require.NoError(t, f.Close())
	}
	tx, err := fs.ProvideTransactionsFile(1)
	require.NoError(t, err)
	require.NoError(t, tx.Close())

	numbers, err := fs.CollectDataFiles(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 10}, numbers)

	numbers, err = fs.CollectDataFiles(5)
	require.NoError(t, err)
	assert.Empty(t, numbers)

	src, err := fs.ProvideDataFile(1, 1)
	require.NoError(t, err)
	dst, err := fs.ProvideDataFile(1, 11)
	require.NoError(t, err)
	n, err := CopyFilePart(src, 6, 5, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	buf := make([]byte, 5)
	require.NoError(t, ReadFull(dst, buf, 0))
	assert.Equal(t, "world", string(buf))

	_, err = CopyFilePart(src, 6, 50, dst)
	assert.Error(t, err)

	require.NoError(t, src.Truncate(5))
	size, err := src.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, src.Delete())
	_, err = os.Stat(filepath.Join(deletions, DataFileName(1, 1)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ChannelDirName(1), DataFileName(1, 1)))
	assert.True(t, os.IsNotExist(err))

	_, err = src.Size()
	assert.ErrorIs(t, err, ErrClosed)
}
