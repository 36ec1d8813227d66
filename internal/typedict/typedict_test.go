// Copyright 2023 The bit Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package typedict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/bitgraph/internal/entity"
)

var nodeFields = []entity.Field{
	{Name: "value", Kind: entity.KindUint64},
	{Name: "next", Kind: entity.KindReference},
}

func TestDictionary_DefineAndReload(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir)
	require.NoError(t, err)
	id := d.StorageID()

	reg := entity.NewRegistry()
	node, err := d.Define(reg, "test.Node", nodeFields)
	require.NoError(t, err)
	assert.Equal(t, entity.FirstTypeID, node.ID)

	leaf, err := d.Define(reg, "test.Leaf", []entity.Field{{Name: "data", Kind: entity.KindBytes}})
	require.NoError(t, err)
	assert.Equal(t, entity.FirstTypeID+1, leaf.ID)

	again, err := d.Define(reg, "test.Node", nodeFields)
	require.NoError(t, err)
	assert.Equal(t, node.ID, again.ID)

	_, err = d.Define(reg, "test.Node", nodeFields[:1])
	assert.ErrorIs(t, err, entity.ErrTypeConflict)

	_, err = d.Define(reg, "", nil)
	assert.Error(t, err)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), ErrClosed)

	d, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()
	assert.Equal(t, id, d.StorageID())

	reg = entity.NewRegistry()
	require.NoError(t, d.Load(reg))
	got, ok := reg.LookupName("test.Node")
	require.True(t, ok)
	assert.True(t, got.SameLayout(node))
	assert.Equal(t, node.ID, got.ID)

	types, err := d.Types()
	require.NoError(t, err)
	require.Len(t, types, 2)

	// ids keep counting up after a reopen
	third, err := d.Define(reg, "test.Third", nil)
	require.NoError(t, err)
	assert.Equal(t, entity.FirstTypeID+2, third.ID)
}
