// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/backend/region"
	"github.com/0xsoniclabs/triedb/common"
	"github.com/0xsoniclabs/triedb/database/trie"
)

type testFixture struct {
	eng *trie.Engine
	dir *directory.Directory
	gc  *gcqueue.Queue
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	gc := gcqueue.New()
	dirPath := filepath.Join(t.TempDir(), "directory.dat")
	dir, err := directory.Open(gc, dirPath, true, false)
	require.NoError(t, err)

	regionPath := filepath.Join(t.TempDir(), "region.dat")
	alloc, err := region.Open(gc, dir, regionPath, true, 0, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, alloc.Close())
		require.NoError(t, dir.Close())
	})
	return &testFixture{eng: trie.New(dir, alloc), dir: dir, gc: gc}
}

func TestWriteSessionUpsertAndPublish(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)

	oldSize, err := ws.Upsert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.Equal(t, -1, oldSize)

	require.NoError(t, ws.SetRootRevision(ws.Root()))
	require.NoError(t, ws.Close())

	require.Equal(t, ws.Root(), f.dir.RootRevision())
}

func TestWriteSessionRejectsEmptyKey(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Upsert(nil, []byte("v"))
	require.Error(t, err)
	require.ErrorIs(t, err, common.KindError(common.InvalidArgument))

	_, err = ws.Remove([]byte{})
	require.Error(t, err)
	require.ErrorIs(t, err, common.KindError(common.InvalidArgument))
}

func TestWriteSessionOperationsFailAfterClose(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close()) // idempotent

	_, err = ws.Upsert([]byte("a"), []byte("b"))
	require.Error(t, err)
}

func TestWriteSessionForkAdmitsInPlaceMutationAgain(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Upsert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, ws.SetRootRevision(ws.Root()))

	forked, err := ws.Fork(directory.NullID)
	require.NoError(t, err)
	require.NotEqual(t, directory.NullID, forked)

	_, err = ws.Upsert([]byte("beta"), []byte("2"))
	require.NoError(t, err)

	it, err := ws.Find([]byte("beta"))
	require.NoError(t, err)
	require.True(t, it.Valid())
}

func TestWriteSessionGCCycleRetainsReachableIDs(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Upsert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, ws.SetRootRevision(ws.Root()))

	// One retain per holder: the published revision and the session's own
	// working root are independent references to the same id here.
	require.NoError(t, ws.StartCollectGarbage())
	require.NoError(t, ws.RecursiveRetain(f.dir.RootRevision()))
	require.NoError(t, ws.RecursiveRetain(ws.Root()))
	require.NoError(t, ws.EndCollectGarbage())

	info, err := f.dir.Get(ws.Root())
	require.NoError(t, err)
	require.Equal(t, uint16(2), info.RefCount)

	it, err := ws.Find([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, it.Valid())
}

func TestWriteSessionIteratorInvalidatedByMutation(t *testing.T) {
	f := newFixture(t)
	ws, err := NewWrite(f.eng, f.dir, f.gc)
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Upsert([]byte("alpha"), []byte("1"))
	require.NoError(t, err)

	it, err := ws.First()
	require.NoError(t, err)
	require.True(t, it.Valid())

	_, err = ws.Upsert([]byte("beta"), []byte("2"))
	require.NoError(t, err)

	require.False(t, it.Valid(), "iterator must be invalidated by a subsequent write")
}
