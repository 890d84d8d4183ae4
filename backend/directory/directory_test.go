// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package directory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/common"
)

func openTestDirectory(t *testing.T) *Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.dat")
	d, err := Open(gcqueue.New(), path, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestAllocAssignsIncreasingIDsWithRefcountOne(t *testing.T) {
	d := openTestDirectory(t)

	l1, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	l2, err := d.Alloc(KindInner)
	require.NoError(t, err)
	require.NotEqual(t, l1.ID(), l2.ID())

	info, err := d.Get(l1.ID())
	require.NoError(t, err)
	require.Equal(t, uint16(1), info.RefCount)
	require.True(t, info.MoveLock)
	require.Equal(t, KindLeaf, info.Kind)
}

func TestAllocGrowsBeyondInitialCapacity(t *testing.T) {
	d := openTestDirectory(t)

	var last *Lock
	for i := 0; i < int(initialMaxID)+10; i++ {
		l, err := d.Alloc(KindLeaf)
		require.NoError(t, err)
		last = l
	}
	info, err := d.Get(last.ID())
	require.NoError(t, err)
	require.False(t, info.Free())
}

func TestMoveAndUnlockPublishLocation(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)

	loc := Location{Offset: 512, Tier: 2}
	l.Move(loc)
	l.Unlock()

	info, err := d.Get(l.ID())
	require.NoError(t, err)
	require.Equal(t, loc, info.Loc)
	require.False(t, info.MoveLock)
}

func TestBumpAndReleaseRoundTrip(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	l.Unlock()

	ok, err := d.Bump(l.ID())
	require.NoError(t, err)
	require.True(t, ok)

	info, err := d.Get(l.ID())
	require.NoError(t, err)
	require.Equal(t, uint16(2), info.RefCount)

	info, err = d.Release(l.ID())
	require.NoError(t, err)
	require.Equal(t, uint16(1), info.RefCount)

	info, err = d.Release(l.ID())
	require.NoError(t, err)
	require.True(t, info.Free())
}

func TestReleaseRecyclesIDsFromFreeList(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	l.Unlock()
	freed := l.ID()

	_, err = d.Release(freed)
	require.NoError(t, err)

	l2, err := d.Alloc(KindInner)
	require.NoError(t, err)
	require.Equal(t, freed, l2.ID())
}

func TestValidateRejectsNullAndOutOfRange(t *testing.T) {
	d := openTestDirectory(t)
	require.Error(t, d.Validate(NullID))
	require.Error(t, d.Validate(ObjectID(9999999)))

	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	require.NoError(t, d.Validate(l.ID()))
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)

	_, err = d.TryLock(l.ID())
	require.Error(t, err)
	require.ErrorIs(t, err, common.KindError(common.WouldBlock))

	l.Unlock()
	l2, err := d.TryLock(l.ID())
	require.NoError(t, err)
	l2.Unlock()
}

func TestTryLockAtRejectsStaleLocation(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	loc := Location{Offset: 64, Tier: 0}
	l.Move(loc)
	l.Unlock()

	lock, matched, err := d.TryLockAt(l.ID(), Location{Offset: 128, Tier: 0})
	require.NoError(t, err)
	require.False(t, matched)
	require.Nil(t, lock)

	lock, matched, err = d.TryLockAt(l.ID(), loc)
	require.NoError(t, err)
	require.True(t, matched)
	require.NotNil(t, lock)
	lock.Unlock()
}

func TestSpinLockAcquiresOnceReleased(t *testing.T) {
	d := openTestDirectory(t)
	l, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	l.Unlock()

	l2, err := d.SpinLock(l.ID())
	require.NoError(t, err)
	require.Equal(t, l.ID(), l2.ID())
	l2.Unlock()
}

func TestGCMarkSweepReclaimsUnretained(t *testing.T) {
	d := openTestDirectory(t)
	keep, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	keep.Unlock()
	drop, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	drop.Unlock()

	d.GCStart()
	require.True(t, d.GCRunning())

	firstTime, err := d.GCRetain(keep.ID())
	require.NoError(t, err)
	require.True(t, firstTime)

	secondTime, err := d.GCRetain(keep.ID())
	require.NoError(t, err)
	require.False(t, secondTime)

	d.GCFinish()
	require.False(t, d.GCRunning())

	info, err := d.Get(keep.ID())
	require.NoError(t, err)
	require.False(t, info.Free())

	info, err = d.Get(drop.ID())
	require.NoError(t, err)
	require.True(t, info.Free())

	// the reclaimed id must be reusable
	fresh, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	require.Equal(t, drop.ID(), fresh.ID())
}

func TestRootRevisionSwap(t *testing.T) {
	d := openTestDirectory(t)
	require.Equal(t, NullID, d.RootRevision())

	l, err := d.Alloc(KindInner)
	require.NoError(t, err)
	l.Unlock()

	old := d.SetRootRevision(l.ID())
	require.Equal(t, NullID, old)
	require.Equal(t, l.ID(), d.RootRevision())
}

func TestStatsCountsLiveAndFreeIDs(t *testing.T) {
	d := openTestDirectory(t)
	a, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	a.Unlock()
	b, err := d.Alloc(KindLeaf)
	require.NoError(t, err)
	b.Unlock()
	_, err = d.Release(b.ID())
	require.NoError(t, err)

	s := d.Stats()
	require.Equal(t, uint64(2), s.TotalIDs)
	require.Equal(t, uint64(1), s.LiveIDs)
	require.Equal(t, uint64(1), s.ZeroRefIDs)
}

func TestOpenRefusesWriterDuringGCWithoutAllowGC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.dat")
	d, err := Open(gcqueue.New(), path, true, false)
	require.NoError(t, err)
	d.GCStart()
	require.NoError(t, d.Close())

	_, err = Open(gcqueue.New(), path, true, false)
	require.Error(t, err)

	d2, err := Open(gcqueue.New(), path, true, true)
	require.NoError(t, err)
	require.NoError(t, d2.Close())
}
