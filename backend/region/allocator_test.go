// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package region

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
)

func openTestAllocator(t *testing.T, initialSize uint64) (*Allocator, *directory.Directory) {
	t.Helper()
	gc := gcqueue.New()
	dirPath := filepath.Join(t.TempDir(), "directory.dat")
	dir, err := directory.Open(gc, dirPath, true, false)
	require.NoError(t, err)

	regionPath := filepath.Join(t.TempDir(), "region.dat")
	a, err := Open(gc, dir, regionPath, true, initialSize, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, a.Close())
		require.NoError(t, dir.Close())
	})
	return a, dir
}

func TestAllocateReturnsWritablePayloadAtTierThree(t *testing.T) {
	a, _ := openTestAllocator(t, 0)

	payload, loc, err := a.Allocate(directory.ObjectID(1), 32)
	require.NoError(t, err)
	require.Len(t, payload, 32)
	require.Equal(t, uint8(cacheTier), loc.Tier)

	copy(payload, []byte("hello world, this is 32 bytes!!"))
	span := a.Span(loc)
	require.Equal(t, payload, span)
}

func TestAllocateRejectsOversizedPayload(t *testing.T) {
	a, _ := openTestAllocator(t, 0)
	_, _, err := a.Allocate(directory.ObjectID(1), maxPayloadSize+1)
	require.Error(t, err)
}

func TestAllocateSwitchesRegionsWhenFull(t *testing.T) {
	regionSize := uint64(8192)
	a, _ := openTestAllocator(t, regionSize)

	var last Location
	for i := 0; i < 2000; i++ {
		_, loc, err := a.Allocate(directory.ObjectID(i+1), 64)
		require.NoError(t, err)
		last = loc
	}
	stats := a.Stats()
	require.GreaterOrEqual(t, stats.NumRegions, 1)
	require.NotZero(t, last.Offset)
}

func TestDeallocateFreesRegionWhenEmptied(t *testing.T) {
	a, _ := openTestAllocator(t, 0)
	_, loc, err := a.Allocate(directory.ObjectID(1), 16)
	require.NoError(t, err)

	size := a.ObjectSize(loc)
	before := a.Stats()
	a.Deallocate(loc, size)
	after := a.Stats()
	require.Less(t, after.UsedBytes, before.UsedBytes)
	require.Equal(t, size, before.UsedBytes-after.UsedBytes)
}

func TestEvacuatorCompactsSparseRegion(t *testing.T) {
	regionSize := uint64(8192)
	a, dir := openTestAllocator(t, regionSize)

	// allocate publishes the directory location the way the trie engine
	// does, so the evacuator can find and relocate live objects.
	allocate := func(payload []byte) (directory.ObjectID, Location) {
		lock, err := dir.Alloc(directory.KindLeaf)
		require.NoError(t, err)
		dst, loc, err := a.Allocate(lock.ID(), uint32(len(payload)))
		require.NoError(t, err)
		copy(dst, payload)
		lock.Move(loc)
		lock.Unlock()
		return lock.ID(), loc
	}

	keepPayload := []byte("this object must survive compaction.")
	keepID, keepLoc := allocate(keepPayload)

	// Fill the rest of region 0 with soon-to-die objects, spill into
	// region 1, then free the fillers so region 0 drops below half use.
	var doomed []struct {
		id  directory.ObjectID
		loc Location
	}
	for i := 0; i < 100; i++ {
		id, loc := allocate(make([]byte, 64))
		doomed = append(doomed, struct {
			id  directory.ObjectID
			loc Location
		}{id, loc})
	}
	for _, d := range doomed {
		if d.loc.Offset < regionSize {
			_, err := dir.Release(d.id)
			require.NoError(t, err)
			a.Deallocate(d.loc, a.ObjectSize(d.loc))
		}
	}

	// Fill the current region to force another switch; the switch sees the
	// now-sparse region 0 and queues it for evacuation.
	for i := 0; i < 200; i++ {
		allocate(make([]byte, 64))
	}

	require.Eventually(t, func() bool {
		return a.Stats().QueueDepth == 0
	}, 5*time.Second, 10*time.Millisecond, "relocation queue must drain")

	require.Eventually(t, func() bool {
		info, err := dir.Get(keepID)
		return err == nil && info.Loc != keepLoc
	}, 5*time.Second, 10*time.Millisecond, "live object must be relocated out of the sparse region")

	info, err := dir.Get(keepID)
	require.NoError(t, err)
	require.Equal(t, keepPayload, a.Span(info.Loc)[:len(keepPayload)])
}

func TestObjectSizeMatchesAllocSize(t *testing.T) {
	a, _ := openTestAllocator(t, 0)
	_, loc, err := a.Allocate(directory.ObjectID(1), 100)
	require.NoError(t, err)
	require.Equal(t, allocSize(100), a.ObjectSize(loc))
}

func TestStatsReportsRegionSizeAndUsage(t *testing.T) {
	a, _ := openTestAllocator(t, 0)
	before := a.Stats()
	require.Equal(t, 1, before.NumRegions)
	require.Equal(t, 0, before.QueueDepth)

	// allocating within the already-reserved region doesn't change the
	// region's used-bytes accounting; only deallocation does.
	_, _, err := a.Allocate(directory.ObjectID(1), 40)
	require.NoError(t, err)
	after := a.Stats()
	require.Equal(t, before.UsedBytes, after.UsedBytes)
	require.Equal(t, before.RegionSize, after.RegionSize)
}
