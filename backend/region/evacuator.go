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

import "github.com/0xsoniclabs/triedb/backend/directory"

// runEvacuator is the background compaction goroutine: it waits on a
// condition variable for non-empty relocation-queue entries and walks each
// source range object by object, relocating live objects it can lock.
func (a *Allocator) runEvacuator() {
	defer close(a.evacWaitCh)
	for a.runOne() {
	}
}

func (a *Allocator) runOne() bool {
	a.mu.Lock()
	for !a.done && a.queueFront == a.queuePos && !a.hdr.queue(a.queueFront).used() {
		a.cond.Wait()
	}
	if a.done {
		a.mu.Unlock()
		return false
	}
	q := a.hdr.queue(a.queueFront)
	a.queueFront = (a.queueFront + 1) % maxQueue
	a.mu.Unlock()

	if !q.used() {
		return true
	}

	origSrc := q.srcBegin().Load()
	origDest := q.destBegin().Load()
	end := a.evacuateRegion(q)

	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.hdr.active()
	regionSize := h.regionSizePtr().Load()
	srcRegion := origSrc / regionSize
	destRegion := origDest / regionSize
	used := h.regionUsedPtr(int(destRegion)).Load()
	destEnd := q.destEnd().Load()
	extra := destEnd - end
	copied := end - origDest

	if extra > 0 {
		const maxFill = uint32(1) << 24 >> 1 // stay well under the 24-bit size field
		for end+uint64(maxFill) < destEnd {
			writeObjectHeader(a.base, end, maxFill-headerWordSize, directory.NullID)
			end += uint64(maxFill)
		}
		writeObjectHeader(a.base, end, uint32(destEnd-end-headerWordSize), directory.NullID)
	}

	if srcRegion < maxRegions {
		a.queuedRegions[srcRegion] = false
	}

	srcUsed := h.regionUsedPtr(int(srcRegion)).Load()
	if srcUsed != 0 && copied != 0 {
		srcUsed -= copied
		h.regionUsedPtr(int(srcRegion)).Store(srcUsed)
		if srcUsed == 0 {
			a.makeAvailable(srcRegion)
		}
	}

	h.regionUsedPtr(int(destRegion)).Store(used - pendingWrite - extra)
	if used == pendingWrite+extra {
		a.makeAvailable(destRegion)
	}

	if copied > 0 {
		a.logger.Printf("region: evacuated %d bytes from region %d", copied, srcRegion)
	}

	// Retire the entry; the slot becomes reusable by pushQueue.
	q.destEnd().Store(0)
	q.destBegin().Store(0)
	q.srcBegin().Store(0)
	q.srcEnd().Store(0)
	return true
}

// evacuateRegion copies live objects out of q's source range into its
// destination reservation, skipping ids that have already been freed or
// moved by a racing writer. It returns the destination offset one past the
// last byte actually written.
func (a *Allocator) evacuateRegion(q queueItem) uint64 {
	begin := q.srcBegin().Load()
	end := q.srcEnd().Load()
	dest := q.destBegin().Load()
	destEnd := q.destEnd().Load()

	for begin != end {
		size, id := readObjectHeader(a.base, begin)
		objSize := allocSize(size)
		srcLoc := directory.Location{Offset: begin + headerWordSize, Tier: cacheTier}

		if id != directory.NullID {
			info, err := a.dir.Get(id)
			if err == nil && info.RefCount != 0 && info.Loc == srcLoc {
				lock, matched, lockErr := a.dir.TryLockAt(id, srcLoc)
				if lockErr == nil && matched && lock != nil {
					if objSize > destEnd-dest {
						lock.Unlock()
						break
					}
					newOffset := dest + headerWordSize
					copy(a.base[dest:dest+objSize], a.base[begin:begin+objSize])
					dest += objSize
					q.destBegin().Store(dest)
					lock.Move(directory.Location{Offset: newOffset, Tier: cacheTier})
					lock.Unlock()
				}
			}
		}
		begin += objSize
		q.srcBegin().Store(begin)
	}
	return dest
}
