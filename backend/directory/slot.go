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

// Slot bit layout:
//
//	0-12    refcount   (0 = free; all-ones reserved as a GC scratch marker)
//	13      move-lock
//	14-15   kind       (leaf / inner)      -- or next-free-list ptr when free
//	16-17   cache tier                     -- or next-free-list ptr when free
//	18-63   offset/8                       -- or next-free-list ptr when free
const (
	refCountBits = 13
	refCountMask = uint64(1)<<refCountBits - 1 // 0x1FFF

	moveLockShift = refCountBits
	moveLockMask  = uint64(1) << moveLockShift

	kindShift = moveLockShift + 1 // 14
	kindBits  = 2
	kindMask  = uint64(1)<<kindBits - 1

	tierShift = kindShift + kindBits // 16
	tierBits  = 2
	tierMask  = uint64(1)<<tierBits - 1

	offsetShift = tierShift + tierBits // 18
	offsetBits  = 64 - offsetShift     // 46

	freePtrShift = kindShift // next-free pointer occupies bits 14-63 when refcount==0

	// allOnesRefCount is illegal during normal operation; the mark-and-sweep
	// pass uses it as a transient scratch marker, and Bump refuses to cross
	// bumpCeilRefCount so a concurrent bump never collides with it.
	allOnesRefCount   = refCountMask
	bumpCeilRefCount  = allOnesRefCount - 1
	sentinelOffsetVal = uint64(1)<<offsetBits - 1
)

// Kind classifies an allocated object as a leaf or an inner trie node.
type Kind uint8

const (
	KindLeaf Kind = iota
	KindInner
)

func (k Kind) String() string {
	if k == KindInner {
		return "inner"
	}
	return "leaf"
}

// Location is the (offset, cache-tier) pair recorded for every allocated
// object. Offset is a byte offset into the region file; packSlot/unpackSlot
// handle the on-disk 8-byte-unit encoding.
type Location struct {
	Offset uint64
	Tier   uint8
}

// Info is the unpacked view of a directory slot.
type Info struct {
	RefCount uint16
	MoveLock bool
	Kind     Kind
	Loc      Location
}

func (i Info) Free() bool { return i.RefCount == 0 }

func packSlot(refCount uint16, moveLock bool, kind Kind, loc Location) uint64 {
	v := uint64(refCount) & refCountMask
	if moveLock {
		v |= moveLockMask
	}
	v |= (uint64(kind) & kindMask) << kindShift
	v |= (uint64(loc.Tier) & tierMask) << tierShift
	v |= (loc.Offset / 8 & (uint64(1)<<offsetBits - 1)) << offsetShift
	return v
}

func packSentinel(refCount uint16, moveLock bool, kind Kind) uint64 {
	v := uint64(refCount) & refCountMask
	if moveLock {
		v |= moveLockMask
	}
	v |= (uint64(kind) & kindMask) << kindShift
	v |= sentinelOffsetVal << offsetShift
	return v
}

func unpackSlot(v uint64) Info {
	return Info{
		RefCount: uint16(v & refCountMask),
		MoveLock: v&moveLockMask != 0,
		Kind:     Kind((v >> kindShift) & kindMask),
		Loc: Location{
			Offset: ((v >> offsetShift) & (uint64(1)<<offsetBits - 1)) * 8,
			Tier:   uint8((v >> tierShift) & tierMask),
		},
	}
}

func setLocation(v uint64, loc Location) uint64 {
	v &^= tierMask << tierShift
	v &^= (uint64(1)<<offsetBits - 1) << offsetShift
	v |= (uint64(loc.Tier) & tierMask) << tierShift
	v |= (loc.Offset / 8 & (uint64(1)<<offsetBits - 1)) << offsetShift
	return v
}

func setMoveLock(v uint64) uint64   { return v | moveLockMask }
func clearMoveLock(v uint64) uint64 { return v &^ moveLockMask }
func hasMoveLock(v uint64) bool     { return v&moveLockMask != 0 }

func createNextPtr(next uint64) uint64 { return next << freePtrShift }
func extractNextPtr(v uint64) uint64   { return v >> freePtrShift }
