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
	"sync/atomic"
	"unsafe"
)

// The region file begins with a single page-size header: two copies of the
// mutable allocator state, toggled by an atomic index so a crash never
// observes a half-updated snapshot, followed by the 32-entry relocation
// queue. Payload regions follow immediately after the page.
const (
	pageSize     = 4096
	maxRegions   = 64
	maxQueue     = 32
	cacheTier    = 3 // tier of the on-disk region; tiers 0-2 are unused by this engine
	pendingWrite = uint64(1) << 48

	regionDataSize = 8*4 + 8*maxRegions // region_size,alloc_pos,num_regions,current_region + region_used[]
	queueItemSize  = 8 * 4              // src_begin,src_end,dest_begin,dest_end

	offRegionData0 = 0
	offRegionData1 = offRegionData0 + regionDataSize
	offCurrent     = offRegionData1 + regionDataSize
	offQueue       = offCurrent + 8 // padded to keep queue items 8-byte aligned
)

func init() {
	if offQueue+maxQueue*queueItemSize > pageSize {
		panic("region: header page layout overflows pageSize")
	}
}

// regionData is an accessor over one of the two toggled copies of mutable
// allocator state, backed directly by mmap'd bytes.
type regionData struct {
	base []byte
	off  int
}

func (r regionData) regionSizePtr() *atomic.Uint64      { return r.u64(0) }
func (r regionData) allocPosPtr() *atomic.Uint64        { return r.u64(8) }
func (r regionData) numRegionsPtr() *atomic.Uint64      { return r.u64(16) }
func (r regionData) currentRegionPtr() *atomic.Uint64   { return r.u64(24) }
func (r regionData) regionUsedPtr(i int) *atomic.Uint64 { return r.u64(32 + i*8) }

func (r regionData) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.base[r.off+off]))
}

func (r regionData) copyFrom(src regionData) {
	r.regionSizePtr().Store(src.regionSizePtr().Load())
	n := src.numRegionsPtr().Load()
	r.numRegionsPtr().Store(n)
	for i := uint64(0); i < n; i++ {
		r.regionUsedPtr(int(i)).Store(src.regionUsedPtr(int(i)).Load())
	}
}

// queueItem is a single relocation-queue slot; it is "used" iff destEnd >
// destBegin.
type queueItem struct {
	base []byte
	off  int
}

func (q queueItem) srcBegin() *atomic.Uint64  { return q.u64(0) }
func (q queueItem) srcEnd() *atomic.Uint64    { return q.u64(8) }
func (q queueItem) destBegin() *atomic.Uint64 { return q.u64(16) }
func (q queueItem) destEnd() *atomic.Uint64   { return q.u64(24) }

func (q queueItem) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&q.base[q.off+off]))
}

func (q queueItem) used() bool { return q.destEnd().Load() > q.destBegin().Load() }

// header wraps the full page-size allocator header.
type header struct {
	base    []byte // the mapped header page
	current *atomic.Uint32
}

func newHeader(base []byte) *header {
	return &header{base: base, current: (*atomic.Uint32)(unsafe.Pointer(&base[offCurrent]))}
}

func (h *header) data(i int) regionData {
	if i == 0 {
		return regionData{base: h.base, off: offRegionData0}
	}
	return regionData{base: h.base, off: offRegionData1}
}

func (h *header) active() regionData { return h.data(int(h.current.Load())) }

func (h *header) queue(i int) queueItem {
	return queueItem{base: h.base, off: offQueue + i*queueItemSize}
}
