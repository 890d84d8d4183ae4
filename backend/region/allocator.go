// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package region implements the region-based memory-mapped object arena:
// allocation out of a "current region", a bounded relocation queue fed by
// allocations that switch regions, and a background evacuator goroutine
// that compacts sparse regions.
package region

import (
	"fmt"
	"log"
	"os"
	"sync"
	"unsafe"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/backend/mmap"
	"github.com/0xsoniclabs/triedb/common"
)

// Location is the directory-facing object location: a byte offset into the
// region file's payload area, tagged with the cache tier (always cacheTier
// for this single-tier engine).
type Location = directory.Location

// Allocator is the region-based object arena.
type Allocator struct {
	mu     sync.Mutex
	gc     *gcqueue.Queue
	dir    *directory.Directory
	logger *log.Logger
	file   *os.File

	data []byte // full mapping: header page + regions
	hdr  *header
	base []byte // data[pageSize:], the start of region 0

	freeRegions   [maxRegions]bool
	queuedRegions [maxRegions]bool
	queuePos      int
	queueFront    int
	cond          *sync.Cond

	// freeMu is a leaf lock: GC-queue closures record emptied regions here
	// instead of taking a.mu, which their pusher may already hold.
	freeMu      sync.Mutex
	pendingFree []freedRegion

	done       bool
	evacWaitCh chan struct{}
}

// Open opens (creating on first use) the region file at path. The file is
// always opened read-write - recovery reconciles usage counters in the
// mapped header even for read-only use; readWrite only controls whether the
// background evacuator is started.
func Open(gc *gcqueue.Queue, dir *directory.Directory, path string, readWrite bool, initialSize uint64, logger *log.Logger) (*Allocator, error) {
	if logger == nil {
		logger = log.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewError(common.IoError, "region.Open", err)
	}

	a := &Allocator{gc: gc, dir: dir, file: f, logger: logger}
	a.cond = sync.NewCond(&a.mu)

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.NewError(common.IoError, "region.Open", err)
	}
	if info.Size() == 0 {
		if err := a.initialize(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		info, _ = f.Stat()
	}

	data, err := mmap.Map(f, int(info.Size()))
	if err != nil {
		f.Close()
		return nil, common.NewError(common.IoError, "region.Open", err)
	}
	a.data = data
	a.hdr = newHeader(data[:pageSize])
	a.base = data[pageSize:]

	a.loadQueue()

	if readWrite {
		a.evacWaitCh = make(chan struct{})
		go a.runEvacuator()
	}
	return a, nil
}

func (a *Allocator) initialize(initialSize uint64) error {
	if initialSize == 0 {
		initialSize = 64 * 1024 * 1024
	}
	initialSize = (initialSize + pageSize - 1) &^ (pageSize - 1)
	size := uint64(pageSize) + initialSize
	if err := a.file.Truncate(int64(size)); err != nil {
		return common.NewError(common.IoError, "region.initialize", err)
	}
	data, err := mmap.Map(a.file, int(size))
	if err != nil {
		return common.NewError(common.IoError, "region.initialize", err)
	}
	h := newHeader(data[:pageSize])
	d0 := h.data(0)
	d0.regionSizePtr().Store(initialSize)
	d0.allocPosPtr().Store(0)
	d0.numRegionsPtr().Store(1)
	d0.currentRegionPtr().Store(0)
	d0.regionUsedPtr(0).Store(initialSize)
	h.current.Store(0)
	return mmap.Unmap(data)
}

// loadQueue rebuilds the pending-write bias on region usage counters from
// the on-disk relocation queue: all bias is stripped first, then re-added
// for the destination region of every entry still marked used, plus the
// current allocation region. Entries themselves are left in the queue for
// the evacuator to process after recovery.
func (a *Allocator) loadQueue() {
	// Entries were pushed sequentially with wraparound, so the surviving
	// used entries form one contiguous run in ring order: front is the run's
	// first entry, pos the slot after its last.
	a.queuePos, a.queueFront = 0, 0
	for i := 0; i < maxQueue; i++ {
		prev := (i + maxQueue - 1) % maxQueue
		if a.hdr.queue(i).used() && !a.hdr.queue(prev).used() {
			a.queueFront = i
			pos := i
			for a.hdr.queue(pos).used() {
				pos = (pos + 1) % maxQueue
				if pos == a.queueFront {
					break
				}
			}
			a.queuePos = pos
			break
		}
	}

	h := a.hdr.active()
	n := h.numRegionsPtr().Load()
	for i := uint64(0); i < n; i++ {
		p := h.regionUsedPtr(int(i))
		p.Store(p.Load() % pendingWrite)
	}
	for i := 0; i < maxQueue; i++ {
		q := a.hdr.queue(i)
		if q.used() {
			region := q.destBegin().Load() / h.regionSizePtr().Load()
			p := h.regionUsedPtr(int(region))
			p.Store(p.Load() + pendingWrite)
		}
	}
	cur := h.currentRegionPtr().Load()
	p := h.regionUsedPtr(int(cur))
	p.Store(p.Load() + pendingWrite)

	a.queuedRegions = [maxRegions]bool{}
	regionSize := h.regionSizePtr().Load()
	for i := 0; i < maxQueue; i++ {
		q := a.hdr.queue(i)
		if q.used() {
			a.queuedRegions[q.srcBegin().Load()/regionSize] = true
		}
	}

	for i := uint64(0); i < n; i++ {
		a.freeRegions[i] = h.regionUsedPtr(int(i)).Load() == 0
	}
}

// Allocate reserves space for an object of the given payload size and
// returns the payload slice (backed directly by the mapping) for the caller
// to fill in, plus the location now recorded for id.
func (a *Allocator) Allocate(id directory.ObjectID, size uint32) ([]byte, Location, error) {
	if size > maxPayloadSize {
		return nil, Location{}, common.NewError(common.ResourceExhausted, "region.Allocate",
			fmt.Errorf("payload size %d exceeds %d", size, maxPayloadSize))
	}
	used := allocSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	off, err := a.allocateImpl(used)
	if err != nil {
		return nil, Location{}, err
	}
	writeObjectHeader(a.base, off, size, id)
	h := a.hdr.active()
	h.allocPosPtr().Store(off + used)
	payloadOff := off + headerWordSize
	return a.base[payloadOff : payloadOff+uint64(size)], Location{Offset: payloadOff, Tier: cacheTier}, nil
}

// allocateImpl returns the byte offset (within a.base) at which the object
// header should be written. Caller holds a.mu.
func (a *Allocator) allocateImpl(used uint64) (uint64, error) {
	a.drainFreed()
	h := a.hdr.active()
	regionSize := h.regionSizePtr().Load()
	curRegion := h.currentRegionPtr().Load()
	allocPos := h.allocPosPtr().Load()
	available := (curRegion+1)*regionSize - allocPos

	if used > available {
		if available > 0 {
			writeObjectHeader(a.base, allocPos, uint32(available-headerWordSize), directory.NullID)
		}
		a.deallocateRegion(curRegion, available+pendingWrite)

		if err := a.startNewRegion(); err != nil {
			return 0, err
		}
		h = a.hdr.active()
		allocPos = h.allocPosPtr().Load()

		small, smallUsed := a.smallestRegion(h)
		if smallUsed < h.regionSizePtr().Load()/2 {
			a.pushQueue(small, smallUsed)
		}
	}
	return h.allocPosPtr().Load(), nil
}

// Deallocate releases the bytes an object occupied back to its region's
// usage counter, returning the region to the free set once it drops to
// zero.
func (a *Allocator) Deallocate(loc Location, usedSize uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.hdr.active()
	region := loc.Offset / h.regionSizePtr().Load()
	a.deallocateRegion(region, usedSize)
}

func (a *Allocator) deallocateRegion(region, usedSize uint64) {
	h := a.hdr.active()
	p := h.regionUsedPtr(int(region))
	total := p.Load()
	newTotal := total - usedSize
	p.Store(newTotal)
	if total == usedSize {
		a.makeAvailable(region)
	}
}

func (a *Allocator) smallestRegion(h regionData) (region, used uint64) {
	n := h.numRegionsPtr().Load()
	min := h.regionSizePtr().Load()
	var minPos uint64
	for i := uint64(0); i < n; i++ {
		u := h.regionUsedPtr(int(i)).Load()
		if u == 0 {
			continue
		}
		if smaller := common.Min(min, u); smaller != min {
			min, minPos = smaller, i
		}
	}
	return minPos, min
}

// freeRegion picks a reusable region. Regions still sitting in the
// relocation queue are skipped: the evacuator may be mid-scan over their
// bytes, so they only become eligible once their entry retires.
func (a *Allocator) freeRegion(numRegions uint64) (uint64, bool) {
	for i := uint64(0); i < numRegions; i++ {
		if a.freeRegions[i] && !a.queuedRegions[i] {
			return i, true
		}
	}
	return 0, false
}

// maxFileSize bounds the region file so every payload offset still fits the
// directory slots' 46-bit offset/8 field.
const maxFileSize = uint64(1) << 49

// startNewRegion switches the active region to a free region or a freshly
// extended one. At the region-count cap it first doubles the logical region
// size, merging pairs of old regions, and then extends. Caller holds a.mu.
func (a *Allocator) startNewRegion() error {
	cur := int(a.hdr.current.Load())
	next := a.hdr.data(cur ^ 1)
	old := a.hdr.data(cur)

	numRegions := old.numRegionsPtr().Load()
	if freeIdx, ok := a.freeRegion(numRegions); ok {
		next.copyFrom(old)
		next.currentRegionPtr().Store(freeIdx)
	} else {
		if numRegions == maxRegions {
			a.doubleRegionSize(old, next)
			numRegions = next.numRegionsPtr().Load()
		} else {
			next.copyFrom(old)
		}
		size := next.regionSizePtr().Load()
		newFileSize := uint64(pageSize) + (numRegions+1)*size
		if newFileSize > maxFileSize {
			return common.NewError(common.ResourceExhausted, "region.startNewRegion",
				fmt.Errorf("region file would exceed %d addressable bytes", maxFileSize))
		}
		if err := mmap.Grow(a.file, int64(newFileSize)); err != nil {
			return common.NewError(common.IoError, "region.startNewRegion", err)
		}
		newData, err := mmap.Map(a.file, int(newFileSize))
		if err != nil {
			return common.NewError(common.IoError, "region.startNewRegion", err)
		}
		copy(newData, a.data)
		oldData := a.data
		a.data = newData
		a.hdr = newHeader(newData[:pageSize])
		a.base = newData[pageSize:]
		a.gc.Push(func() { mmap.Unmap(oldData) })

		next = a.hdr.data(cur ^ 1)
		next.regionUsedPtr(int(numRegions)).Store(size)
		next.currentRegionPtr().Store(numRegions)
		next.numRegionsPtr().Store(numRegions + 1)
	}

	curRegion := next.currentRegionPtr().Load()
	next.regionUsedPtr(int(curRegion)).Store(next.regionSizePtr().Load() + pendingWrite)
	a.freeRegions[curRegion] = false
	next.allocPosPtr().Store(curRegion * next.regionSizePtr().Load())

	a.hdr.current.Store(uint32(cur ^ 1))
	return nil
}

// doubleRegionSize halves the logical region count by merging adjacent
// pairs of regions, doubling region_size. Merged state is written to next
// only; the toggle to it happens in startNewRegion. Caller holds a.mu.
func (a *Allocator) doubleRegionSize(old, next regionData) {
	numRegions := old.numRegionsPtr().Load()
	next.regionSizePtr().Store(old.regionSizePtr().Load() * 2)
	next.numRegionsPtr().Store(numRegions / 2)
	for i := uint64(0); i < numRegions/2; i++ {
		a.freeRegions[i] = a.freeRegions[2*i] && a.freeRegions[2*i+1]
		used := old.regionUsedPtr(int(2*i)).Load() + old.regionUsedPtr(int(2*i+1)).Load()
		next.regionUsedPtr(int(i)).Store(used)
	}
	for i := numRegions / 2; i < maxRegions; i++ {
		a.freeRegions[i] = false
	}
}

// freedRegion is an emptied region awaiting return to the free set once no
// reader can still observe pointers into it. The region size at retirement
// time travels along so a region-size doubling in between invalidates the
// entry instead of freeing a merged region by a stale index.
type freedRegion struct {
	region uint64
	size   uint64
}

// makeAvailable schedules region's return to the free set through the GC
// queue. Caller holds a.mu; the closure deliberately does not retake it.
func (a *Allocator) makeAvailable(region uint64) {
	regionSize := a.hdr.active().regionSizePtr().Load()
	a.gc.Push(func() {
		a.freeMu.Lock()
		a.pendingFree = append(a.pendingFree, freedRegion{region: region, size: regionSize})
		a.freeMu.Unlock()
	})
}

// drainFreed moves regions retired through the GC queue into the free set.
// Caller holds a.mu.
func (a *Allocator) drainFreed() {
	a.freeMu.Lock()
	pending := a.pendingFree
	a.pendingFree = nil
	a.freeMu.Unlock()

	size := a.hdr.active().regionSizePtr().Load()
	for _, f := range pending {
		if f.size == size {
			a.freeRegions[f.region] = true
		}
	}
}

// pushQueue enqueues region for evacuation, reserving used bytes at the
// current alloc_pos as its destination. The destination region carries a
// pending-write bias until the evacuator finishes the entry, so it cannot
// be retired while the copy is in flight. Caller holds a.mu. Returns false
// when the ring is full; the region is simply reconsidered at a later
// switch.
func (a *Allocator) pushQueue(region, used uint64) bool {
	q := a.hdr.queue(a.queuePos)
	if q.used() || a.queuedRegions[region] {
		return false
	}
	a.queuedRegions[region] = true
	h := a.hdr.active()
	regionSize := h.regionSizePtr().Load()

	q.destEnd().Store(0)
	q.srcBegin().Store(region * regionSize)
	q.srcEnd().Store((region + 1) * regionSize)
	allocPos := h.allocPosPtr().Load()
	q.destBegin().Store(allocPos)
	allocPos += used
	h.allocPosPtr().Store(allocPos)
	destRegion := q.destBegin().Load() / regionSize
	h.regionUsedPtr(int(destRegion)).Store(h.regionUsedPtr(int(destRegion)).Load() + pendingWrite)
	q.destEnd().Store(allocPos)

	a.queuePos = (a.queuePos + 1) % maxQueue
	a.cond.Signal()
	return true
}

// Close stops the evacuator, waits for it to drain, and unmaps the file.
func (a *Allocator) Close() error {
	a.mu.Lock()
	a.done = true
	a.cond.Broadcast()
	a.mu.Unlock()
	if a.evacWaitCh != nil {
		<-a.evacWaitCh
	}
	if err := mmap.Sync(a.data); err != nil {
		return err
	}
	if err := mmap.Unmap(a.data); err != nil {
		return err
	}
	return a.file.Close()
}

// Span exposes the region file's byte range for a given location, used by
// the trie engine to decode node payloads directly out of the mapping.
func (a *Allocator) Span(loc Location) []byte {
	size, _ := readObjectHeader(a.base, loc.Offset-headerWordSize)
	return a.base[loc.Offset : loc.Offset+uint64(size)]
}

// ObjectSize returns the on-disk (header+payload) byte span an object at loc
// occupies, for deallocation accounting.
func (a *Allocator) ObjectSize(loc Location) uint64 {
	size, _ := readObjectHeader(a.base, loc.Offset-headerWordSize)
	return allocSize(size)
}

// Stats reports region occupancy for diagnostics.
type Stats struct {
	NumRegions int
	RegionSize uint64
	UsedBytes  uint64
	QueueDepth int
}

// GetMemoryFootprint reports the in-memory size of the allocator, dominated
// by its file mapping.
func (a *Allocator) GetMemoryFootprint() *common.MemoryFootprint {
	a.mu.Lock()
	defer a.mu.Unlock()
	fp := common.NewMemoryFootprint(unsafe.Sizeof(*a))
	fp.AddChild("mapping", common.NewMemoryFootprint(uintptr(len(a.data))).
		SetNote(fmt.Sprintf("(%d regions)", a.hdr.active().numRegionsPtr().Load())))
	return fp
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.hdr.active()
	n := h.numRegionsPtr().Load()
	s := Stats{NumRegions: int(n), RegionSize: h.regionSizePtr().Load()}
	for i := uint64(0); i < n; i++ {
		s.UsedBytes += h.regionUsedPtr(int(i)).Load() % pendingWrite
	}
	depth := a.queuePos - a.queueFront
	if depth < 0 {
		depth += maxQueue
	}
	s.QueueDepth = depth
	return s
}
