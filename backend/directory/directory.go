// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package directory implements the object-id directory: a contiguously
// memory-mapped array of 64-bit slots translating a logical object id into
// its physical location, refcount, and move-lock state, plus a free list
// threaded through the slots of freed ids.
package directory

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/backend/mmap"
	"github.com/0xsoniclabs/triedb/common"
)

// ObjectID is a 40-bit logical object id. 0 is the reserved null reference.
// The Go type stays a full 64 bits wide; the 40-bit bound is enforced by the
// directory file's slot capacity, not by the type.
type ObjectID uint64

const NullID ObjectID = 0

const (
	magic          = 0x74726965_64620001 // "triedb" + version tag
	headerSize     = 64                  // keeps slot 0 8-byte aligned
	slotSize       = 8
	runningGCFlag  = uint32(1) << 8
	initialMaxID   = uint64(1024)
	growthFraction = 2 // file doubles (roughly) on directory growth
)

// header field byte offsets within the mapped file, chosen to keep every
// atomic field naturally aligned.
const (
	offMagic          = 0
	offFlags          = 8
	offFirstFree      = 16
	offMaxAllocated   = 24
	offMaxUnallocated = 32
	offRootRevision   = 40
	offWriterVersion  = 48
)

// Directory is the memory-mapped id directory.
type Directory struct {
	mu       sync.Mutex // guards resize and the alloc high-water-mark path
	gc       *gcqueue.Queue
	file     *os.File
	data     []byte
	readOnly bool
}

// Open opens (creating on first use) the id-directory file at path. allowGC
// permits opening for write while the durable gc-running flag is set, so the
// database façade's recovery path can replay the mark-and-sweep pass before
// refusing further writers.
//
// The file is always opened read-write: even sessions that never mutate the
// trie pin their snapshot by writing refcounts into the mapping, and the
// startup move-lock sweep writes as well. readWrite only selects whether
// mutation entry points are permitted.
func Open(gc *gcqueue.Queue, path string, readWrite bool, allowGC bool) (*Directory, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewError(common.IoError, "directory.Open", err)
	}

	d := &Directory{gc: gc, file: f, readOnly: !readWrite}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.NewError(common.IoError, "directory.Open", err)
	}
	if info.Size() == 0 {
		if err := d.initialize(); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := mmap.Map(f, int(mustStat(f)))
	if err != nil {
		f.Close()
		return nil, common.NewError(common.IoError, "directory.Open", err)
	}
	d.data = data

	fail := func(err error) (*Directory, error) {
		_ = mmap.Unmap(d.data)
		_ = f.Close()
		return nil, err
	}
	if binary.LittleEndian.Uint64(d.data[offMagic:]) != magic {
		return fail(common.NewError(common.Corruption, "directory.Open", fmt.Errorf("bad magic")))
	}
	flagsVal := d.flagsPtr().Load()
	if !allowGC && readWrite && flagsVal&runningGCFlag != 0 {
		return fail(common.NewError(common.GcInProgress, "directory.Open", nil))
	}

	maxUnalloc := d.maxUnallocatedPtr().Load()
	expected := (uint64(len(d.data))-headerSize)/slotSize - 1
	if maxUnalloc != expected {
		return fail(common.NewError(common.Corruption, "directory.Open",
			fmt.Errorf("max_unallocated=%d file implies %d", maxUnalloc, expected)))
	}

	// Objects may have been locked for move when the previous process was
	// killed. Their root is unreachable if they never got published, and the
	// mark-and-sweep GC pass will reclaim them; here we just clear the bit so
	// a live writer session doesn't spin on a lock nobody holds.
	maxAlloc := d.maxAllocatedPtr().Load()
	for i := uint64(1); i <= maxAlloc; i++ {
		p := d.slotPtr(ObjectID(i))
		v := p.Load()
		for hasMoveLock(v) && !p.CompareAndSwap(v, clearMoveLock(v)) {
			v = p.Load()
		}
	}

	return d, nil
}

func mustStat(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func (d *Directory) initialize() error {
	size := headerSize + initialMaxID*slotSize
	if err := d.file.Truncate(int64(size)); err != nil {
		return common.NewError(common.IoError, "directory.initialize", err)
	}
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offFlags:], 0)
	binary.LittleEndian.PutUint64(buf[offFirstFree:], 0)
	binary.LittleEndian.PutUint64(buf[offMaxAllocated:], 0)
	binary.LittleEndian.PutUint64(buf[offMaxUnallocated:], initialMaxID-1)
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return common.NewError(common.IoError, "directory.initialize", err)
	}
	return nil
}

func (d *Directory) flagsPtr() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&d.data[offFlags]))
}
func (d *Directory) firstFreePtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[offFirstFree]))
}
func (d *Directory) maxAllocatedPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[offMaxAllocated]))
}
func (d *Directory) maxUnallocatedPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[offMaxUnallocated]))
}
func (d *Directory) slotPtr(id ObjectID) *atomic.Uint64 {
	off := headerSize + uintptr(id)*slotSize
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[off]))
}
func (d *Directory) rootRevisionPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[offRootRevision]))
}
func (d *Directory) writerVersionPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&d.data[offWriterVersion]))
}

// NextWriterVersion durably advances the monotonic writer-version counter
// and returns the new value. Node version tags compare equal only within
// the writer turn that created them, so the counter must survive restarts:
// a fresh session that restarted at an old value could mutate nodes a
// previous session's snapshot still shares.
func (d *Directory) NextWriterVersion() uint64 {
	return d.writerVersionPtr().Add(1)
}

// RootRevision returns the currently published root id, or NullID for an
// empty database.
func (d *Directory) RootRevision() ObjectID {
	return ObjectID(d.rootRevisionPtr().Load())
}

// SetRootRevision atomically publishes a new root id, returning the
// previously published one. Callers are responsible for the surrounding
// refcount-retaining swap: bump the new root before the call, release the
// old one after.
func (d *Directory) SetRootRevision(id ObjectID) ObjectID {
	return ObjectID(d.rootRevisionPtr().Swap(uint64(id)))
}

// Validate bounds-checks id against the allocated range. An out-of-range or
// null id reaching this point means a payload carried a dangling reference.
func (d *Directory) Validate(id ObjectID) error {
	if id == NullID || uint64(id) > d.maxAllocatedPtr().Load() {
		return common.NewError(common.Corruption, "directory.Validate",
			fmt.Errorf("invalid object id %d", id))
	}
	return nil
}

// Get returns the unpacked slot for id without any locking.
func (d *Directory) Get(id ObjectID) (Info, error) {
	if err := d.Validate(id); err != nil {
		return Info{}, err
	}
	return unpackSlot(d.slotPtr(id).Load()), nil
}

// Lock represents a held move-lock on an object id. Callers must call
// Unlock when done; Unlock is idempotent.
type Lock struct {
	dir *Directory
	id  ObjectID
}

func (l *Lock) ID() ObjectID { return l.id }

// Move CAS-publishes a new location while the lock is held, preserving the
// refcount, move-lock, and kind bits.
func (l *Lock) Move(loc Location) {
	p := l.dir.slotPtr(l.id)
	for {
		v := p.Load()
		if p.CompareAndSwap(v, setLocation(v, loc)) {
			return
		}
	}
}

// Unlock releases the move-lock. Safe to call multiple times.
func (l *Lock) Unlock() {
	if l.dir == nil {
		return
	}
	p := l.dir.slotPtr(l.id)
	for {
		v := p.Load()
		if p.CompareAndSwap(v, clearMoveLock(v)) {
			break
		}
	}
	l.dir = nil
}

// Alloc atomically pops the free list (or bumps the high-water mark) and
// returns a Lock over the freshly minted id with refcount 1 and the
// move-lock held.
func (d *Directory) Alloc(kind Kind) (*Lock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ff := d.firstFreePtr().Load()
	if ff == 0 {
		maxAlloc := d.maxAllocatedPtr().Load()
		maxUnalloc := d.maxUnallocatedPtr().Load()
		if maxAlloc >= maxUnalloc {
			if err := d.grow(); err != nil {
				return nil, err
			}
		}
		id := ObjectID(maxAlloc + 1)
		d.maxAllocatedPtr().Store(uint64(id))
		d.slotPtr(id).Store(packSentinel(1, true, kind))
		return &Lock{dir: d, id: id}, nil
	}

	for {
		next := extractNextPtr(d.slotPtr(ObjectID(ff)).Load())
		if d.firstFreePtr().CompareAndSwap(ff, next) {
			break
		}
		ff = d.firstFreePtr().Load()
	}
	id := ObjectID(ff)
	d.slotPtr(id).Store(packSentinel(1, true, kind))
	return &Lock{dir: d, id: id}, nil
}

// grow doubles the directory file's slot capacity. Callers must hold d.mu.
// The stale mapping is retired through the GC queue rather than unmapped
// immediately, since readers may still hold slices into it.
func (d *Directory) grow() error {
	maxUnalloc := d.maxUnallocatedPtr().Load()
	newMaxID := common.Max((maxUnalloc+1)*growthFraction, maxUnalloc+1)
	newSize := headerSize + (newMaxID+1)*slotSize

	if err := mmap.Grow(d.file, int64(newSize)); err != nil {
		return common.NewError(common.IoError, "directory.grow", err)
	}
	newData, err := mmap.Map(d.file, int(newSize))
	if err != nil {
		return common.NewError(common.IoError, "directory.grow", err)
	}
	copy(newData, d.data)

	old := d.data
	d.data = newData
	d.maxUnallocatedPtr().Store(newMaxID)
	d.gc.Push(func() { mmap.Unmap(old) })
	return nil
}

// Bump fetch-adds the refcount unless it would collide with the reserved
// all-ones scratch value, in which case the caller must allocate a fresh
// copy instead of sharing the node.
func (d *Directory) Bump(id ObjectID) (bool, error) {
	if err := d.Validate(id); err != nil {
		return false, err
	}
	p := d.slotPtr(id)
	for {
		v := p.Load()
		if v&refCountMask == bumpCeilRefCount {
			return false, nil
		}
		if p.CompareAndSwap(v, v+1) {
			return true, nil
		}
	}
}

// ResourceExhaustedRefcount reports that id's refcount has saturated the
// reserved all-ones scratch value and cannot be bumped further; callers must
// allocate an independent copy instead of sharing the object.
func ResourceExhaustedRefcount(id ObjectID) error {
	return common.NewError(common.ResourceExhausted, "directory.Bump",
		fmt.Errorf("refcount saturated for object %d", id))
}

// Release atomically decrements id's refcount; on reaching zero it CAS-pushes
// the id onto the free list, using the slot itself to carry the next
// pointer. Decrementing an already-free slot is a refcount invariant
// violation and surfaces as Corruption.
func (d *Directory) Release(id ObjectID) (Info, error) {
	if err := d.Validate(id); err != nil {
		return Info{}, err
	}
	p := d.slotPtr(id)
	var newVal uint64
	for {
		v := p.Load()
		if v&refCountMask == 0 {
			return Info{}, common.NewError(common.Corruption, "directory.Release",
				fmt.Errorf("release of free object %d", id))
		}
		if p.CompareAndSwap(v, v-1) {
			newVal = v - 1
			break
		}
	}
	info := unpackSlot(newVal)
	if info.RefCount == 0 {
		for {
			ff := d.firstFreePtr().Load()
			p.Store(createNextPtr(ff))
			if d.firstFreePtr().CompareAndSwap(ff, uint64(id)) {
				break
			}
		}
	}
	return info, nil
}

// TryLock acquires the move-lock unconditionally on id, failing only if
// another thread already holds it.
func (d *Directory) TryLock(id ObjectID) (*Lock, error) {
	if err := d.Validate(id); err != nil {
		return nil, err
	}
	p := d.slotPtr(id)
	for {
		v := p.Load()
		if hasMoveLock(v) {
			return nil, common.NewError(common.WouldBlock, "directory.TryLock", nil)
		}
		if p.CompareAndSwap(v, setMoveLock(v)) {
			return &Lock{dir: d, id: id}, nil
		}
	}
}

// TryLockAt acquires the move-lock only if id's current location still
// matches loc, letting an evacuator abort cleanly when a writer has already
// relocated the object. matched reports whether the location comparison
// itself succeeded, independent of whether the lock was actually acquired.
func (d *Directory) TryLockAt(id ObjectID, loc Location) (lock *Lock, matched bool, err error) {
	if err := d.Validate(id); err != nil {
		return nil, false, err
	}
	p := d.slotPtr(id)
	for {
		v := p.Load()
		info := unpackSlot(v)
		if info.RefCount == 0 || info.Loc != loc {
			return nil, false, nil
		}
		if info.MoveLock {
			return nil, true, nil
		}
		if p.CompareAndSwap(v, setMoveLock(v)) {
			return &Lock{dir: d, id: id}, true, nil
		}
	}
}

// SpinLock blocks until the move-lock is acquired.
func (d *Directory) SpinLock(id ObjectID) (*Lock, error) {
	if err := d.Validate(id); err != nil {
		return nil, err
	}
	p := d.slotPtr(id)
	for {
		v := p.Load()
		if hasMoveLock(v) {
			continue
		}
		if p.CompareAndSwap(v, setMoveLock(v)) {
			return &Lock{dir: d, id: id}, nil
		}
	}
}

// GCStart begins a mark-and-sweep pass: every nonzero refcount is durably
// reset to 1 and the gc-running flag is set before any refcount mutation, so
// a crash mid-sweep is detectable on the next open.
func (d *Directory) GCStart() {
	d.flagsPtr().Store(d.flagsPtr().Load() | runningGCFlag)
	maxAlloc := d.maxAllocatedPtr().Load()
	for i := uint64(1); i <= maxAlloc; i++ {
		p := d.slotPtr(ObjectID(i))
		v := p.Load()
		if v&refCountMask != 0 {
			p.Store((v &^ refCountMask) | 1)
		}
	}
}

// GCRetain increments id's refcount during a mark-and-sweep pass, returning
// true the first time this GC cycle observes the id (refcount was 1).
func (d *Directory) GCRetain(id ObjectID) (bool, error) {
	if err := d.Validate(id); err != nil {
		return false, err
	}
	p := d.slotPtr(id)
	v := p.Load()
	count := v & refCountMask
	if count == 0 {
		return false, common.NewError(common.Corruption, "directory.GCRetain",
			fmt.Errorf("reference to deleted object %d", id))
	}
	if count == refCountMask {
		return false, common.NewError(common.ResourceExhausted, "directory.GCRetain",
			fmt.Errorf("refcount saturated for object %d", id))
	}
	p.Add(1)
	return count == 1, nil
}

// GCFinish subtracts the mark bias added by GCStart from every slot and
// rebuilds the free list in ascending id order so low ids are reused first.
func (d *Directory) GCFinish() {
	maxAlloc := d.maxAllocatedPtr().Load()
	firstFree := uint64(0)
	for i := maxAlloc; i >= 1; i-- {
		p := d.slotPtr(ObjectID(i))
		v := p.Load()
		if v&refCountMask > 1 {
			p.Store(v - 1)
		} else {
			p.Store(createNextPtr(firstFree))
			firstFree = i
		}
	}
	d.firstFreePtr().Store(firstFree)
	d.flagsPtr().Store(d.flagsPtr().Load() &^ runningGCFlag)
}

// GCRunning reports whether the durable gc-running flag is currently set.
func (d *Directory) GCRunning() bool {
	return d.flagsPtr().Load()&runningGCFlag != 0
}

// Stats summarizes directory occupancy for diagnostics.
type Stats struct {
	TotalIDs   uint64
	LiveIDs    uint64
	ZeroRefIDs uint64
}

func (d *Directory) Stats() Stats {
	maxAlloc := d.maxAllocatedPtr().Load()
	s := Stats{TotalIDs: maxAlloc}
	for i := uint64(1); i <= maxAlloc; i++ {
		v := d.slotPtr(ObjectID(i)).Load()
		if v&refCountMask == 0 {
			s.ZeroRefIDs++
		} else {
			s.LiveIDs++
		}
	}
	return s
}

// GetMemoryFootprint reports the in-memory size of the directory, dominated
// by its file mapping.
func (d *Directory) GetMemoryFootprint() *common.MemoryFootprint {
	fp := common.NewMemoryFootprint(unsafe.Sizeof(*d))
	fp.AddChild("mapping", common.NewMemoryFootprint(uintptr(len(d.data))).
		SetNote(fmt.Sprintf("(%d slots)", d.maxUnallocatedPtr().Load()+1)))
	return fp
}

// Close unmaps the directory file and closes its handle.
func (d *Directory) Close() error {
	if err := mmap.Sync(d.data); err != nil {
		return err
	}
	if err := mmap.Unmap(d.data); err != nil {
		return err
	}
	return d.file.Close()
}
