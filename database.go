// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package triedb is a persistent copy-on-write radix-trie key/value store:
// ordered iteration, multi-version concurrent snapshots, and
// crash-consistent persistence over two memory-mapped files, an object-id
// directory and a region-based object arena with background compaction.
//
// This package is the façade: it opens the backing files, replays crash
// recovery, and hands out read/write sessions over the trie engine layered
// on top of them.
package triedb

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/pbnjay/memory"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/backend/region"
	"github.com/0xsoniclabs/triedb/common"
	"github.com/0xsoniclabs/triedb/database/trie"
	"github.com/0xsoniclabs/triedb/session"
)

const (
	directoryFileName = "directory"
	regionFileName    = "region"
)

// Database is an opened persistent trie database.
type Database struct {
	dir    *directory.Directory
	alloc  *region.Allocator
	gc     *gcqueue.Queue
	eng    *trie.Engine
	logger *log.Logger
	opts   Options
	path   string

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database rooted at path, creating the id-directory and
// region files on first use. Recovery - stale move-lock clearing,
// relocation-queue reconciliation, mark-and-sweep replay - runs
// automatically as part of Open.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, common.NewError(common.IoError, "triedb.Open", err)
	}

	gc := gcqueue.New()

	dir, err := directory.Open(gc, filepath.Join(path, directoryFileName), !opts.ReadOnly, opts.AllowGCRecovery)
	if err != nil {
		return nil, err
	}
	wasGCRunning := dir.GCRunning()

	alloc, err := region.Open(gc, dir, filepath.Join(path, regionFileName), !opts.ReadOnly, opts.RegionSize, opts.Logger)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}

	db := &Database{
		dir:    dir,
		alloc:  alloc,
		gc:     gc,
		eng:    trie.New(dir, alloc),
		logger: opts.Logger,
		opts:   opts,
		path:   path,
	}

	if wasGCRunning && !opts.ReadOnly {
		opts.Logger.Printf("triedb: gc-running flag set on open, replaying mark-and-sweep recovery")
		if err := db.replayGC(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

// replayGC re-runs the mark-and-sweep pass from the currently published
// root revision. A crash between GCStart and GCFinish leaves every nonzero
// refcount already reset to 1 (GCStart's own doing, possibly by the dead
// process), so redoing GCStart is idempotent, and retaining from the one
// durable root - the only holder that survives a crash - re-marks
// everything still reachable before GCFinish rebuilds the free list.
func (d *Database) replayGC() error {
	d.dir.GCStart()
	if root := d.dir.RootRevision(); root != directory.NullID {
		if err := d.eng.RecursiveRetain(root); err != nil {
			return err
		}
	}
	d.dir.GCFinish()
	return nil
}

// StartReadSession opens a read session pinned to the currently published
// root revision. The session registry is backend/gcqueue.Queue's own
// mutex-guarded session list: every ReadSession and WriteSession registers
// with it via gcqueue.Session, which is the bookkeeping the allocator needs
// to know what a reader might still be observing.
func (d *Database) StartReadSession() (*session.ReadSession, error) {
	return session.NewRead(d.eng, d.dir, d.gc)
}

// StartWriteSession opens a write session against the currently published
// root revision. Serializing at most one concurrent write session is the
// caller's responsibility, not this method's; refusing ReadOnly databases
// is the one case the façade itself enforces.
func (d *Database) StartWriteSession() (*session.WriteSession, error) {
	if d.opts.ReadOnly {
		return nil, common.NewError(common.InvalidArgument, "triedb.StartWriteSession",
			fmt.Errorf("database %q opened read-only", d.path))
	}
	return session.NewWrite(d.eng, d.dir, d.gc)
}

// GetRootRevision returns the id of the trie root currently durably
// published in the id-directory's header page.
func (d *Database) GetRootRevision() directory.ObjectID {
	return d.dir.RootRevision()
}

// EnsureFreeSpace is a cooperative hook for callers looping over session
// operations: it forces a reclamation pass over anything the GC queue is
// holding back for readers, then checks available system memory, surfacing
// ResourceExhausted when it is below Options.LowMemoryThreshold.
func (d *Database) EnsureFreeSpace() error {
	d.gc.Collect()
	free := memory.FreeMemory()
	if free != 0 && free < d.opts.LowMemoryThreshold {
		return common.NewError(common.ResourceExhausted, "triedb.EnsureFreeSpace",
			fmt.Errorf("free memory %d bytes below threshold %d", free, d.opts.LowMemoryThreshold))
	}
	return nil
}

// GetMemoryFootprint reports the in-memory size of the database and its
// components.
func (d *Database) GetMemoryFootprint() *common.MemoryFootprint {
	fp := common.NewMemoryFootprint(unsafe.Sizeof(*d))
	fp.AddChild("directory", d.dir.GetMemoryFootprint())
	fp.AddChild("region", d.alloc.GetMemoryFootprint())
	return fp
}

// Close flushes and unmaps both backing files. Safe to call more than
// once; only the first call's error is reported.
func (d *Database) Close() error {
	d.closeOnce.Do(func() {
		if err := d.alloc.Close(); err != nil {
			d.closeErr = err
		}
		if err := d.dir.Close(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
	})
	return d.closeErr
}
