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
	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/common"
	"github.com/0xsoniclabs/triedb/database/trie"
)

// WriteSession is the single-writer handle: it owns a working root, a
// monotonic version counter that gates in-place mutation, and publishes new
// roots to the directory's header page. The version is drawn from the
// directory's durable counter so no two writer turns - across sessions or
// process restarts - ever share one. Callers are responsible for ensuring
// at most one WriteSession is open at a time.
type WriteSession struct {
	eng *trie.Engine
	dir *directory.Directory
	gc  *gcqueue.Queue

	gcSess     *gcqueue.Session
	root       directory.ObjectID
	version    uint64
	generation uint64
	closed     bool
}

// NewWrite opens a write session against dir's currently published root,
// pinning it the same way a ReadSession does so concurrent readers (and a
// concurrent set_root_revision from a previous session) can't pull it out
// from under an in-progress mutation.
func NewWrite(eng *trie.Engine, dir *directory.Directory, gc *gcqueue.Queue) (*WriteSession, error) {
	root := dir.RootRevision()
	if root != directory.NullID {
		if err := eng.Bump(root); err != nil {
			return nil, err
		}
	}
	return &WriteSession{
		eng: eng, dir: dir, gc: gc, gcSess: gc.NewSession(),
		root: root, version: dir.NextWriterVersion(),
	}, nil
}

func (ws *WriteSession) errIfClosed() error {
	if ws.closed {
		return common.NewError(common.InvalidArgument, "session.WriteSession", nil)
	}
	return nil
}

// Root returns the session's current working root.
func (ws *WriteSession) Root() directory.ObjectID { return ws.root }

// Upsert inserts or updates key -> value against the session's working
// root, returning the previous value's length or -1 if key was new.
//
// An empty key is rejected with InvalidArgument: EncodeKey6("") collapses
// to the empty nibble sequence, the same residual key a bare, keyless trie
// root reduces to, and admitting it would make "the value at the root"
// indistinguishable from "the trie is empty" at the data-model level.
func (ws *WriteSession) Upsert(key, value []byte) (int, error) {
	if err := ws.errIfClosed(); err != nil {
		return 0, err
	}
	if len(key) == 0 {
		return 0, common.NewError(common.InvalidArgument, "session.WriteSession.Upsert", nil)
	}
	leave := ws.gcSess.Guard()
	defer leave()
	newRoot, oldSize, err := ws.eng.Upsert(ws.root, key, value, ws.version)
	if err != nil {
		return 0, err
	}
	ws.root = newRoot
	ws.generation++
	return oldSize, nil
}

// Remove deletes key from the session's working root, returning its
// previous value's length or -1 if it was absent. An empty key is
// rejected with InvalidArgument, matching Upsert.
func (ws *WriteSession) Remove(key []byte) (int, error) {
	if err := ws.errIfClosed(); err != nil {
		return 0, err
	}
	if len(key) == 0 {
		return 0, common.NewError(common.InvalidArgument, "session.WriteSession.Remove", nil)
	}
	leave := ws.gcSess.Guard()
	defer leave()
	newRoot, oldSize, err := ws.eng.Remove(ws.root, key, ws.version)
	if err != nil {
		return 0, err
	}
	ws.root = newRoot
	ws.generation++
	return oldSize, nil
}

// Fork clones base (the session's current working root if base is NullID)
// into a new, independent working root under a freshly bumped version,
// admitting in-place mutation again. The session's reference to its
// previous working root is released; external references to base are
// unaffected.
func (ws *WriteSession) Fork(base directory.ObjectID) (directory.ObjectID, error) {
	if err := ws.errIfClosed(); err != nil {
		return directory.NullID, err
	}
	if base == directory.NullID {
		base = ws.root
	}
	leave := ws.gcSess.Guard()
	defer leave()
	ws.version = ws.dir.NextWriterVersion()
	newRoot, err := ws.eng.Fork(base, ws.version)
	if err != nil {
		return directory.NullID, err
	}
	old := ws.root
	ws.root = newRoot
	ws.generation++
	if old != directory.NullID {
		if err := ws.eng.Release(old); err != nil {
			return directory.NullID, err
		}
	}
	return newRoot, nil
}

// SetRootRevision durably publishes root as the database's root revision,
// via a refcount-retaining swap with whatever was previously published: the
// new root is bumped before publication, the old one released after.
//
// A session that keeps mutating after publishing must Fork first: the
// published revision shares nodes tagged with this session's version, and
// only a fresh version makes them ineligible for in-place mutation.
func (ws *WriteSession) SetRootRevision(root directory.ObjectID) error {
	if err := ws.errIfClosed(); err != nil {
		return err
	}
	if root != directory.NullID {
		if err := ws.eng.Bump(root); err != nil {
			return err
		}
	}
	old := ws.dir.SetRootRevision(root)
	if old != directory.NullID {
		if err := ws.eng.Release(old); err != nil {
			return err
		}
	}
	return nil
}

// StartCollectGarbage begins a mark-and-sweep pass over the id directory.
// Every currently reachable id must be re-established via RecursiveRetain
// before EndCollectGarbage, or it is reclaimed.
func (ws *WriteSession) StartCollectGarbage() error {
	if err := ws.errIfClosed(); err != nil {
		return err
	}
	ws.dir.GCStart()
	return nil
}

// RecursiveRetain marks root (and, the first time this pass observes it,
// everything reachable from it) as live. Call once per external holder of
// a root id - the published root revision, every currently pinned
// ReadSession, this session's own working root - since each is an
// independent reference that must survive the sweep. Calling it more than
// once against the same root within one pass is legal: each call is a
// distinct holder and adds its own increment, while the subtree is only
// walked on the first call that observes a given id.
func (ws *WriteSession) RecursiveRetain(root directory.ObjectID) error {
	if err := ws.errIfClosed(); err != nil {
		return err
	}
	return ws.eng.RecursiveRetain(root)
}

// EndCollectGarbage finishes the mark-and-sweep pass: ids that were not
// retained this cycle drop to refcount 0 and return to the free list.
func (ws *WriteSession) EndCollectGarbage() error {
	if err := ws.errIfClosed(); err != nil {
		return err
	}
	ws.dir.GCFinish()
	return nil
}

// First, Last, LowerBound, Find, and LastWithPrefix mirror ReadSession's
// iteration entry points against the session's own working root; the
// returned iterators are invalidated by any subsequent Upsert/Remove/Fork
// on this session.
func (ws *WriteSession) First() (*Iterator, error) { return ws.wrap(ws.eng.First(ws.root)) }
func (ws *WriteSession) Last() (*Iterator, error)  { return ws.wrap(ws.eng.Last(ws.root)) }
func (ws *WriteSession) LowerBound(key []byte) (*Iterator, error) {
	return ws.wrap(ws.eng.LowerBound(ws.root, key))
}
func (ws *WriteSession) Find(key []byte) (*Iterator, error) {
	return ws.wrap(ws.eng.Find(ws.root, key))
}
func (ws *WriteSession) LastWithPrefix(prefix []byte) (*Iterator, error) {
	return ws.wrap(ws.eng.LastWithPrefix(ws.root, prefix))
}

func (ws *WriteSession) wrap(it *trie.Iterator, err error) (*Iterator, error) {
	if err != nil {
		return nil, err
	}
	if err := ws.errIfClosed(); err != nil {
		return nil, err
	}
	return &Iterator{eng: ws.eng, gcSess: ws.gcSess, it: it, generation: &ws.generation, issuedAt: ws.generation}, nil
}

// Close releases the session's working root reference and unregisters it
// from the GC queue, without publishing it. Safe to call more than once.
func (ws *WriteSession) Close() error {
	if ws.closed {
		return nil
	}
	ws.closed = true
	ws.gcSess.Close()
	return ws.eng.Release(ws.root)
}
