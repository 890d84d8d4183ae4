// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package session implements the per-thread session handles: a ReadSession
// pins a root snapshot for its lifetime, a WriteSession additionally owns
// the writer's version counter and publishes new roots.
package session

import (
	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/gcqueue"
	"github.com/0xsoniclabs/triedb/common"
	"github.com/0xsoniclabs/triedb/database/trie"
)

// ReadSession pins the database's root revision at the moment it is opened
// (by bumping its refcount) and releases that reference on Close, giving it
// a consistent view regardless of writes that publish afterward.
type ReadSession struct {
	eng    *trie.Engine
	gcSess *gcqueue.Session
	root   directory.ObjectID
	closed bool
}

// NewRead opens a read session pinned to dir's currently published root.
func NewRead(eng *trie.Engine, dir *directory.Directory, gc *gcqueue.Queue) (*ReadSession, error) {
	root := dir.RootRevision()
	if root != directory.NullID {
		if err := eng.Bump(root); err != nil {
			return nil, err
		}
	}
	return &ReadSession{eng: eng, gcSess: gc.NewSession(), root: root}, nil
}

func (rs *ReadSession) errIfClosed() error {
	if rs.closed {
		return common.NewError(common.InvalidArgument, "session.ReadSession", nil)
	}
	return nil
}

// Get returns the value for key, or ok=false if absent.
func (rs *ReadSession) Get(key []byte) ([]byte, bool, error) {
	if err := rs.errIfClosed(); err != nil {
		return nil, false, err
	}
	leave := rs.gcSess.Guard()
	defer leave()
	return rs.eng.Get(rs.root, key)
}

// First returns an iterator positioned at the smallest key.
func (rs *ReadSession) First() (*Iterator, error) { return rs.wrap(rs.eng.First(rs.root)) }

// Last returns an iterator positioned at the greatest key.
func (rs *ReadSession) Last() (*Iterator, error) { return rs.wrap(rs.eng.Last(rs.root)) }

// LowerBound returns an iterator positioned at the smallest key >= key.
func (rs *ReadSession) LowerBound(key []byte) (*Iterator, error) {
	return rs.wrap(rs.eng.LowerBound(rs.root, key))
}

// Find returns an iterator positioned exactly at key, invalid if absent.
func (rs *ReadSession) Find(key []byte) (*Iterator, error) { return rs.wrap(rs.eng.Find(rs.root, key)) }

// LastWithPrefix returns an iterator positioned at the greatest key carrying
// prefix, invalid if none do.
func (rs *ReadSession) LastWithPrefix(prefix []byte) (*Iterator, error) {
	return rs.wrap(rs.eng.LastWithPrefix(rs.root, prefix))
}

func (rs *ReadSession) wrap(it *trie.Iterator, err error) (*Iterator, error) {
	if err != nil {
		return nil, err
	}
	if err := rs.errIfClosed(); err != nil {
		return nil, err
	}
	return &Iterator{eng: rs.eng, gcSess: rs.gcSess, it: it}, nil
}

// Close releases the pinned root reference and unregisters from the GC
// queue. Safe to call more than once.
func (rs *ReadSession) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.gcSess.Close()
	return rs.eng.Release(rs.root)
}

// Iterator is a session-scoped cursor over a trie.Iterator, bracketing each
// step with the owning session's GC guard so the allocator never retires a
// region the iterator is mid-read on.
type Iterator struct {
	eng    *trie.Engine
	gcSess *gcqueue.Session
	it     *trie.Iterator
	// generation, when non-nil, is bumped by the owning write session on
	// every mutation; an iterator captured at a stale generation is
	// invalidated rather than allowed to read mutated structure.
	generation *uint64
	issuedAt   uint64
}

func (it *Iterator) stale() bool {
	return it.generation != nil && *it.generation != it.issuedAt
}

// Valid reports whether the iterator is positioned at a key and has not
// been invalidated by a write on the session that produced it.
func (it *Iterator) Valid() bool {
	if it.stale() {
		return false
	}
	return it.it.Valid()
}

// Key returns the current position's key. Callers must check Valid first.
func (it *Iterator) Key() []byte {
	leave := it.gcSess.Guard()
	defer leave()
	return it.it.Key()
}

// Value returns the current position's value.
func (it *Iterator) Value() []byte {
	leave := it.gcSess.Guard()
	defer leave()
	return it.it.Value()
}

// Next advances to the next key in ascending order.
func (it *Iterator) Next() error {
	if it.stale() {
		return common.NewError(common.InvalidArgument, "session.Iterator.Next",
			nil)
	}
	leave := it.gcSess.Guard()
	defer leave()
	return it.it.Next()
}

// Prev retreats to the previous key in ascending order.
func (it *Iterator) Prev() error {
	if it.stale() {
		return common.NewError(common.InvalidArgument, "session.Iterator.Prev",
			nil)
	}
	leave := it.gcSess.Guard()
	defer leave()
	return it.it.Prev()
}
