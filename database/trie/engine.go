// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package trie

import (
	"bytes"
	"encoding/binary"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/backend/region"
	"github.com/0xsoniclabs/triedb/common"
)

// Engine implements lookup, ordered iteration, insert, remove, and
// copy-on-write cloning over the 64-ary radix trie, layered directly on the
// id directory and region allocator.
//
// Reference ownership follows the node payloads: every inner node owns one
// reference to each child id and to its value id, and the caller of
// Upsert/Remove owns one reference to the root it passes in. A mutation
// that produces a new root consumes the caller's reference to the old one;
// all other spine references are reclaimed transitively when release
// cascades through a node whose refcount reaches zero.
type Engine struct {
	Dir   *directory.Directory
	Alloc *region.Allocator
}

func New(dir *directory.Directory, alloc *region.Allocator) *Engine {
	return &Engine{Dir: dir, Alloc: alloc}
}

func (e *Engine) loadLeaf(id directory.ObjectID) (*Leaf, directory.Info, error) {
	info, err := e.Dir.Get(id)
	if err != nil {
		return nil, info, err
	}
	return DecodeLeaf(e.Alloc.Span(info.Loc)), info, nil
}

func (e *Engine) allocLeaf(l *Leaf) (directory.ObjectID, error) {
	lock, err := e.Dir.Alloc(directory.KindLeaf)
	if err != nil {
		return directory.NullID, err
	}
	return e.publish(lock, EncodeLeaf(l))
}

func (e *Engine) allocInner(in *Inner) (directory.ObjectID, error) {
	lock, err := e.Dir.Alloc(directory.KindInner)
	if err != nil {
		return directory.NullID, err
	}
	return e.publish(lock, EncodeInner(in))
}

// publish reserves storage for payload, writes it, and records the location
// on the locked id before unlocking. The move-lock held since Alloc keeps
// the evacuator away until the location is valid.
func (e *Engine) publish(lock *directory.Lock, payload []byte) (directory.ObjectID, error) {
	dst, loc, err := e.Alloc.Allocate(lock.ID(), uint32(len(payload)))
	if err != nil {
		lock.Unlock()
		return directory.NullID, err
	}
	copy(dst, payload)
	lock.Move(loc)
	lock.Unlock()
	return lock.ID(), nil
}

// rewrite re-serializes payload into fresh storage for an id that keeps its
// identity (in-place mutation that isn't size-stable): old storage is
// deallocated, new storage is reserved, and the directory slot is updated to
// point at it. The id's refcount is untouched. The old location is resolved
// under the move-lock, after any in-flight relocation has settled.
func (e *Engine) rewrite(id directory.ObjectID, payload []byte) error {
	lock, err := e.Dir.SpinLock(id)
	if err != nil {
		return err
	}
	info, err := e.Dir.Get(id)
	if err != nil {
		lock.Unlock()
		return err
	}
	oldLoc := info.Loc
	oldSize := e.Alloc.ObjectSize(oldLoc)
	dst, loc, err := e.Alloc.Allocate(id, uint32(len(payload)))
	if err != nil {
		lock.Unlock()
		return err
	}
	copy(dst, payload)
	lock.Move(loc)
	lock.Unlock()
	e.Alloc.Deallocate(oldLoc, oldSize)
	return nil
}

// release drops one reference to id; when that was the last reference, its
// storage is reclaimed and, for an inner node, every child and value id it
// held is released in turn.
func (e *Engine) release(id directory.ObjectID) error {
	if id == directory.NullID {
		return nil
	}
	info, err := e.Dir.Get(id)
	if err != nil {
		return err
	}
	after, err := e.Dir.Release(id)
	if err != nil {
		return err
	}
	if after.RefCount != 0 {
		return nil
	}
	if info.Kind == directory.KindInner {
		node := DecodeInner(e.Alloc.Span(info.Loc))
		for _, c := range node.Children {
			if err := e.release(c); err != nil {
				return err
			}
		}
		if node.Value != directory.NullID {
			if err := e.release(node.Value); err != nil {
				return err
			}
		}
	}
	e.Alloc.Deallocate(info.Loc, e.Alloc.ObjectSize(info.Loc))
	return nil
}

// bump adds a reference; used when a clone carries a child/value id forward
// unchanged, since the clone is a new, independent referrer.
func (e *Engine) bump(id directory.ObjectID) error {
	if id == directory.NullID {
		return nil
	}
	ok, err := e.Dir.Bump(id)
	if err != nil {
		return err
	}
	if !ok {
		return directory.ResourceExhaustedRefcount(id)
	}
	return nil
}

// Bump adds a reference to id on behalf of an external holder (a published
// root revision, a pinned read-session root). Exported for the session layer.
func (e *Engine) Bump(id directory.ObjectID) error { return e.bump(id) }

// Release drops an external holder's reference to id. Exported for the
// session layer.
func (e *Engine) Release(id directory.ObjectID) error { return e.release(id) }

// RecursiveRetain walks id's subtree during a mark-and-sweep GC pass,
// retaining every id it touches.
// Each call represents one external holder's reference to id; descent into
// id's own children happens only the first time this pass observes id, so a
// shared subtree referenced from many roots is still walked exactly once.
func (e *Engine) RecursiveRetain(id directory.ObjectID) error {
	if id == directory.NullID {
		return nil
	}
	first, err := e.Dir.GCRetain(id)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	info, err := e.Dir.Get(id)
	if err != nil {
		return err
	}
	if info.Kind != directory.KindInner {
		return nil
	}
	in := DecodeInner(e.Alloc.Span(info.Loc))
	for _, c := range in.Children {
		if err := e.RecursiveRetain(c); err != nil {
			return err
		}
	}
	return e.RecursiveRetain(in.Value)
}

// Get returns the value stored at key, or ok=false if absent.
func (e *Engine) Get(root directory.ObjectID, key []byte) ([]byte, bool, error) {
	k := common.EncodeKey6(key)
	id := root
	for id != directory.NullID {
		info, err := e.Dir.Get(id)
		if err != nil {
			return nil, false, err
		}
		if info.Kind == directory.KindLeaf {
			leaf := DecodeLeaf(e.Alloc.Span(info.Loc))
			if bytes.Equal(leaf.Key, k) {
				return leaf.Value, true, nil
			}
			return nil, false, nil
		}
		in := DecodeInner(e.Alloc.Span(info.Loc))
		if bytes.Equal(in.Edge, k) {
			if in.Value == directory.NullID {
				return nil, false, nil
			}
			leaf := DecodeLeaf(e.Alloc.Span(mustLoc(e, in.Value)))
			return leaf.Value, true, nil
		}
		p := common.CommonPrefixLen(in.Edge, k)
		if p != len(in.Edge) {
			return nil, false, nil
		}
		b := int(k[p])
		id = in.ChildAt(b)
		k = k[p+1:]
	}
	return nil, false, nil
}

func mustLoc(e *Engine, id directory.ObjectID) directory.Location {
	info, _ := e.Dir.Get(id)
	return info.Loc
}

// Upsert inserts or updates key -> value, returning the previous value's
// length (or -1 if the key was not present) plus the trie's new root id.
// When a new root is produced, the caller's reference to the old root is
// consumed.
func (e *Engine) Upsert(root directory.ObjectID, key, value []byte, ver uint64) (newRoot directory.ObjectID, oldSize int, err error) {
	k := common.EncodeKey6(key)
	newRoot, oldSize, err = e.addChild(root, k, value, ver)
	if err != nil {
		return directory.NullID, 0, err
	}
	if newRoot != root && root != directory.NullID {
		if err := e.release(root); err != nil {
			return directory.NullID, 0, err
		}
	}
	return newRoot, oldSize, nil
}

func (e *Engine) addChild(root directory.ObjectID, k common.Key6, value []byte, ver uint64) (directory.ObjectID, int, error) {
	if root == directory.NullID {
		id, err := e.allocLeaf(&Leaf{Key: append(common.Key6{}, k...), Value: append([]byte{}, value...)})
		return id, -1, err
	}

	info, err := e.Dir.Get(root)
	if err != nil {
		return directory.NullID, 0, err
	}

	if info.Kind == directory.KindLeaf {
		leaf := DecodeLeaf(e.Alloc.Span(info.Loc))
		if bytes.Equal(leaf.Key, k) {
			oldSize := len(leaf.Value)
			if info.RefCount == 1 {
				if len(value) == len(leaf.Value) {
					if err := e.overwriteLeafValue(root, value); err != nil {
						return directory.NullID, 0, err
					}
					return root, oldSize, nil
				}
				leaf.Value = append([]byte{}, value...)
				if err := e.rewrite(root, EncodeLeaf(leaf)); err != nil {
					return directory.NullID, 0, err
				}
				return root, oldSize, nil
			}
			newID, err := e.allocLeaf(&Leaf{Key: leaf.Key, Value: append([]byte{}, value...)})
			if err != nil {
				return directory.NullID, 0, err
			}
			return newID, oldSize, nil
		}

		cpre := common.CommonPrefixLen(leaf.Key, k)
		leafAID, err := e.allocLeaf(&Leaf{Key: leaf.Key[cpre+1:], Value: leaf.Value})
		if err != nil {
			return directory.NullID, 0, err
		}
		leafBID, err := e.allocLeaf(&Leaf{Key: k[cpre+1:], Value: append([]byte{}, value...)})
		if err != nil {
			return directory.NullID, 0, err
		}
		newIn := &Inner{Edge: append(common.Key6{}, leaf.Key[:cpre]...), Version: ver}
		newIn.SetChild(int(leaf.Key[cpre]), leafAID)
		newIn.SetChild(int(k[cpre]), leafBID)
		newRoot, err := e.allocInner(newIn)
		if err != nil {
			return directory.NullID, 0, err
		}
		return newRoot, -1, nil
	}

	in := DecodeInner(e.Alloc.Span(info.Loc))
	if bytes.Equal(in.Edge, k) {
		oldSize := -1
		oldValueID := in.Value
		if oldValueID != directory.NullID {
			oldLeaf := DecodeLeaf(e.Alloc.Span(mustLoc(e, oldValueID)))
			oldSize = len(oldLeaf.Value)
		}
		newValueID, err := e.allocLeaf(&Leaf{Value: append([]byte{}, value...)})
		if err != nil {
			return directory.NullID, 0, err
		}
		if info.RefCount == 1 && in.Version == ver {
			if err := e.overwriteInnerValue(root, in, newValueID); err != nil {
				return directory.NullID, 0, err
			}
			// The node no longer references the old value leaf.
			if err := e.release(oldValueID); err != nil {
				return directory.NullID, 0, err
			}
			return root, oldSize, nil
		}
		clone := e.cloneInner(in, ver)
		if err := e.retain(clone, -1, false); err != nil {
			return directory.NullID, 0, err
		}
		clone.Value = newValueID
		newRoot, err := e.allocInner(clone)
		if err != nil {
			return directory.NullID, 0, err
		}
		return newRoot, oldSize, nil
	}

	cpre := common.CommonPrefixLen(in.Edge, k)
	if cpre == len(in.Edge) {
		b := int(k[cpre])
		childKey := k[cpre+1:]
		curChild := in.ChildAt(b)
		newChildID, oldSize, err := e.addChild(curChild, childKey, value, ver)
		if err != nil {
			return directory.NullID, 0, err
		}
		if newChildID == curChild {
			return root, oldSize, nil
		}
		if info.RefCount == 1 && in.Version == ver && in.HasBranch(b) {
			if err := e.overwriteInnerChild(root, in, b, newChildID); err != nil {
				return directory.NullID, 0, err
			}
			// The node's reference to the replaced child is consumed here;
			// the new child id carries its own fresh reference.
			if err := e.release(curChild); err != nil {
				return directory.NullID, 0, err
			}
			return root, oldSize, nil
		}
		clone := e.cloneInner(in, ver)
		if err := e.retain(clone, b, true); err != nil {
			return directory.NullID, 0, err
		}
		clone.SetChild(b, newChildID)
		newRoot, err := e.allocInner(clone)
		if err != nil {
			return directory.NullID, 0, err
		}
		return newRoot, oldSize, nil
	}

	// The edge and k diverge inside the edge: split.
	leafBID, err := e.allocLeaf(&Leaf{Key: k[cpre+1:], Value: append([]byte{}, value...)})
	if err != nil {
		return directory.NullID, 0, err
	}
	sub := &Inner{Edge: append(common.Key6{}, in.Edge[cpre+1:]...), Branches: in.Branches,
		Children: append([]directory.ObjectID{}, in.Children...), Value: in.Value, Version: ver}
	if err := e.retain(sub, -1, true); err != nil {
		return directory.NullID, 0, err
	}
	subID, err := e.allocInner(sub)
	if err != nil {
		return directory.NullID, 0, err
	}
	top := &Inner{Edge: append(common.Key6{}, in.Edge[:cpre]...), Version: ver}
	top.SetChild(int(in.Edge[cpre]), subID)
	top.SetChild(int(k[cpre]), leafBID)
	newRoot, err := e.allocInner(top)
	if err != nil {
		return directory.NullID, 0, err
	}
	return newRoot, -1, nil
}

// cloneInner returns a shallow in-memory copy of in suitable for mutation;
// the caller still owns bumping/releasing as appropriate.
func (e *Engine) cloneInner(in *Inner, ver uint64) *Inner {
	return &Inner{
		Edge:     append(common.Key6{}, in.Edge...),
		Branches: in.Branches,
		Children: append([]directory.ObjectID{}, in.Children...),
		Value:    in.Value,
		Version:  ver,
	}
}

// retain bumps every child of clone except skipBranch (pass -1 to skip
// none), and the value slot when keepValue is set. It is called on behalf
// of a newly created clone that carries those ids forward unmodified - the
// clone is itself a new referrer, whether or not the node it was cloned
// from survives the matching release() of its own reference.
func (e *Engine) retain(clone *Inner, skipBranch int, keepValue bool) error {
	for b := 0; b < 64; b++ {
		if b == skipBranch || !clone.HasBranch(b) {
			continue
		}
		if err := e.bump(clone.ChildAt(b)); err != nil {
			return err
		}
	}
	if keepValue && clone.Value != directory.NullID {
		return e.bump(clone.Value)
	}
	return nil
}

// overwriteLeafValue rewrites the trailing value bytes of a leaf in place.
// The new value must have the same length as the stored one. The move-lock
// is held for the duration of the write and the location re-resolved under
// it, so a concurrent relocation cannot strand the write in a retired copy.
func (e *Engine) overwriteLeafValue(id directory.ObjectID, value []byte) error {
	lock, err := e.Dir.SpinLock(id)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	info, err := e.Dir.Get(id)
	if err != nil {
		return err
	}
	payload := e.Alloc.Span(info.Loc)
	copy(payload[len(payload)-len(value):], value)
	return nil
}

func (e *Engine) overwriteInnerValue(id directory.ObjectID, in *Inner, newValue directory.ObjectID) error {
	lock, err := e.Dir.SpinLock(id)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	info, err := e.Dir.Get(id)
	if err != nil {
		return err
	}
	payload := e.Alloc.Span(info.Loc)
	off := innerValueOffset(in)
	binary.LittleEndian.PutUint64(payload[off:off+8], uint64(newValue))
	return nil
}

func (e *Engine) overwriteInnerChild(id directory.ObjectID, in *Inner, b int, newChild directory.ObjectID) error {
	lock, err := e.Dir.SpinLock(id)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	info, err := e.Dir.Get(id)
	if err != nil {
		return err
	}
	payload := e.Alloc.Span(info.Loc)
	idx := in.childIndex(b)
	off := innerChildrenOffset(in) + idx*8
	binary.LittleEndian.PutUint64(payload[off:off+8], uint64(newChild))
	return nil
}

func innerValueOffset(in *Inner) int {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(in.Edge)))
	return n + len(in.Edge) + 16
}

func innerChildrenOffset(in *Inner) int {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(in.Edge)))
	return n + len(in.Edge) + 24
}

// Fork clones the topmost node of base, admitting in-place mutation under
// the new writer version; children remain shared (and are bumped) and keep
// their own version tags. The caller keeps its reference to base.
func (e *Engine) Fork(base directory.ObjectID, ver uint64) (directory.ObjectID, error) {
	if base == directory.NullID {
		return directory.NullID, nil
	}
	info, err := e.Dir.Get(base)
	if err != nil {
		return directory.NullID, err
	}
	if info.Kind == directory.KindLeaf {
		leaf := DecodeLeaf(e.Alloc.Span(info.Loc))
		return e.allocLeaf(&Leaf{Key: append(common.Key6{}, leaf.Key...), Value: append([]byte{}, leaf.Value...)})
	}
	in := DecodeInner(e.Alloc.Span(info.Loc))
	clone := e.cloneInner(in, ver)
	if err := e.retain(clone, -1, true); err != nil {
		return directory.NullID, err
	}
	return e.allocInner(clone)
}

// Remove deletes key, returning the removed value's length (or -1 if the
// key was not present) plus the trie's new root id. When a new root is
// produced, the caller's reference to the old root is consumed.
func (e *Engine) Remove(root directory.ObjectID, key []byte, ver uint64) (newRoot directory.ObjectID, oldSize int, err error) {
	k := common.EncodeKey6(key)
	newRoot, oldSize, err = e.removeChild(root, k, ver)
	if err != nil {
		return directory.NullID, 0, err
	}
	if newRoot != root && root != directory.NullID {
		if err := e.release(root); err != nil {
			return directory.NullID, 0, err
		}
	}
	return newRoot, oldSize, nil
}

func (e *Engine) removeChild(root directory.ObjectID, k common.Key6, ver uint64) (directory.ObjectID, int, error) {
	if root == directory.NullID {
		return directory.NullID, -1, nil
	}
	info, err := e.Dir.Get(root)
	if err != nil {
		return directory.NullID, 0, err
	}

	if info.Kind == directory.KindLeaf {
		leaf := DecodeLeaf(e.Alloc.Span(info.Loc))
		if !bytes.Equal(leaf.Key, k) {
			return root, -1, nil
		}
		return directory.NullID, len(leaf.Value), nil
	}

	in := DecodeInner(e.Alloc.Span(info.Loc))
	if bytes.Equal(in.Edge, k) {
		if in.Value == directory.NullID {
			return root, -1, nil
		}
		oldLeaf := DecodeLeaf(e.Alloc.Span(mustLoc(e, in.Value)))
		oldSize := len(oldLeaf.Value)
		clone := e.cloneInner(in, ver)
		clone.Value = directory.NullID
		if err := e.retain(clone, -1, false); err != nil {
			return directory.NullID, 0, err
		}
		fused, err := e.fuseIfNeeded(clone, ver)
		if err != nil {
			return directory.NullID, 0, err
		}
		return fused, oldSize, nil
	}

	cpre := common.CommonPrefixLen(in.Edge, k)
	if cpre != len(in.Edge) {
		return root, -1, nil
	}
	b := int(k[cpre])
	curChild := in.ChildAt(b)
	if curChild == directory.NullID {
		return root, -1, nil
	}
	newChild, oldSize, err := e.removeChild(curChild, k[cpre+1:], ver)
	if err != nil {
		return directory.NullID, 0, err
	}
	if newChild == curChild {
		return root, oldSize, nil
	}

	clone := e.cloneInner(in, ver)
	if err := e.retain(clone, b, true); err != nil {
		return directory.NullID, 0, err
	}
	if newChild == directory.NullID {
		clone.ClearChild(b)
	} else {
		clone.SetChild(b, newChild)
	}
	fused, err := e.fuseIfNeeded(clone, ver)
	if err != nil {
		return directory.NullID, 0, err
	}
	return fused, oldSize, nil
}

// fuseIfNeeded enforces the "≥2 populated slots unless root" invariant: an
// inner node left with exactly one populated slot collapses into its
// remaining child, concatenating edge labels (plus the lifting nibble).
// Callers are responsible for publishing (allocating) whatever this
// returns; a node with 0 or >=2 slots is allocated as-is.
func (e *Engine) fuseIfNeeded(clone *Inner, ver uint64) (directory.ObjectID, error) {
	switch clone.PopulatedSlots() {
	case 0:
		return directory.NullID, nil
	case 1:
		if clone.Value != directory.NullID {
			leaf, _, err := e.loadLeaf(clone.Value)
			if err != nil {
				return directory.NullID, err
			}
			newLeaf := &Leaf{Key: append(common.Key6{}, clone.Edge...), Value: leaf.Value}
			newID, err := e.allocLeaf(newLeaf)
			if err != nil {
				return directory.NullID, err
			}
			if err := e.release(clone.Value); err != nil {
				return directory.NullID, err
			}
			return newID, nil
		}
		b := clone.LowerBoundBranch(0)
		child := clone.ChildAt(b)
		info, err := e.Dir.Get(child)
		if err != nil {
			return directory.NullID, err
		}
		lifted := append(append(common.Key6{}, clone.Edge...), byte(b))
		if info.Kind == directory.KindLeaf {
			leaf := DecodeLeaf(e.Alloc.Span(info.Loc))
			newLeaf := &Leaf{Key: append(lifted, leaf.Key...), Value: leaf.Value}
			newID, err := e.allocLeaf(newLeaf)
			if err != nil {
				return directory.NullID, err
			}
			if err := e.release(child); err != nil {
				return directory.NullID, err
			}
			return newID, nil
		}
		in := DecodeInner(e.Alloc.Span(info.Loc))
		newIn := &Inner{
			Edge:     append(lifted, in.Edge...),
			Branches: in.Branches,
			Children: append([]directory.ObjectID{}, in.Children...),
			Value:    in.Value,
			Version:  ver,
		}
		if err := e.retain(newIn, -1, true); err != nil {
			return directory.NullID, err
		}
		newID, err := e.allocInner(newIn)
		if err != nil {
			return directory.NullID, err
		}
		if err := e.release(child); err != nil {
			return directory.NullID, err
		}
		return newID, nil
	default:
		return e.allocInner(clone)
	}
}
