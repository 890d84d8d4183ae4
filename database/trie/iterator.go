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
	"fmt"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/common"
)

// frame is one entry of the iterator's descent path: the inner node
// currently being visited and the slot the iterator is positioned at.
// branch == -1 means the inner's own value; 0..63 means a child branch whose
// target is either a leaf (terminal - no further frame) or another inner
// (a further frame is pushed on top of this one).
type frame struct {
	id     directory.ObjectID
	node   *Inner
	branch int
}

// Iterator walks a trie snapshot in ascending key order. It holds no lock
// and does no refcounting of its own; callers (the session layer) are
// responsible for pinning the root for the iterator's lifetime and for
// invalidating it across writes.
type Iterator struct {
	e      *Engine
	frames []frame
	leaf   *Leaf
	valid  bool
}

func newIterator(e *Engine) *Iterator {
	return &Iterator{e: e}
}

// Valid reports whether the iterator is currently positioned at a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current position's full key, decoded back to bytes.
func (it *Iterator) Key() []byte {
	k := it.key6()
	return common.DecodeKey6(k, len(k)/2)
}

// Value returns the current position's value bytes.
func (it *Iterator) Value() []byte { return it.leaf.Value }

func (it *Iterator) key6() common.Key6 {
	var out common.Key6
	for _, f := range it.frames {
		out = append(out, f.node.Edge...)
		if f.branch >= 0 {
			out = append(out, byte(f.branch))
		}
	}
	if it.leaf != nil {
		out = append(out, it.leaf.Key...)
	}
	return out
}

// First positions the iterator at the smallest key in root's subtree.
func (e *Engine) First(root directory.ObjectID) (*Iterator, error) {
	it := newIterator(e)
	if root == directory.NullID {
		return it, nil
	}
	if err := it.descendMin(root); err != nil {
		return nil, err
	}
	it.valid = true
	return it, nil
}

// Last positions the iterator at the greatest key in root's subtree.
func (e *Engine) Last(root directory.ObjectID) (*Iterator, error) {
	it := newIterator(e)
	if root == directory.NullID {
		return it, nil
	}
	if err := it.descendMax(root); err != nil {
		return nil, err
	}
	it.valid = true
	return it, nil
}

// LowerBound positions the iterator at the smallest key >= key, or leaves
// it invalid if no such key exists.
func (e *Engine) LowerBound(root directory.ObjectID, key []byte) (*Iterator, error) {
	it := newIterator(e)
	k := common.EncodeKey6(key)
	found, err := it.lowerBoundDescend(root, k)
	if err != nil {
		return nil, err
	}
	it.valid = found
	return it, nil
}

// Find positions the iterator exactly at key, or leaves it invalid if
// absent.
func (e *Engine) Find(root directory.ObjectID, key []byte) (*Iterator, error) {
	it, err := e.LowerBound(root, key)
	if err != nil {
		return nil, err
	}
	if it.valid && bytes.Equal(it.Key(), key) {
		return it, nil
	}
	it.valid = false
	return it, nil
}

// LastWithPrefix positions the iterator at the greatest key with the given
// prefix, or leaves it invalid if no key carries that prefix.
func (e *Engine) LastWithPrefix(root directory.ObjectID, prefix []byte) (*Iterator, error) {
	it := newIterator(e)
	p := common.EncodeKey6(prefix)
	found, err := it.lastWithPrefixDescend(root, p)
	if err != nil {
		return nil, err
	}
	it.valid = found
	return it, nil
}

// descendMin pushes frames descending to the leftmost (smallest-key)
// position within id's subtree. id may itself be a leaf, in which case no
// frame is pushed at all - this is the representation for a trie whose
// root is a bare leaf.
func (it *Iterator) descendMin(id directory.ObjectID) error {
	for {
		info, err := it.e.Dir.Get(id)
		if err != nil {
			return err
		}
		if info.Kind == directory.KindLeaf {
			it.leaf = DecodeLeaf(it.e.Alloc.Span(info.Loc))
			return nil
		}
		in := DecodeInner(it.e.Alloc.Span(info.Loc))
		if in.Value != directory.NullID {
			it.frames = append(it.frames, frame{id: id, node: in, branch: -1})
			it.leaf = DecodeLeaf(it.e.Alloc.Span(mustLoc(it.e, in.Value)))
			return nil
		}
		b := in.LowerBoundBranch(0)
		if b < 0 {
			return common.NewError(common.Corruption, "trie.Iterator",
				fmt.Errorf("inner node %d has no populated slots", id))
		}
		it.frames = append(it.frames, frame{id: id, node: in, branch: b})
		id = in.ChildAt(b)
	}
}

// descendMax pushes frames descending to the rightmost (greatest-key)
// position within id's subtree. The forward tie-break (value precedes any
// branch) means the rightmost position is always the highest branch when
// one exists, falling back to the value only when there are no branches.
func (it *Iterator) descendMax(id directory.ObjectID) error {
	for {
		info, err := it.e.Dir.Get(id)
		if err != nil {
			return err
		}
		if info.Kind == directory.KindLeaf {
			it.leaf = DecodeLeaf(it.e.Alloc.Span(info.Loc))
			return nil
		}
		in := DecodeInner(it.e.Alloc.Span(info.Loc))
		if b := in.ReverseLowerBoundBranch(63); b >= 0 {
			it.frames = append(it.frames, frame{id: id, node: in, branch: b})
			id = in.ChildAt(b)
			continue
		}
		if in.Value == directory.NullID {
			return common.NewError(common.Corruption, "trie.Iterator",
				fmt.Errorf("inner node %d has no populated slots", id))
		}
		it.frames = append(it.frames, frame{id: id, node: in, branch: -1})
		it.leaf = DecodeLeaf(it.e.Alloc.Span(mustLoc(it.e, in.Value)))
		return nil
	}
}

// lowerBoundDescend positions the iterator at the smallest key >= k:
// standard descent, falling through to the next in-order key when k exits
// the trie on the low side. It only mutates it.frames/it.leaf along the
// eventually successful path.
func (it *Iterator) lowerBoundDescend(id directory.ObjectID, k common.Key6) (bool, error) {
	if id == directory.NullID {
		return false, nil
	}
	info, err := it.e.Dir.Get(id)
	if err != nil {
		return false, err
	}
	if info.Kind == directory.KindLeaf {
		leaf := DecodeLeaf(it.e.Alloc.Span(info.Loc))
		if bytes.Compare(leaf.Key, k) >= 0 {
			it.leaf = leaf
			return true, nil
		}
		return false, nil
	}

	in := DecodeInner(it.e.Alloc.Span(info.Loc))
	cpre := common.CommonPrefixLen(in.Edge, k)

	switch {
	case cpre == len(k):
		// k is a prefix of (or equal to) the edge: every key in this
		// subtree, including the edge's own value, is >= k.
		return true, it.descendMin(id)

	case cpre == len(in.Edge):
		// The edge is a strict prefix of k: descend on the next nibble.
		b := int(k[cpre])
		rem := k[cpre+1:]
		if child := in.ChildAt(b); child != directory.NullID {
			it.frames = append(it.frames, frame{id: id, node: in, branch: b})
			found, err := it.lowerBoundDescend(child, rem)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
			it.frames = it.frames[:len(it.frames)-1]
		}
		nb := in.LowerBoundBranch(b + 1)
		if nb < 0 {
			return false, nil
		}
		it.frames = append(it.frames, frame{id: id, node: in, branch: nb})
		if err := it.descendMin(in.ChildAt(nb)); err != nil {
			return false, err
		}
		return true, nil

	case k[cpre] < in.Edge[cpre]:
		// k diverges below the edge: the whole subtree is > k.
		return true, it.descendMin(id)

	default:
		// k diverges above the edge: the whole subtree is < k.
		return false, nil
	}
}

// lastWithPrefixDescend positions the iterator at the greatest key carrying
// prefix p, descending along p and switching to a rightmost descent once p
// is consumed.
func (it *Iterator) lastWithPrefixDescend(id directory.ObjectID, p common.Key6) (bool, error) {
	if id == directory.NullID {
		return false, nil
	}
	info, err := it.e.Dir.Get(id)
	if err != nil {
		return false, err
	}
	if info.Kind == directory.KindLeaf {
		leaf := DecodeLeaf(it.e.Alloc.Span(info.Loc))
		if len(leaf.Key) >= len(p) && bytes.Equal(leaf.Key[:len(p)], p) {
			it.leaf = leaf
			return true, nil
		}
		return false, nil
	}

	in := DecodeInner(it.e.Alloc.Span(info.Loc))
	cpre := common.CommonPrefixLen(in.Edge, p)

	if cpre == len(p) {
		// p is consumed inside (or exactly at the end of) the edge: the
		// answer is the rightmost key anywhere below this node.
		return true, it.descendMax(id)
	}
	if cpre < len(in.Edge) {
		return false, nil // diverges before p is consumed: no match
	}

	b := int(p[cpre])
	child := in.ChildAt(b)
	if child == directory.NullID {
		return false, nil
	}
	it.frames = append(it.frames, frame{id: id, node: in, branch: b})
	found, err := it.lastWithPrefixDescend(child, p[cpre+1:])
	if err != nil {
		return false, err
	}
	if !found {
		it.frames = it.frames[:len(it.frames)-1]
	}
	return found, nil
}

// Next advances to the next key in ascending order via in.lower_bound(branch
// + 1), popping exhausted frames and repeating at the parent.
func (it *Iterator) Next() error {
	for len(it.frames) > 0 {
		top := &it.frames[len(it.frames)-1]
		var nb int
		if top.branch == -1 {
			nb = top.node.LowerBoundBranch(0)
		} else {
			nb = top.node.LowerBoundBranch(top.branch + 1)
		}
		if nb >= 0 {
			top.branch = nb
			it.valid = true
			return it.descendMin(top.node.ChildAt(nb))
		}
		it.frames = it.frames[:len(it.frames)-1]
	}
	it.valid = false
	it.leaf = nil
	return nil
}

// Prev retreats to the previous key in ascending order via
// in.reverse_lower_bound(branch - 1), with the forward tie-break ("value
// precedes any branch") inverted: a branch's predecessor within the same
// frame is either a lower branch or, failing that, the inner's own value.
func (it *Iterator) Prev() error {
	for len(it.frames) > 0 {
		top := &it.frames[len(it.frames)-1]
		if top.branch == -1 {
			it.frames = it.frames[:len(it.frames)-1]
			continue
		}
		if pb := top.node.ReverseLowerBoundBranch(top.branch - 1); pb >= 0 {
			top.branch = pb
			it.valid = true
			return it.descendMax(top.node.ChildAt(pb))
		}
		if top.node.Value != directory.NullID {
			top.branch = -1
			it.valid = true
			it.leaf = DecodeLeaf(it.e.Alloc.Span(mustLoc(it.e, top.node.Value)))
			return nil
		}
		it.frames = it.frames[:len(it.frames)-1]
	}
	it.valid = false
	it.leaf = nil
	return nil
}
