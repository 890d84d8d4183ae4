// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package trie implements a 64-ary radix trie whose nodes are shared across
// versions via reference-counted copy-on-write.
package trie

import (
	"encoding/binary"
	"math/bits"

	"github.com/0xsoniclabs/triedb/backend/directory"
	"github.com/0xsoniclabs/triedb/common"
)

// Leaf is a value node: a key suffix plus the mapped value, with no
// children.
type Leaf struct {
	Key   common.Key6
	Value []byte
}

// Inner is a branch node: an edge label, up to 64 children indexed by the
// next nibble, and an optional value for the exact key reaching the node.
type Inner struct {
	Edge     common.Key6
	Branches uint64 // bitmap of populated child slots
	Children []directory.ObjectID
	Value    directory.ObjectID // optional leaf holding the value for the exact key to this node
	Version  uint64             // writer-session counter at creation time
}

// NumBranches returns the number of populated child slots, not counting Value.
func (in *Inner) NumBranches() int { return bits.OnesCount64(in.Branches) }

// HasBranch reports whether branch b is populated.
func (in *Inner) HasBranch(b int) bool { return in.Branches&(uint64(1)<<uint(b)) != 0 }

// childIndex returns the position within Children for branch b. Callers
// must check HasBranch first.
func (in *Inner) childIndex(b int) int {
	return bits.OnesCount64(in.Branches & (uint64(1)<<uint(b) - 1))
}

// ChildAt returns the child id for branch b, or NullID if unset.
func (in *Inner) ChildAt(b int) directory.ObjectID {
	if !in.HasBranch(b) {
		return directory.NullID
	}
	return in.Children[in.childIndex(b)]
}

// SetChild sets (inserting or overwriting) the child for branch b.
func (in *Inner) SetChild(b int, id directory.ObjectID) {
	idx := in.childIndex(b)
	if in.HasBranch(b) {
		in.Children[idx] = id
		return
	}
	in.Children = append(in.Children, directory.NullID)
	copy(in.Children[idx+1:], in.Children[idx:])
	in.Children[idx] = id
	in.Branches |= uint64(1) << uint(b)
}

// ClearChild removes branch b entirely.
func (in *Inner) ClearChild(b int) {
	if !in.HasBranch(b) {
		return
	}
	idx := in.childIndex(b)
	in.Children = append(in.Children[:idx], in.Children[idx+1:]...)
	in.Branches &^= uint64(1) << uint(b)
}

// PopulatedSlots counts children plus a present Value. Every inner node
// except the root must keep at least 2 populated slots; Remove restores the
// invariant by fusing.
func (in *Inner) PopulatedSlots() int {
	n := in.NumBranches()
	if in.Value != directory.NullID {
		n++
	}
	return n
}

// LowerBoundBranch returns the smallest set branch index >= from, or -1.
func (in *Inner) LowerBoundBranch(from int) int {
	if from < 0 {
		from = 0
	}
	if from > 63 {
		return -1
	}
	masked := in.Branches &^ (uint64(1)<<uint(from) - 1)
	if masked == 0 {
		return -1
	}
	return bits.TrailingZeros64(masked)
}

// ReverseLowerBoundBranch returns the largest set branch index <= from, or -1.
func (in *Inner) ReverseLowerBoundBranch(from int) int {
	if from < 0 {
		return -1
	}
	if from > 63 {
		from = 63
	}
	masked := in.Branches & (uint64(1)<<uint(from+1) - 1)
	if masked == 0 {
		return -1
	}
	return 63 - bits.LeadingZeros64(masked)
}

// --- encoding -------------------------------------------------------------
//
// On-disk layout (little-endian):
//
// Leaf:  varint(keyLen) keyLen*1-byte-nibbles varint(valueLen) valueLen bytes
// Inner: varint(edgeLen) edgeLen*1-byte-nibbles
//        uint64 branches, uint64 version, uint64 value-id
//        popcount(branches) * uint64 child ids, ascending branch order

func putUvarint(dst []byte, v uint64) int { return binary.PutUvarint(dst, v) }

func EncodeLeaf(l *Leaf) []byte {
	buf := make([]byte, 0, 10+len(l.Key)+10+len(l.Value))
	var tmp [10]byte
	n := putUvarint(tmp[:], uint64(len(l.Key)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, l.Key...)
	n = putUvarint(tmp[:], uint64(len(l.Value)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, l.Value...)
	return buf
}

func DecodeLeaf(data []byte) *Leaf {
	keyLen, n := binary.Uvarint(data)
	data = data[n:]
	key := append(common.Key6{}, data[:keyLen]...)
	data = data[keyLen:]
	valLen, n2 := binary.Uvarint(data)
	data = data[n2:]
	val := append([]byte{}, data[:valLen]...)
	return &Leaf{Key: key, Value: val}
}

func EncodeInner(in *Inner) []byte {
	buf := make([]byte, 0, 10+len(in.Edge)+24+8*len(in.Children))
	var tmp [10]byte
	n := putUvarint(tmp[:], uint64(len(in.Edge)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, in.Edge...)

	var fixed [24]byte
	binary.LittleEndian.PutUint64(fixed[0:], in.Branches)
	binary.LittleEndian.PutUint64(fixed[8:], in.Version)
	binary.LittleEndian.PutUint64(fixed[16:], uint64(in.Value))
	buf = append(buf, fixed[:]...)

	var childBuf [8]byte
	for _, c := range in.Children {
		binary.LittleEndian.PutUint64(childBuf[:], uint64(c))
		buf = append(buf, childBuf[:]...)
	}
	return buf
}

func DecodeInner(data []byte) *Inner {
	edgeLen, n := binary.Uvarint(data)
	data = data[n:]
	edge := append(common.Key6{}, data[:edgeLen]...)
	data = data[edgeLen:]

	branches := binary.LittleEndian.Uint64(data[0:8])
	version := binary.LittleEndian.Uint64(data[8:16])
	value := directory.ObjectID(binary.LittleEndian.Uint64(data[16:24]))
	data = data[24:]

	numChildren := bits.OnesCount64(branches)
	children := make([]directory.ObjectID, numChildren)
	for i := 0; i < numChildren; i++ {
		children[i] = directory.ObjectID(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
	}
	return &Inner{Edge: edge, Branches: branches, Children: children, Value: value, Version: version}
}
