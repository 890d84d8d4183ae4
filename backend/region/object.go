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
	"encoding/binary"

	"github.com/0xsoniclabs/triedb/backend/directory"
)

// Every object is preceded by a single little-endian 8-byte header word: a
// 24-bit payload size and a 40-bit object-id back-pointer, followed
// immediately by the payload rounded up to 8 bytes. id 0 (filler) is used
// with any size to mark space the allocator skipped over when an object
// didn't fit in the remainder of the current region.
const headerWordSize = 8

const maxPayloadSize = 1<<24 - 1

func packObjectHeader(size uint32, id directory.ObjectID) uint64 {
	return uint64(id)<<24 | uint64(size&maxPayloadSize)
}

func unpackObjectHeader(v uint64) (size uint32, id directory.ObjectID) {
	return uint32(v & maxPayloadSize), directory.ObjectID(v >> 24)
}

// readObjectHeader reads the header word at byte offset off in data.
func readObjectHeader(data []byte, off uint64) (size uint32, id directory.ObjectID) {
	return unpackObjectHeader(binary.LittleEndian.Uint64(data[off : off+headerWordSize]))
}

func writeObjectHeader(data []byte, off uint64, size uint32, id directory.ObjectID) {
	binary.LittleEndian.PutUint64(data[off:off+headerWordSize], packObjectHeader(size, id))
}

// allocSize is the total number of bytes (header + payload, payload rounded
// up to 8 bytes) an object of the given payload size consumes.
func allocSize(size uint32) uint64 {
	return uint64((size+7)&^7) + headerWordSize
}
