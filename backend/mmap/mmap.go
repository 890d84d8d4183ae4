// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

// Package mmap wraps the raw mmap(2) calls shared by the ID directory and
// the region allocator: both are single memory-mapped files whose mapping
// must be grown (remapped) as the file is extended, while old mappings stay
// valid for any goroutine still holding a slice into them until the GC queue
// reclaims them.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map maps the first size bytes of file for shared read/write access. The
// file must already be at least size bytes long.
func Map(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

// Unmap releases a mapping obtained from Map.
func Unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Sync flushes dirty pages of a mapping to the backing file.
func Sync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Grow extends the file to newSize if it is currently smaller. The extension
// is sparse: no data blocks are written until the new range is touched.
func Grow(file *os.File, newSize int64) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= newSize {
		return nil
	}
	return file.Truncate(newSize)
}
