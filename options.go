// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package triedb

import "log"

const defaultLowMemoryThreshold = 64 * 1024 * 1024

// Options configures Open. It is a plain value struct; the engine itself
// takes no flag or environment dependency.
type Options struct {
	// RegionSize is the initial payload size, in bytes, of the region file
	// created on first open, rounded up to a page multiple. Zero selects
	// the region allocator's own default. Ignored when the region file
	// already exists.
	RegionSize uint64

	// ReadOnly opens both backing files for read access only; write
	// sessions are refused and the background evacuator is not started.
	ReadOnly bool

	// AllowGCRecovery permits opening for write while the durable
	// gc-running flag is set, in which case Open replays the mark-and-sweep
	// pass from the published root revision before returning. Without it,
	// Open fails with GcInProgress.
	AllowGCRecovery bool

	// LowMemoryThreshold is the free-memory floor, in bytes, below which
	// EnsureFreeSpace reports ResourceExhausted. Zero selects a 64 MiB
	// default.
	LowMemoryThreshold uint64

	// Logger receives recovery and evacuator diagnostics. Nil selects
	// log.Default().
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.LowMemoryThreshold == 0 {
		o.LowMemoryThreshold = defaultLowMemoryThreshold
	}
	return o
}
