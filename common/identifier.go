// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import "golang.org/x/exp/constraints"

// Identifier is the numeric constraint shared by every generic id type used
// across the backend packages (object ids, region indices, slot offsets).
type Identifier interface {
	constraints.Unsigned
}

// Min returns the smaller of a and b, for the unsigned id/offset/counter
// arithmetic shared by the directory and region allocator.
func Min[T Identifier](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Identifier](a, b T) T {
	if a > b {
		return a
	}
	return b
}
