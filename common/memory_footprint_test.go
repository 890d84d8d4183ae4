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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryFootprintTotal(t *testing.T) {
	root := NewMemoryFootprint(16)
	root.AddChild("directory", NewMemoryFootprint(100).SetNote("(1024 slots)"))
	root.AddChild("region", NewMemoryFootprint(64))

	require.Equal(t, uintptr(16+100+64), root.Total())
	require.Contains(t, root.String(), "directory")
	require.Contains(t, root.String(), "(1024 slots)")
}
