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

func TestMinMax(t *testing.T) {
	require.Equal(t, uint64(3), Min(uint64(3), uint64(7)))
	require.Equal(t, uint64(3), Min(uint64(7), uint64(3)))
	require.Equal(t, uint64(7), Max(uint64(3), uint64(7)))
	require.Equal(t, uint64(7), Max(uint64(7), uint64(3)))
	require.Equal(t, uint32(5), Min(uint32(5), uint32(5)))
}
