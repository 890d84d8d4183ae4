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

func TestEncodeDecodeKey6RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0x00},
		{0xff},
		[]byte("apple"),
		[]byte("abcXYZ012"),
	}
	for _, c := range cases {
		k6 := EncodeKey6(c)
		require.Equal(t, len(c)*2, len(k6))
		got := DecodeKey6(k6, len(c))
		require.Equal(t, c, got)
	}
}

func TestEncodeKey6IsPrefixPreserving(t *testing.T) {
	a := EncodeKey6([]byte("ab"))
	b := EncodeKey6([]byte("abc"))
	require.Equal(t, a, b[:len(a)])
}

func TestEncodeKey6NibblesInRange(t *testing.T) {
	k6 := EncodeKey6([]byte{0xff, 0x00, 0xaa})
	for _, n := range k6 {
		require.Less(t, int(n), 64)
	}
}

func TestCommonPrefixLen(t *testing.T) {
	require.Equal(t, 0, CommonPrefixLen(Key6{}, Key6{1, 2, 3}))
	require.Equal(t, 2, CommonPrefixLen(Key6{1, 2, 3}, Key6{1, 2, 9}))
	require.Equal(t, 3, CommonPrefixLen(Key6{1, 2, 3}, Key6{1, 2, 3}))
	require.Equal(t, 2, CommonPrefixLen(Key6{1, 2}, Key6{1, 2, 3}))
}
