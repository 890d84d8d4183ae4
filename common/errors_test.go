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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEngineErrorIsDiscriminatesByKind(t *testing.T) {
	err := NewError(Corruption, "trie.Get", fmt.Errorf("bad id"))
	require.True(t, errors.Is(err, KindError(Corruption)))
	require.False(t, errors.Is(err, KindError(IoError)))
}

func TestEngineErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(IoError, "region.Allocate", cause)
	require.ErrorIs(t, err, cause)
}

func TestEngineErrorWithoutCause(t *testing.T) {
	err := NewError(WouldBlock, "directory.TryLock", nil)
	require.Equal(t, "directory.TryLock: WouldBlock", err.Error())
}

func TestKindStrings(t *testing.T) {
	kinds := []Kind{IoError, Corruption, ResourceExhausted, GcInProgress, InvalidArgument, WouldBlock}
	for _, k := range kinds {
		require.NotEqual(t, "Unknown", k.String())
	}
	require.Equal(t, "Unknown", Kind(999).String())
}
