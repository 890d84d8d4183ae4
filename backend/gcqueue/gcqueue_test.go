// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package gcqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushRunsImmediatelyWithNoActiveSessions(t *testing.T) {
	q := New()
	ran := false
	q.Push(func() { ran = true })
	require.True(t, ran)
}

func TestPushDefersWhileSessionGuarded(t *testing.T) {
	q := New()
	s := q.NewSession()
	leave := s.Guard()

	ran := false
	q.Push(func() { ran = true })
	require.False(t, ran, "retirement must wait until the guarding session leaves")

	leave()
	q.Collect()
	require.True(t, ran)
}

func TestCloseTriggersFinalReclamation(t *testing.T) {
	q := New()
	s := q.NewSession()
	leave := s.Guard()

	ran := false
	q.Push(func() { ran = true })
	require.False(t, ran)

	leave()
	s.Close()
	require.True(t, ran)
}

func TestMultipleSessionsOldestGates(t *testing.T) {
	q := New()
	s1 := q.NewSession()
	s2 := q.NewSession()

	leave1 := s1.Guard()
	ran := false
	q.Push(func() { ran = true })

	leave2 := s2.Guard()
	leave2()
	q.Collect()
	require.False(t, ran, "s1 is still guarding an earlier epoch")

	leave1()
	q.Collect()
	require.True(t, ran)
}

func TestActiveGuardsTracksEnterLeave(t *testing.T) {
	q := New()
	require.EqualValues(t, 0, q.ActiveGuards())

	s := q.NewSession()
	leave := s.Guard()
	require.EqualValues(t, 1, q.ActiveGuards())

	leave()
	require.EqualValues(t, 0, q.ActiveGuards())
}
