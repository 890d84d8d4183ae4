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

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// Runs a randomized workload publishing every tenth write, abandons the
// write session without closing it (the refcount leak a killed process
// leaves behind), reopens, and verifies the last published revision is
// fully readable before and after a mark-and-sweep pass cleans up the
// leak.
func TestPublishedRevisionSurvivesAbandonedSessionAndGC(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{})
	require.NoError(t, err)

	ws, err := db.StartWriteSession()
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(42, 7))
	live := map[string]string{}
	published := map[string]string{}

	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("key-%03d", r.IntN(150))
		if len(live) > 20 && r.IntN(10) == 0 {
			_, err := ws.Remove([]byte(k))
			require.NoError(t, err)
			delete(live, k)
		} else {
			v := fmt.Sprintf("val-%d", i)
			_, err := ws.Upsert([]byte(k), []byte(v))
			require.NoError(t, err)
			live[k] = v
		}
		if i%10 == 9 {
			require.NoError(t, ws.SetRootRevision(ws.Root()))
			published = map[string]string{}
			for k, v := range live {
				published[k] = v
			}
			// Fork so further mutations cannot touch the revision just
			// published in place.
			_, err := ws.Fork(0)
			require.NoError(t, err)
		}
	}

	// Abandon ws without Close: its working-root reference stays recorded
	// in the directory file, like the leak left by a killed process.
	require.NoError(t, db.Close())

	db2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer db2.Close()

	verify := func() {
		rs, err := db2.StartReadSession()
		require.NoError(t, err)
		defer rs.Close()

		for k, v := range published {
			got, ok, err := rs.Get([]byte(k))
			require.NoError(t, err)
			require.True(t, ok, k)
			require.Equal(t, v, string(got))
		}

		want := make([]string, 0, len(published))
		for k := range published {
			want = append(want, k)
		}
		sort.Strings(want)

		it, err := rs.First()
		require.NoError(t, err)
		var got []string
		for it.Valid() {
			got = append(got, string(it.Key()))
			require.NoError(t, it.Next())
		}
		require.Equal(t, want, got)
	}

	verify()

	// A mark-and-sweep pass reclaims everything the dead session kept
	// alive; the published revision and this session are the only holders.
	ws2, err := db2.StartWriteSession()
	require.NoError(t, err)
	require.NoError(t, ws2.StartCollectGarbage())
	require.NoError(t, ws2.RecursiveRetain(db2.GetRootRevision()))
	require.NoError(t, ws2.RecursiveRetain(ws2.Root()))
	require.NoError(t, ws2.EndCollectGarbage())
	require.NoError(t, ws2.Close())

	verify()

	s := db2.Stats()
	require.Greater(t, s.Directory.LiveIDs, uint64(0))
}
