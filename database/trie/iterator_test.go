// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package trie

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xsoniclabs/triedb/backend/directory"
)

func buildTestTrie(t *testing.T, e *Engine, kv map[string]string) directory.ObjectID {
	t.Helper()
	root := directory.NullID
	for k, v := range kv {
		var err error
		root, _, err = e.Upsert(root, []byte(k), []byte(v), 1)
		require.NoError(t, err)
	}
	return root
}

func collectForward(t *testing.T, it *Iterator) []string {
	t.Helper()
	var out []string
	for it.Valid() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
		require.NoError(t, it.Next())
	}
	return out
}

func TestFirstLastOnEmptyTrie(t *testing.T) {
	e := newTestEngine(t)
	it, err := e.First(directory.NullID)
	require.NoError(t, err)
	require.False(t, it.Valid())

	it, err = e.Last(directory.NullID)
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestForwardIterationIsSortedByKey(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{
		"banana": "b", "apple": "a", "cherry": "c", "app": "d",
	})

	it, err := e.First(root)
	require.NoError(t, err)
	require.True(t, it.Valid())

	got := collectForward(t, it)
	require.Equal(t, []string{"app=d", "apple=a", "banana=b", "cherry=c"}, got)
}

func TestIterationOrderIndependentOfInsertionOrder(t *testing.T) {
	e := newTestEngine(t)
	kv := map[string]string{"d": "4", "a": "1", "cc": "3", "b": "2", "ca": "5"}
	orders := [][]string{
		{"a", "b", "ca", "cc", "d"},
		{"d", "cc", "ca", "b", "a"},
		{"ca", "a", "d", "b", "cc"},
	}

	var want []string
	for _, order := range orders {
		root := directory.NullID
		for _, k := range order {
			var err error
			root, _, err = e.Upsert(root, []byte(k), []byte(kv[k]), 1)
			require.NoError(t, err)
		}
		it, err := e.First(root)
		require.NoError(t, err)
		got := collectForward(t, it)
		if want == nil {
			want = got
			require.Equal(t, []string{"a=1", "b=2", "ca=5", "cc=3", "d=4"}, got)
		} else {
			require.Equal(t, want, got)
		}
	}
}

func TestLastPositionsAtGreatestKey(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{"a": "1", "b": "2", "c": "3"})

	it, err := e.Last(root)
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), it.Key())

	require.NoError(t, it.Prev())
	require.True(t, it.Valid())
	require.Equal(t, []byte("b"), it.Key())

	require.NoError(t, it.Prev())
	require.True(t, it.Valid())
	require.Equal(t, []byte("a"), it.Key())

	require.NoError(t, it.Prev())
	require.False(t, it.Valid())
}

func TestLowerBoundFindsSuccessorWhenKeyAbsent(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{"apple": "1", "banana": "2", "cherry": "3"})

	it, err := e.LowerBound(root, []byte("azzz"))
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, []byte("banana"), it.Key())

	it, err = e.LowerBound(root, []byte("zzz"))
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestFindExactMatchVsAbsent(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{"apple": "1", "banana": "2"})

	it, err := e.Find(root, []byte("apple"))
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, []byte("1"), it.Value())

	it, err = e.Find(root, []byte("appl"))
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestLastWithPrefixScansOnlyMatchingKeys(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{
		"app": "1", "apple": "2", "applesauce": "3", "banana": "4",
	})

	it, err := e.LastWithPrefix(root, []byte("app"))
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, []byte("applesauce"), it.Key())

	it, err = e.LastWithPrefix(root, []byte("ora"))
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestNextAndPrevAreInverses(t *testing.T) {
	e := newTestEngine(t)
	root := buildTestTrie(t, e, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})

	it, err := e.Find(root, []byte("b"))
	require.NoError(t, err)
	require.True(t, it.Valid())

	require.NoError(t, it.Next())
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), it.Key())

	require.NoError(t, it.Prev())
	require.True(t, it.Valid())
	require.Equal(t, []byte("b"), it.Key())
}
