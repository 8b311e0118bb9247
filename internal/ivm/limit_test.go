// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package ivm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/ivm"
	"github.com/cockroachdb/zero-cache/internal/store"
)

func TestLimitKeepsFirstN(t *testing.T) {
	tbl := issueTable(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(i, "open")}))
	}

	l := ivm.NewLimit(ivm.NewSource(tbl), 3, ivm.NewMemStorage()())
	rows := l.Fetch(nil)
	require.Len(t, rows, 3)
	require.Equal(t, int64(1), rows[0].Row.Get("id").Int)
	require.Equal(t, int64(3), rows[2].Row.Get("id").Int)
}

func TestLimitPullsFromTailOnDelete(t *testing.T) {
	tbl := issueTable(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(i, "open")}))
	}

	l := ivm.NewLimit(ivm.NewSource(tbl), 3, ivm.NewMemStorage()())

	var got []ivm.Change
	l.OnChange(func(c ivm.Change) { got = append(got, c) })

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeRemove, Old: row(2, "open")}))

	require.Len(t, got, 2, "removing a windowed row both evicts it and admits the next tail row")
	kinds := map[ivm.ChangeKind]int{}
	for _, c := range got {
		kinds[c.Kind]++
	}
	require.Equal(t, 1, kinds[ivm.Remove])
	require.Equal(t, 1, kinds[ivm.Add])

	rows := l.Fetch(nil)
	require.Len(t, rows, 3)
	ids := []int64{rows[0].Row.Get("id").Int, rows[1].Row.Get("id").Int, rows[2].Row.Get("id").Int}
	require.Equal(t, []int64{1, 3, 4}, ids)
}

func TestLimitInsertionShiftsTailOut(t *testing.T) {
	tbl := issueTable(t)
	for i := int64(2); i <= 4; i++ {
		require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(i, "open")}))
	}

	l := ivm.NewLimit(ivm.NewSource(tbl), 3, ivm.NewMemStorage()())

	var got []ivm.Change
	l.OnChange(func(c ivm.Change) { got = append(got, c) })

	// Inserting id=1 shifts id=4 out of the window.
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "open")}))

	require.Len(t, got, 2)
	var sawAdd1, sawRemove4 bool
	for _, c := range got {
		switch c.Kind {
		case ivm.Add:
			if c.New.Row.Get("id").Int == 1 {
				sawAdd1 = true
			}
		case ivm.Remove:
			if c.Old.Row.Get("id").Int == 4 {
				sawRemove4 = true
			}
		}
	}
	require.True(t, sawAdd1)
	require.True(t, sawRemove4)
}
