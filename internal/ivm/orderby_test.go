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

func TestOrderBySortsByDeclaredTerms(t *testing.T) {
	tbl := issueTable(t)
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "zeta")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(2, "alpha")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(3, "mu")}))

	o := ivm.NewOrderBy(ivm.NewSource(tbl), []ivm.Ordering{{Column: "status"}})
	rows := o.Fetch(nil)
	require.Len(t, rows, 3)
	require.Equal(t, "alpha", rows[0].Row.Get("status").Str)
	require.Equal(t, "mu", rows[1].Row.Get("status").Str)
	require.Equal(t, "zeta", rows[2].Row.Get("status").Str)
}

func TestOrderByDecomposesEditWhenSortKeyChanges(t *testing.T) {
	tbl := issueTable(t)
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "alpha")}))

	o := ivm.NewOrderBy(ivm.NewSource(tbl), []ivm.Ordering{{Column: "status"}})
	var got []ivm.Change
	o.OnChange(func(c ivm.Change) { got = append(got, c) })

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeEdit, Old: row(1, "alpha"), New: row(1, "zeta")}))
	require.Len(t, got, 2)
	require.Equal(t, ivm.Remove, got[0].Kind)
	require.Equal(t, ivm.Add, got[1].Kind)
}

func TestOrderByForwardsEditWhenSortKeyUnchanged(t *testing.T) {
	tbl := store.NewTable(&store.TableSpec{
		Name: "issue",
		Columns: []store.ColSpec{
			{Name: "id", Kind: store.KindInt64},
			{Name: "status", Kind: store.KindString},
			{Name: "note", Kind: store.KindString},
		},
		PrimaryKey: []string{"id"},
	})
	mkRow := func(id int64, status, note string) store.Row {
		return store.Row{Cols: map[string]store.Value{
			"id":     store.IntValue(id),
			"status": store.StringValue(status),
			"note":   store.StringValue(note),
		}}
	}
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: mkRow(1, "open", "first")}))

	o := ivm.NewOrderBy(ivm.NewSource(tbl), []ivm.Ordering{{Column: "status"}})
	var got []ivm.Change
	o.OnChange(func(c ivm.Change) { got = append(got, c) })

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeEdit, Old: mkRow(1, "open", "first"), New: mkRow(1, "open", "second")}))
	require.Len(t, got, 1)
	require.Equal(t, ivm.Edit, got[0].Kind)
}

func TestStartSkipsPrecedingRows(t *testing.T) {
	tbl := issueTable(t)
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "open")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(2, "open")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(3, "open")}))

	src := ivm.NewSource(tbl)
	start := ivm.NewStart(src, map[string]store.Value{"id": store.IntValue(2)}, false)
	rows := start.Fetch(nil)
	require.Len(t, rows, 1)
	require.Equal(t, int64(3), rows[0].Row.Get("id").Int)

	startInclusive := ivm.NewStart(src, map[string]store.Value{"id": store.IntValue(2)}, true)
	rows = startInclusive.Fetch(nil)
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rows[0].Row.Get("id").Int)
}
