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

func issueTable(t *testing.T) *store.Table {
	t.Helper()
	spec := &store.TableSpec{
		Name:       "issue",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindInt64}, {Name: "status", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}
	return store.NewTable(spec)
}

func row(id int64, status string) store.Row {
	return store.Row{Cols: map[string]store.Value{
		"id":     store.IntValue(id),
		"status": store.StringValue(status),
	}}
}

func openPred(status string) ivm.Predicate {
	return func(r store.Row) bool { return r.Get("status").Str == status }
}

func TestFilterPassesMatchingAdds(t *testing.T) {
	tbl := issueTable(t)
	src := ivm.NewSource(tbl)
	f := ivm.NewFilter(src, openPred("open"))

	var got []ivm.Change
	f.OnChange(func(c ivm.Change) { got = append(got, c) })

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "open")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(2, "closed")}))

	require.Len(t, got, 1)
	require.Equal(t, ivm.Add, got[0].Kind)
	require.Equal(t, "open", got[0].New.Row.Get("status").Str)
}

func TestFilterEditDecomposesAcrossBoundary(t *testing.T) {
	tbl := issueTable(t)
	src := ivm.NewSource(tbl)
	f := ivm.NewFilter(src, openPred("open"))

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "open")}))

	var got []ivm.Change
	f.OnChange(func(c ivm.Change) { got = append(got, c) })

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeEdit, Old: row(1, "open"), New: row(1, "closed")}))
	require.Len(t, got, 1)
	require.Equal(t, ivm.Remove, got[0].Kind)

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeEdit, Old: row(1, "closed"), New: row(1, "open")}))
	require.Len(t, got, 2)
	require.Equal(t, ivm.Add, got[1].Kind)

	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeEdit, Old: row(1, "open"), New: row(1, "open")}))
	require.Len(t, got, 3)
	require.Equal(t, ivm.Edit, got[2].Kind)
}

func TestFilterFetch(t *testing.T) {
	tbl := issueTable(t)
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(1, "open")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(2, "closed")}))
	require.NoError(t, tbl.Push(store.Change{Kind: store.ChangeAdd, New: row(3, "open")}))

	f := ivm.NewFilter(ivm.NewSource(tbl), openPred("open"))
	rows := f.Fetch(nil)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0].Row.Get("id").Int)
	require.Equal(t, int64(3), rows[1].Row.Get("id").Int)
}
