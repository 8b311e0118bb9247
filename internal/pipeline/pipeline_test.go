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

package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/ivm"
	"github.com/cockroachdb/zero-cache/internal/pipeline"
	"github.com/cockroachdb/zero-cache/internal/store"
)

func testSchemaAndTables(t *testing.T) (*store.Schema, map[string]*store.Table) {
	t.Helper()
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "author",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindInt64}, {Name: "name", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name: "post",
		Columns: []store.ColSpec{
			{Name: "id", Kind: store.KindInt64},
			{Name: "author_id", Kind: store.KindInt64},
			{Name: "title", Kind: store.KindString},
		},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddRelationship(store.Relationship{
		Name: "posts", SourceTable: "author", DestTable: "post",
		Cardinality: store.CardinalityMany,
		SourceCols:  []string{"id"}, DestCols: []string{"author_id"},
	}))

	tables := map[string]*store.Table{
		"author": store.NewTable(schema.Tables["author"]),
		"post":   store.NewTable(schema.Tables["post"]),
	}
	return schema, tables
}

func newBuilder(schema *store.Schema, tables map[string]*store.Table) *pipeline.Builder {
	return &pipeline.Builder{
		Schema: schema,
		Sources: func(table string) (ivm.Operator, error) {
			tbl, ok := tables[table]
			if !ok {
				return nil, errNoSuchTable(table)
			}
			return ivm.NewSource(tbl), nil
		},
		Storage: ivm.NewMemStorage(),
	}
}

type errNoSuchTable string

func (e errNoSuchTable) Error() string { return "pipeline_test: no such table " + string(e) }

func authorRow(id int64, name string) store.Row {
	return store.Row{Cols: map[string]store.Value{"id": store.IntValue(id), "name": store.StringValue(name)}}
}

func postRow(id, authorID int64, title string) store.Row {
	return store.Row{Cols: map[string]store.Value{
		"id":        store.IntValue(id),
		"author_id": store.IntValue(authorID),
		"title":     store.StringValue(title),
	}}
}

func TestBuildFilterAndRelated(t *testing.T) {
	schema, tables := testSchemaAndTables(t)
	require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(1, "ada")}))
	require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(2, "bea")}))
	require.NoError(t, tables["post"].Push(store.Change{Kind: store.ChangeAdd, New: postRow(10, 1, "hello")}))

	q := &ast.Query{
		Table: "author",
		Where: ast.Compare("name", ast.CmpEq, store.StringValue("ada")),
		Related: []ast.RelatedChild{
			{Name: "posts", Query: &ast.Query{Table: "post"}, ParentCols: []string{"id"}, ChildCols: []string{"author_id"}},
		},
	}

	b := newBuilder(schema, tables)
	root, err := b.Build(q)
	require.NoError(t, err)

	rows := root.Fetch(nil)
	require.Len(t, rows, 1)
	require.Equal(t, "ada", rows[0].Row.Get("name").Str)
	ref, ok := rows[0].Children["posts"]
	require.True(t, ok)
	require.Len(t, ref.Rows(), 1)
}

func TestBuildOrWithFanIn(t *testing.T) {
	schema, tables := testSchemaAndTables(t)
	require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(1, "ada")}))
	require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(2, "bea")}))
	require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(3, "cid")}))

	q := &ast.Query{
		Table: "author",
		Where: ast.Or(
			ast.Compare("name", ast.CmpEq, store.StringValue("ada")),
			ast.Compare("name", ast.CmpEq, store.StringValue("bea")),
		),
	}

	b := newBuilder(schema, tables)
	root, err := b.Build(q)
	require.NoError(t, err)
	require.Len(t, root.Fetch(nil), 2)
}

// TestBuildTwoHopJunctionChildRemove exercises spec.md §8 scenario S3:
// a two-hop relationship (issue -> issueLabel -> label) realized as a
// RelatedChild whose own Query attaches a further, non-hidden
// RelatedChild (spec.md §4.2.2/§4.2.3's "junction hop is never exposed
// to the client view tree"). Removing one junction row must surface as
// a child change scoped to that link alone, leaving the issue's other
// label untouched.
func TestBuildTwoHopJunctionChildRemove(t *testing.T) {
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "issue",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindInt64}},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "label",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name: "issueLabel",
		Columns: []store.ColSpec{
			{Name: "issueID", Kind: store.KindInt64},
			{Name: "labelID", Kind: store.KindString},
		},
		PrimaryKey: []string{"issueID", "labelID"},
	}))
	require.NoError(t, schema.AddRelationship(store.Relationship{
		Name: "issueLabel", SourceTable: "issue", DestTable: "issueLabel",
		Cardinality: store.CardinalityMany,
		SourceCols:  []string{"id"}, DestCols: []string{"issueID"},
	}))
	require.NoError(t, schema.AddRelationship(store.Relationship{
		Name: "labels", SourceTable: "issueLabel", DestTable: "label",
		Cardinality: store.CardinalityOne,
		SourceCols:  []string{"labelID"}, DestCols: []string{"id"},
	}))

	tables := map[string]*store.Table{
		"issue":      store.NewTable(schema.Tables["issue"]),
		"label":      store.NewTable(schema.Tables["label"]),
		"issueLabel": store.NewTable(schema.Tables["issueLabel"]),
	}
	issueLabelRow := func(issueID int64, labelID string) store.Row {
		return store.Row{Cols: map[string]store.Value{
			"issueID": store.IntValue(issueID),
			"labelID": store.StringValue(labelID),
		}}
	}
	labelRow := func(id string) store.Row {
		return store.Row{Cols: map[string]store.Value{"id": store.StringValue(id)}}
	}

	require.NoError(t, tables["issue"].Push(store.Change{Kind: store.ChangeAdd, New: store.Row{Cols: map[string]store.Value{"id": store.IntValue(1)}}}))
	require.NoError(t, tables["label"].Push(store.Change{Kind: store.ChangeAdd, New: labelRow("bug")}))
	require.NoError(t, tables["label"].Push(store.Change{Kind: store.ChangeAdd, New: labelRow("feat")}))
	bugLink := issueLabelRow(1, "bug")
	featLink := issueLabelRow(1, "feat")
	require.NoError(t, tables["issueLabel"].Push(store.Change{Kind: store.ChangeAdd, New: bugLink}))
	require.NoError(t, tables["issueLabel"].Push(store.Change{Kind: store.ChangeAdd, New: featLink}))

	b := newBuilder(schema, tables)
	q := &ast.Query{
		Table: "issue",
		Related: []ast.RelatedChild{
			{
				Name:   "issueLabel",
				Hidden: true,
				Query: &ast.Query{
					Table: "issueLabel",
					Related: []ast.RelatedChild{
						{Name: "labels", Query: &ast.Query{Table: "label"}, ParentCols: []string{"labelID"}, ChildCols: []string{"id"}},
					},
				},
				ParentCols: []string{"id"},
				ChildCols:  []string{"issueID"},
			},
		},
	}
	root, err := b.Build(q)
	require.NoError(t, err)

	var events []ivm.Change
	root.OnChange(func(c ivm.Change) { events = append(events, c) })

	rows := root.Fetch(nil)
	require.Len(t, rows, 1)
	junctionRef, ok := rows[0].Children["issueLabel"]
	require.True(t, ok)
	require.True(t, junctionRef.Hidden)
	junctionRows := junctionRef.Rows()
	require.Len(t, junctionRows, 2)

	labelIDsOf := func(rows []ivm.OutputRow) []string {
		var ids []string
		for _, jr := range rows {
			labelRef, ok := jr.Children["labels"]
			require.True(t, ok)
			for _, lr := range labelRef.Rows() {
				ids = append(ids, lr.Row.Get("id").Str)
			}
		}
		return ids
	}
	require.ElementsMatch(t, []string{"bug", "feat"}, labelIDsOf(junctionRows))

	require.NoError(t, tables["issueLabel"].Push(store.Change{Kind: store.ChangeRemove, Old: bugLink}))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, ivm.Child, last.Kind)
	require.Equal(t, "issueLabel", last.RelName)
	require.NotNil(t, last.Inner)
	require.Equal(t, ivm.Remove, last.Inner.Kind)

	junctionRows = root.Fetch(nil)[0].Children["issueLabel"].Rows()
	require.Len(t, junctionRows, 1, "only the bug link's junction row is gone")
	require.Equal(t, []string{"feat"}, labelIDsOf(junctionRows))
}

func TestBuildLimitAndOrderBy(t *testing.T) {
	schema, tables := testSchemaAndTables(t)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, tables["author"].Push(store.Change{Kind: store.ChangeAdd, New: authorRow(i, "n")}))
	}
	two := 2
	q := &ast.Query{
		Table:   "author",
		OrderBy: []ast.OrderTerm{{Column: "id", Desc: true}},
		Limit:   &two,
	}
	b := newBuilder(schema, tables)
	root, err := b.Build(q)
	require.NoError(t, err)
	rows := root.Fetch(nil)
	require.Len(t, rows, 2)
	require.Equal(t, int64(5), rows[0].Row.Get("id").Int)
	require.Equal(t, int64(4), rows[1].Row.Get("id").Int)
}
