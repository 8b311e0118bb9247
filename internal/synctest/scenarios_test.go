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

package synctest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/syncer"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

func addRow(table string, cols map[string]store.Value) store.Mutation {
	return store.Mutation{Table: table, Kind: store.ChangeAdd, New: store.Row{Cols: cols}}
}

func editRow(table string, old, newCols map[string]store.Value) store.Mutation {
	return store.Mutation{Table: table, Kind: store.ChangeEdit, Old: store.Row{Cols: old}, New: store.Row{Cols: newCols}}
}

func removeRow(table string, cols map[string]store.Value) store.Mutation {
	return store.Mutation{Table: table, Kind: store.ChangeRemove, Old: store.Row{Cols: cols}}
}

// TestScenarioS1SingleTableFilter implements spec.md §8 scenario S1:
// a plain WHERE filter, followed by an edit that moves a row outside
// the filtered set.
func TestScenarioS1SingleTableFilter(t *testing.T) {
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "item",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "price", Kind: store.KindInt64}},
		PrimaryKey: []string{"id"},
	}))

	h := New("s1", schema, permissions.Policy{})
	defer h.Stop()

	require.NoError(t, h.DB.ApplyBatch(hlc.New(1, 0), []store.Mutation{
		addRow("item", map[string]store.Value{"id": store.StringValue("a"), "price": store.IntValue(10)}),
		addRow("item", map[string]store.Value{"id": store.StringValue("b"), "price": store.IntValue(20)}),
		addRow("item", map[string]store.Value{"id": store.StringValue("c"), "price": store.IntValue(30)}),
	}))

	ctx := context.Background()
	require.NoError(t, h.Syncer.InitConnection(ctx, "client-1"))
	query := &ast.Query{Table: "item", Where: ast.Compare("price", ast.CmpGt, store.IntValue(15))}
	require.NoError(t, h.Syncer.ChangeDesiredQueries(ctx, "client-1", []syncer.QueryRequest{{AST: query}}, nil))

	pokes := h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes, 1)
	require.Len(t, pokes[0].Patches, 2, "expected b and c to pass the filter")
	require.True(t, pokes[0].Complete)

	// Edit b's price below the filter threshold; expect a remove.
	require.NoError(t, h.DB.ApplyBatch(hlc.New(2, 0),
		[]store.Mutation{editRow("item",
			map[string]store.Value{"id": store.StringValue("b"), "price": store.IntValue(20)},
			map[string]store.Value{"id": store.StringValue("b"), "price": store.IntValue(12)})}))

	pokes = h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes, 1)
	require.Len(t, pokes[0].Patches, 1)
	require.Equal(t, syncer.PatchRemove, pokes[0].Patches[0].Op)
	require.Equal(t, store.Key("b"), pokes[0].Patches[0].Key)
}

// TestScenarioS2OneHopRelationship implements spec.md §8 scenario S2:
// a one-hop RELATED child, whose edit surfaces as a parent-row edit
// (internal/syncer's documented root-table-granularity diffing).
func TestScenarioS2OneHopRelationship(t *testing.T) {
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "issue",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "ownerId", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "user",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "name", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}))
	require.NoError(t, schema.AddRelationship(store.Relationship{
		Name: "owner", SourceTable: "issue", DestTable: "user",
		Cardinality: store.CardinalityOne,
		SourceCols:  []string{"ownerId"}, DestCols: []string{"id"},
	}))

	h := New("s2", schema, permissions.Policy{})
	defer h.Stop()

	require.NoError(t, h.DB.ApplyBatch(hlc.New(1, 0), []store.Mutation{
		addRow("issue", map[string]store.Value{"id": store.StringValue("i1"), "ownerId": store.StringValue("u1")}),
		addRow("user", map[string]store.Value{"id": store.StringValue("u1"), "name": store.StringValue("Alice")}),
	}))

	ctx := context.Background()
	require.NoError(t, h.Syncer.InitConnection(ctx, "client-1"))
	query := &ast.Query{Table: "issue", Related: []ast.RelatedChild{
		{Name: "owner", Query: &ast.Query{Table: "user"}, ParentCols: []string{"ownerId"}, ChildCols: []string{"id"}},
	}}
	require.NoError(t, h.Syncer.ChangeDesiredQueries(ctx, "client-1", []syncer.QueryRequest{{AST: query}}, nil))

	pokes := h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes[0].Patches, 1)
	row := pokes[0].Patches[0].Row
	require.Equal(t, "Alice", row.Relationships["owner"].Rows[0].Cols["name"].Str)

	require.NoError(t, h.DB.ApplyBatch(hlc.New(2, 0),
		[]store.Mutation{editRow("user",
			map[string]store.Value{"id": store.StringValue("u1"), "name": store.StringValue("Alice")},
			map[string]store.Value{"id": store.StringValue("u1"), "name": store.StringValue("Bob")})}))

	pokes = h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes[0].Patches, 1)
	require.Equal(t, syncer.PatchEdit, pokes[0].Patches[0].Op, "a child-only change surfaces as a parent-row edit")
	require.Equal(t, "Bob", pokes[0].Patches[0].Row.Relationships["owner"].Rows[0].Cols["name"].Str)
}

// TestScenarioS5LimitBoundary implements spec.md §8 scenario S5: a
// top-N window whose membership churns as rows are inserted and
// removed around the boundary.
func TestScenarioS5LimitBoundary(t *testing.T) {
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "item",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "price", Kind: store.KindInt64}},
		PrimaryKey: []string{"id"},
	}))

	h := New("s5", schema, permissions.Policy{})
	defer h.Stop()

	require.NoError(t, h.DB.ApplyBatch(hlc.New(1, 0), []store.Mutation{
		addRow("item", map[string]store.Value{"id": store.StringValue("a"), "price": store.IntValue(10)}),
		addRow("item", map[string]store.Value{"id": store.StringValue("b"), "price": store.IntValue(20)}),
		addRow("item", map[string]store.Value{"id": store.StringValue("c"), "price": store.IntValue(30)}),
	}))

	ctx := context.Background()
	require.NoError(t, h.Syncer.InitConnection(ctx, "client-1"))
	limit := 2
	query := &ast.Query{Table: "item", OrderBy: []ast.OrderTerm{{Column: "price"}}, Limit: &limit}
	require.NoError(t, h.Syncer.ChangeDesiredQueries(ctx, "client-1", []syncer.QueryRequest{{AST: query}}, nil))

	pokes := h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes[0].Patches, 2, "expected a and b within the limit window")

	require.NoError(t, h.DB.ApplyBatch(hlc.New(2, 0), []store.Mutation{
		addRow("item", map[string]store.Value{"id": store.StringValue("d"), "price": store.IntValue(5)}),
	}))
	pokes = h.WaitForPokes(1, 2*time.Second)
	ops := map[store.Key]syncer.PatchOp{}
	for _, p := range pokes[0].Patches {
		ops[p.Key] = p.Op
	}
	require.Equal(t, syncer.PatchAdd, ops["d"])
	require.Equal(t, syncer.PatchRemove, ops["b"])

	require.NoError(t, h.DB.ApplyBatch(hlc.New(3, 0), []store.Mutation{
		removeRow("item", map[string]store.Value{"id": store.StringValue("d"), "price": store.IntValue(5)}),
	}))
	pokes = h.WaitForPokes(1, 2*time.Second)
	ops = map[store.Key]syncer.PatchOp{}
	for _, p := range pokes[0].Patches {
		ops[p.Key] = p.Op
	}
	require.Equal(t, syncer.PatchRemove, ops["d"])
	require.Equal(t, syncer.PatchAdd, ops["b"],"b is restored once d vacates the window")
}

// TestScenarioS6PermissionFilter implements spec.md §8 scenario S6: a
// row-ownership policy that narrows a query per-client, re-evaluated
// on a reconnect-driven auth change (internal/syncer's rebuildAll).
func TestScenarioS6PermissionFilter(t *testing.T) {
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "issue",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "ownerId", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	}))

	policy := permissions.Policy{
		"issue": permissions.TablePolicy{
			permissions.ActionSelect: []permissions.Rule{
				{Name: "owner-only", Build: func(claims permissions.Claims) *ast.Expr {
					return ast.Compare("ownerId", ast.CmpEq, claims.Get("userId"))
				}},
			},
		},
	}

	h := New("s6", schema, policy)
	defer h.Stop()

	require.NoError(t, h.DB.ApplyBatch(hlc.New(1, 0), []store.Mutation{
		addRow("issue", map[string]store.Value{"id": store.StringValue("i1"), "ownerId": store.StringValue("u1")}),
		addRow("issue", map[string]store.Value{"id": store.StringValue("i2"), "ownerId": store.StringValue("u2")}),
	}))

	ctx := context.Background()
	require.NoError(t, h.Syncer.UpdateAuth(ctx, permissions.Claims{"userId": store.StringValue("u1")}))
	require.NoError(t, h.Syncer.InitConnection(ctx, "client-1"))
	require.NoError(t, h.Syncer.ChangeDesiredQueries(ctx, "client-1",
		[]syncer.QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))

	pokes := h.WaitForPokes(1, 2*time.Second)
	require.Len(t, pokes[0].Patches, 1)
	require.Equal(t, store.Key("i1"), pokes[0].Patches[0].Key)

	require.NoError(t, h.Syncer.UpdateAuth(ctx, permissions.Claims{"userId": store.StringValue("u2")}))
	pokes = h.WaitForPokes(1, 2*time.Second)
	var sawAdd, sawRemove bool
	for _, p := range pokes[0].Patches {
		switch {
		case p.Op == syncer.PatchAdd && p.Key == store.Key("i2"):
			sawAdd = true
		case p.Op == syncer.PatchRemove && p.Key == store.Key("i1"):
			sawRemove = true
		}
	}
	require.True(t, sawAdd, "rebuild under u2's auth should add i2")
	require.True(t, sawRemove, "rebuild under u2's auth should drop i1")
}
