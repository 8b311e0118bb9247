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

package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

type fakeSink struct {
	mu    sync.Mutex
	pokes []PokeMessage
}

func (f *fakeSink) Poke(m PokeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pokes = append(f.pokes, m)
	return nil
}

func (f *fakeSink) drain() []PokeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pokes
	f.pokes = nil
	return out
}

func issueSchema() *store.Schema {
	schema := store.NewSchema()
	_ = schema.AddTable(store.TableSpec{
		Name:       "issue",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "title", Kind: store.KindString}},
		PrimaryKey: []string{"id"},
	})
	return schema
}

func newTestSyncer(t *testing.T, schema *store.Schema, db *store.Database, sink Sink) (*Syncer, *stopper.Context) {
	t.Helper()
	version := notify.VarOf(hlc.New(1, 0))
	s := New("group-1", schema, db, newFakeCVRStore(), permissions.Policy{}, sink, version, 50*time.Millisecond)
	sctx := stopper.WithContext(context.Background())
	sctx.Go(func(ctx *stopper.Context) error { return s.Run(ctx) })
	t.Cleanup(func() {
		sctx.Stop(time.Second)
	})
	return s, sctx
}

func waitForPokes(t *testing.T, sink *fakeSink, min int) []PokeMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pokes := sink.drain(); len(pokes) >= min {
			return pokes
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d poke(s)", min)
	return nil
}

func TestSyncerHydratesExistingRowsOnSubscribe(t *testing.T) {
	schema := issueSchema()
	db := store.NewDatabase(schema)
	require.NoError(t, db.ApplyBatch(hlc.New(1, 0), []store.Mutation{
		{Table: "issue", Kind: store.ChangeAdd, New: store.Row{Cols: map[string]store.Value{
			"id": store.StringValue("i1"), "title": store.StringValue("hello"),
		}}},
	}))

	sink := &fakeSink{}
	s, _ := newTestSyncer(t, schema, db, sink)

	require.NoError(t, s.InitConnection(context.Background(), "client-1"))
	require.NoError(t, s.ChangeDesiredQueries(context.Background(), "client-1",
		[]QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))

	pokes := waitForPokes(t, sink, 1)
	require.Len(t, pokes[0].Patches, 1)
	require.Equal(t, PatchAdd, pokes[0].Patches[0].Op)
	require.True(t, pokes[0].Complete)

	diag, err := s.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, diag.Queries, 1)
	for _, state := range diag.Queries {
		require.Equal(t, StateComplete, state)
	}
}

func TestSyncerPropagatesLiveMutations(t *testing.T) {
	schema := issueSchema()
	db := store.NewDatabase(schema)

	sink := &fakeSink{}
	s, _ := newTestSyncer(t, schema, db, sink)

	require.NoError(t, s.InitConnection(context.Background(), "client-1"))
	require.NoError(t, s.ChangeDesiredQueries(context.Background(), "client-1",
		[]QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))
	waitForPokes(t, sink, 1) // initial empty hydration

	require.NoError(t, db.ApplyBatch(hlc.New(2, 0), []store.Mutation{
		{Table: "issue", Kind: store.ChangeAdd, New: store.Row{Cols: map[string]store.Value{
			"id": store.StringValue("i1"), "title": store.StringValue("hello"),
		}}},
	}))
	pokes := waitForPokes(t, sink, 1)
	require.Equal(t, PatchAdd, pokes[0].Patches[0].Op)

	require.NoError(t, db.ApplyBatch(hlc.New(3, 0), []store.Mutation{
		{Table: "issue", Kind: store.ChangeRemove, Old: store.Row{Cols: map[string]store.Value{
			"id": store.StringValue("i1"), "title": store.StringValue("hello"),
		}}},
	}))
	pokes = waitForPokes(t, sink, 1)
	require.Equal(t, PatchRemove, pokes[0].Patches[0].Op)
}

func TestSyncerSharesPipelineAcrossIdenticalQueries(t *testing.T) {
	schema := issueSchema()
	db := store.NewDatabase(schema)
	sink := &fakeSink{}
	s, _ := newTestSyncer(t, schema, db, sink)

	require.NoError(t, s.InitConnection(context.Background(), "c1"))
	require.NoError(t, s.InitConnection(context.Background(), "c2"))
	require.NoError(t, s.ChangeDesiredQueries(context.Background(), "c1",
		[]QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))
	require.NoError(t, s.ChangeDesiredQueries(context.Background(), "c2",
		[]QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))

	diag, err := s.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, diag.Queries, 1, "identical queries from two clients must share one hosted pipeline")
}

func TestSyncerDeletingLastClientIdlesThenPurgesQuery(t *testing.T) {
	schema := issueSchema()
	db := store.NewDatabase(schema)
	sink := &fakeSink{}
	s, _ := newTestSyncer(t, schema, db, sink)

	require.NoError(t, s.InitConnection(context.Background(), "c1"))
	require.NoError(t, s.ChangeDesiredQueries(context.Background(), "c1",
		[]QueryRequest{{AST: &ast.Query{Table: "issue"}}}, nil))
	waitForPokes(t, sink, 1)

	require.NoError(t, s.DeleteClients(context.Background(), []string{"c1"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag, err := s.Inspect(context.Background())
		require.NoError(t, err)
		if len(diag.Queries) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("query was never purged after its last client disconnected")
}
