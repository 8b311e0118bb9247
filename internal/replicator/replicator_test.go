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

package replicator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/replicator"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

func testSchema(t *testing.T) *store.Schema {
	t.Helper()
	schema := store.NewSchema()
	require.NoError(t, schema.AddTable(store.TableSpec{
		Name:       "item",
		Columns:    []store.ColSpec{{Name: "id", Kind: store.KindString}, {Name: "price", Kind: store.KindInt64}},
		PrimaryKey: []string{"id"},
	}))
	return schema
}

type fakeSource struct {
	txns []replicator.ChangeTransaction
}

func (f *fakeSource) ReadInto(ctx context.Context, resumeFrom hlc.Time, ch chan<- replicator.ChangeTransaction) error {
	for _, txn := range f.txns {
		if !hlc.Less(resumeFrom, txn.Version) {
			continue
		}
		select {
		case ch <- txn:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func TestLoopAppliesTransactionsInOrder(t *testing.T) {
	db := store.NewDatabase(testSchema(t))
	version := notify.VarOf(hlc.Zero())

	src := &fakeSource{txns: []replicator.ChangeTransaction{
		{Version: hlc.New(1, 0), Mutations: []store.Mutation{
			{Table: "item", Kind: store.ChangeAdd, New: store.Row{Cols: map[string]store.Value{"id": store.StringValue("a"), "price": store.IntValue(10)}}},
		}},
		{Version: hlc.New(2, 0), Mutations: []store.Mutation{
			{Table: "item", Kind: store.ChangeAdd, New: store.Row{Cols: map[string]store.Value{"id": store.StringValue("b"), "price": store.IntValue(20)}}},
		}},
	}}

	loop := replicator.New(db, src, version, false)
	ctx := stopper.WithContext(context.Background())
	ctx.Go(func(ctx *stopper.Context) error { return loop.Run(ctx) })

	require.Eventually(t, func() bool { return db.Table("item").Len() == 2 }, time.Second, time.Millisecond)

	got, _ := version.Get()
	require.Equal(t, hlc.New(2, 0), got)

	ctx.Stop(time.Second)
	require.NoError(t, ctx.Wait())
}

func TestLoopHaltsOnSchemaDrift(t *testing.T) {
	db := store.NewDatabase(testSchema(t))
	version := notify.VarOf(hlc.Zero())

	src := &fakeSource{txns: []replicator.ChangeTransaction{
		{Version: hlc.New(1, 0), Mutations: []store.Mutation{
			{Table: "no_such_table", Kind: store.ChangeAdd, New: store.Row{}},
		}},
	}}

	loop := replicator.New(db, src, version, false)
	ctx := stopper.WithContext(context.Background())
	ctx.Go(func(ctx *stopper.Context) error { return loop.Run(ctx) })

	err := ctx.Wait()
	require.ErrorIs(t, err, replicator.ErrReplicaResetRequired)
}
