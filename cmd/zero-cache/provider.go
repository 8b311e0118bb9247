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

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/config"
	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/replicator"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/diag"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
)

// Set is used by Wire. It mirrors internal/source/logical.Set's shape:
// one Provide function per constructed dependency, fed into main's
// injector (see wire.go).
var Set = wire.NewSet(
	ProvideSchema,
	ProvideDatabase,
	ProvideVersion,
	ProvideCVRPool,
	ProvideCVRStore,
	ProvideReplicatorLoop,
	ProvideServer,
)

// ProvideSchema loads the replica file's schema section (spec.md §6's
// "replica file path").
func ProvideSchema(cfg *config.Config) (*store.Schema, error) {
	return store.LoadSchemaFile(cfg.ReplicaFile)
}

// ProvideDatabase constructs the in-memory row store C7 replicates
// into and C1/C2 read from.
func ProvideDatabase(schema *store.Schema) *store.Database {
	return store.NewDatabase(schema)
}

// ProvideVersion constructs the replica-version notify.Var every
// view-syncer actor watches for its idle-period wakeup (spec.md §8
// property 6).
func ProvideVersion() *notify.Var[hlc.Time] {
	return notify.VarOf(hlc.Time{})
}

// ProvideCVRPool opens the CVR database connection pool.
func ProvideCVRPool(ctx context.Context, cfg *config.Config) (*store.StagingPool, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.CVRConnStr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening CVR pool")
	}
	return &store.StagingPool{Pool: pool, PoolInfo: store.PoolInfo{ConnectionString: cfg.CVRConnStr, Product: store.ProductCockroachDB}},
		pool.Close, nil
}

// ProvideCVRStore constructs and migrates the durable CVR store.
func ProvideCVRStore(ctx context.Context, cfg *config.Config, pool *store.StagingPool) (*cvr.Store, error) {
	s := cvr.New(pool, cfg.ShardID)
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ProvideReplicatorLoop constructs C7's apply loop. No concrete
// ChangeSource ships in this module (internal/replicator/pgsource and
// mysource register only database/sql drivers; decoding a live
// upstream changefeed/binlog into replicator.ChangeTransaction is left
// unimplemented, see DESIGN.md), so this wires a replicator.Loop whose
// ChangeSource is passed in by newServer's caller; main passes
// unimplementedChangeSource.
func ProvideReplicatorLoop(
	db *store.Database, source replicator.ChangeSource, version *notify.Var[hlc.Time], cfg *config.Config,
) *replicator.Loop {
	return replicator.New(db, source, version, cfg.AutoReset)
}

// ProvideServer assembles the top-level Server.
func ProvideServer(
	ctx context.Context,
	cfg *config.Config,
	schema *store.Schema,
	db *store.Database,
	version *notify.Var[hlc.Time],
	cvrStore *cvr.Store,
	loop *replicator.Loop,
) *Server {
	diagnostics, _ := diag.New(ctx)
	return &Server{
		cfg:         cfg,
		schema:      schema,
		db:          db,
		version:     version,
		cvrStore:    cvrStore,
		loop:        loop,
		groups:      make(map[string]*groupState),
		diagnostics: diagnostics,
	}
}
