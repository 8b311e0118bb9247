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

// Package cvr implements the durable CVR store (spec.md C9): the
// per-client-group record of query set, client set, row set, and row
// versions that the view-syncer (C8) persists after every batch.
// Grounded on the teacher's internal/source/cdc/resolver.go, which
// keeps its own small metadata table and issues hand-templated SQL
// against a types.StagingPool; this package generalizes that pattern
// to the six-table CVR schema of spec.md §4.9/§6.
package cvr

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// Store is the durable CVR store, backed by the CVR database pool
// (spec.md §6 "CVR DB URI").
type Store struct {
	pool   *store.StagingPool
	tables tableNames
}

// New constructs a Store against pool. shardID namespaces the CVR
// tables so that multiple replication shards can share one CVR
// database (spec.md §6 config surface's shardID), mirroring the way
// resolver.go scopes its metadata table per target schema.
func New(pool *store.StagingPool, shardID string) *Store {
	return &Store{pool: pool, tables: tableNamesFor(shardID)}
}

// EnsureSchema creates the CVR tables if they do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, tmpl := range []string{
		instancesSchema, clientsSchema, queriesSchema, desiresSchema, rowsSchema, rowsVersionSchema,
	} {
		name := map[string]string{
			instancesSchema:   s.tables.instances,
			clientsSchema:     s.tables.clients,
			queriesSchema:     s.tables.queries,
			desiresSchema:     s.tables.desires,
			rowsSchema:        s.tables.rows,
			rowsVersionSchema: s.tables.rowsVersion,
		}[tmpl]
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(tmpl, name)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Handle is a transaction-scoped, row-locked view of one client-group's
// CVR. It must be closed by exactly one of Commit or Rollback.
type Handle struct {
	store *Store
	tx    pgx.Tx
	snap  *Snapshot
}

// Begin locks (creating if absent) the instance row for clientGroupID
// and loads its full CVR snapshot. The row lock is held for the life
// of the returned Handle, serializing concurrent view-syncer instances
// for the same client-group (spec.md §5 "The CVR store serializes
// per-client-group writes via FOR UPDATE row locks").
func (s *Store) Begin(ctx context.Context, clientGroupID string) (*Handle, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var lastActive time.Time
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT last_active FROM %[1]s WHERE client_group_id=$1 FOR UPDATE`, s.tables.instances),
		clientGroupID,
	).Scan(&lastActive)
	switch {
	case err == nil:
		// Found and locked.
	case errors.Is(err, pgx.ErrNoRows):
		lastActive = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %[1]s (client_group_id, last_active) VALUES ($1, $2)`, s.tables.instances),
			clientGroupID, lastActive,
		); err != nil {
			_ = tx.Rollback(ctx)
			return nil, errors.WithStack(err)
		}
	default:
		_ = tx.Rollback(ctx)
		return nil, errors.WithStack(err)
	}

	snap := newSnapshot(clientGroupID, lastActive)
	if err := s.load(ctx, tx, snap); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	return &Handle{store: s, tx: tx, snap: snap}, nil
}

func (s *Store) load(ctx context.Context, tx pgx.Tx, snap *Snapshot) error {
	gid := snap.ClientGroupID

	qRows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT query_hash, ast, ttl_millis, last_use FROM %[1]s WHERE client_group_id=$1`, s.tables.queries),
		gid)
	if err != nil {
		return errors.WithStack(err)
	}
	for qRows.Next() {
		var q QueryRecord
		var ttlMillis int64
		if err := qRows.Scan(&q.Hash, &q.AST, &ttlMillis, &q.LastUse); err != nil {
			qRows.Close()
			return errors.WithStack(err)
		}
		q.TTL = time.Duration(ttlMillis) * time.Millisecond
		snap.Queries[q.Hash] = q
	}
	qRows.Close()
	if err := qRows.Err(); err != nil {
		return errors.WithStack(err)
	}

	cRows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT client_id FROM %[1]s WHERE client_group_id=$1`, s.tables.clients), gid)
	if err != nil {
		return errors.WithStack(err)
	}
	for cRows.Next() {
		var id string
		if err := cRows.Scan(&id); err != nil {
			cRows.Close()
			return errors.WithStack(err)
		}
		snap.Clients.Add(id)
	}
	cRows.Close()
	if err := cRows.Err(); err != nil {
		return errors.WithStack(err)
	}

	dRows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT client_id, query_hash FROM %[1]s WHERE client_group_id=$1`, s.tables.desires), gid)
	if err != nil {
		return errors.WithStack(err)
	}
	for dRows.Next() {
		var clientID, hash string
		if err := dRows.Scan(&clientID, &hash); err != nil {
			dRows.Close()
			return errors.WithStack(err)
		}
		set, ok := snap.Desires[clientID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			snap.Desires[clientID] = set
		}
		set.Add(hash)
	}
	dRows.Close()
	if err := dRows.Err(); err != nil {
		return errors.WithStack(err)
	}

	rRows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT table_name, row_key, query_hash FROM %[1]s WHERE client_group_id=$1`, s.tables.rows), gid)
	if err != nil {
		return errors.WithStack(err)
	}
	for rRows.Next() {
		var table, key, hash string
		if err := rRows.Scan(&table, &key, &hash); err != nil {
			rRows.Close()
			return errors.WithStack(err)
		}
		ref := RowRef{Table: table, Key: key}
		set, ok := snap.Rows[ref]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			snap.Rows[ref] = set
		}
		set.Add(hash)
	}
	rRows.Close()
	if err := rRows.Err(); err != nil {
		return errors.WithStack(err)
	}

	vRows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT table_name, row_key, version FROM %[1]s WHERE client_group_id=$1`, s.tables.rowsVersion), gid)
	if err != nil {
		return errors.WithStack(err)
	}
	for vRows.Next() {
		var table, key, versionRaw string
		if err := vRows.Scan(&table, &key, &versionRaw); err != nil {
			vRows.Close()
			return errors.WithStack(err)
		}
		v, err := hlc.Parse(versionRaw)
		if err != nil {
			vRows.Close()
			return errors.WithStack(err)
		}
		snap.Versions[RowRef{Table: table, Key: key}] = v
	}
	vRows.Close()
	return errors.WithStack(vRows.Err())
}

// Snapshot returns the handle's current in-memory CVR state. Callers
// must not mutate the returned value directly; go through ApplyDelta
// so that the database and the in-memory view never diverge.
func (h *Handle) Snapshot() *Snapshot { return h.snap }

// ApplyDelta persists delta within the transaction opened by Begin and
// immediately reflects it into Snapshot(), then advances last_active
// to now (spec.md §4.9: "lastActive moves monotonically"). It does not
// commit; call Commit once the view-syncer's whole batch (spec.md §4.8
// step 4: "Persist CVR delta atomically") is ready to land.
func (h *Handle) ApplyDelta(ctx context.Context, delta *Delta) error {
	t := h.store.tables
	gid := h.snap.ClientGroupID

	for _, q := range delta.PutQueries {
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`UPSERT INTO %[1]s (client_group_id, query_hash, ast, ttl_millis, last_use) VALUES ($1,$2,$3,$4,$5)`, t.queries),
			gid, q.Hash, q.AST, int64(q.TTL/time.Millisecond), q.LastUse,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, hash := range delta.RemoveQueries {
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND query_hash=$2`, t.queries),
			gid, hash,
		); err != nil {
			return errors.WithStack(err)
		}
	}

	for _, id := range delta.AddClients {
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`UPSERT INTO %[1]s (client_group_id, client_id) VALUES ($1,$2)`, t.clients),
			gid, id,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, id := range delta.RemoveClients {
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND client_id=$2`, t.clients),
			gid, id,
		); err != nil {
			return errors.WithStack(err)
		}
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND client_id=$2`, t.desires),
			gid, id,
		); err != nil {
			return errors.WithStack(err)
		}
	}

	for client, hashes := range delta.AddDesires {
		for _, hash := range hashes {
			if _, err := h.tx.Exec(ctx,
				fmt.Sprintf(`UPSERT INTO %[1]s (client_group_id, client_id, query_hash) VALUES ($1,$2,$3)`, t.desires),
				gid, client, hash,
			); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	for client, hashes := range delta.RemoveDesires {
		for _, hash := range hashes {
			if _, err := h.tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND client_id=$2 AND query_hash=$3`, t.desires),
				gid, client, hash,
			); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	for ref, hashes := range delta.RowQueryAdd {
		for _, hash := range hashes {
			if _, err := h.tx.Exec(ctx,
				fmt.Sprintf(`UPSERT INTO %[1]s (client_group_id, table_name, row_key, query_hash) VALUES ($1,$2,$3,$4)`, t.rows),
				gid, ref.Table, ref.Key, hash,
			); err != nil {
				return errors.WithStack(err)
			}
		}
		if v, ok := delta.Versions[ref]; ok {
			if _, err := h.tx.Exec(ctx,
				fmt.Sprintf(`UPSERT INTO %[1]s (client_group_id, table_name, row_key, version) VALUES ($1,$2,$3,$4)`, t.rowsVersion),
				gid, ref.Table, ref.Key, v.String(),
			); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	for ref, hashes := range delta.RowQueryRemove {
		for _, hash := range hashes {
			if _, err := h.tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND table_name=$2 AND row_key=$3 AND query_hash=$4`, t.rows),
				gid, ref.Table, ref.Key, hash,
			); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	delta.Apply(h.snap)

	// Any row left uncovered by delta.Apply must have its rowsVersion
	// record dropped in the same transaction (spec.md §4.9 invariant:
	// every CVR row is referenced by at least one active query).
	for ref, hashes := range delta.RowQueryRemove {
		if len(hashes) == 0 {
			continue
		}
		if h.snap.Covered(ref) {
			continue
		}
		if _, err := h.tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1 AND table_name=$2 AND row_key=$3`, t.rowsVersion),
			gid, ref.Table, ref.Key,
		); err != nil {
			return errors.WithStack(err)
		}
	}

	h.snap.LastActive = time.Now().UTC()
	if _, err := h.tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %[1]s SET last_active=$2 WHERE client_group_id=$1`, t.instances),
		gid, h.snap.LastActive,
	); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Commit finalizes the transaction, releasing the client-group's row
// lock.
func (h *Handle) Commit(ctx context.Context) error {
	return errors.WithStack(h.tx.Commit(ctx))
}

// Rollback aborts the transaction, releasing the client-group's row
// lock without persisting any ApplyDelta calls (spec.md §5
// "Cancellation ... In-flight CVR transactions either commit fully or
// roll back — no partial persistence").
func (h *Handle) Rollback(ctx context.Context) error {
	return errors.WithStack(h.tx.Rollback(ctx))
}
