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
	"errors"

	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/faults"
	"github.com/cockroachdb/zero-cache/internal/view"
)

// onViewSnapshot is the view.Listener callback wired in addQuery. The
// view emits a fully re-materialized row array rather than discrete
// ivm.Change events on every upstream tick (see internal/view/view.go's
// doc comment), so this diffs the new snapshot against the query's
// cached lastRows at the root-row level to recover add/remove/edit
// semantics for both the outbound poke and the CVR delta (a documented
// root-table-granularity simplification: a change nested only inside a
// RELATED child still surfaces as an edit of its parent row, not as a
// separately addressable child patch).
//
// This callback runs on whatever goroutine the pipeline's upstream
// notifies on, not the actor's own loop goroutine, so it only ever
// enqueues a command rather than touching Syncer state directly.
func (s *Syncer) onViewSnapshot(hash string, snap view.Snapshot) {
	select {
	case s.cmds <- cmd{fn: func() error { return s.applyViewSnapshot(context.Background(), hash, snap) }, done: make(chan error, 1)}:
	case <-s.closed:
	}
}

func (s *Syncer) applyViewSnapshot(ctx context.Context, hash string, snap view.Snapshot) error {
	q, ok := s.queries[hash]
	if !ok {
		return nil
	}

	if snap.State == view.StateError {
		q.state = StateError
		q.cause = snap.Cause
		s.notifySink(q, nil, true, snap.Cause)
		return nil
	}

	next := make(map[store.Key]view.Row, len(snap.Rows))
	for _, r := range snap.Rows {
		next[r.Key] = r
	}

	var patches []Patch
	version := s.db.Version()
	delta := cvr.NewDelta()

	for key, row := range next {
		ref := cvr.RowRef{Table: q.request.Table, Key: string(key)}
		if old, existed := q.rows[key]; !existed {
			patches = append(patches, Patch{Op: PatchAdd, QueryHash: hash, Key: key, Row: row})
			delta.RowQueryAdd[ref] = []string{hash}
			delta.Versions[ref] = version
		} else if !rowsEqual(old, row) {
			patches = append(patches, Patch{Op: PatchEdit, QueryHash: hash, Key: key, Row: row})
			delta.Versions[ref] = version
		}
	}
	for key, row := range q.rows {
		if _, still := next[key]; !still {
			ref := cvr.RowRef{Table: q.request.Table, Key: string(key)}
			patches = append(patches, Patch{Op: PatchRemove, QueryHash: hash, Key: key, Row: row})
			delta.RowQueryRemove[ref] = []string{hash}
		}
	}
	q.rows = next

	if snap.State == view.StateComplete && q.state == StateHydrating {
		q.state = StateComplete
	}

	if len(delta.RowQueryAdd) > 0 || len(delta.RowQueryRemove) > 0 {
		if err := s.persistDelta(ctx, delta); err != nil {
			return err
		}
	}

	if len(patches) > 0 || (snap.State == view.StateComplete && q.state == StateComplete) {
		s.notifySink(q, patches, snap.State == view.StateComplete, nil)
	}
	return nil
}

// rowsEqual compares two materialized rows, columns and relationships
// both, so that a child-only change (a RELATED row added, removed, or
// edited with the parent's own columns untouched) still surfaces as an
// edit of the parent row.
func rowsEqual(a, b view.Row) bool {
	if len(a.Cols) != len(b.Cols) {
		return false
	}
	for k, av := range a.Cols {
		bv, ok := b.Cols[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return relationshipsEqual(a.Relationships, b.Relationships)
}

func relationshipsEqual(a, b map[string]view.Relationship) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ar := range a {
		br, ok := b[name]
		if !ok || ar.Singular != br.Singular || len(ar.Rows) != len(br.Rows) {
			return false
		}
		for i := range ar.Rows {
			if ar.Rows[i].Key != br.Rows[i].Key || !rowsEqual(ar.Rows[i], br.Rows[i]) {
				return false
			}
		}
	}
	return true
}

// notifySink fans the patch set out to every client currently desiring
// this query (spec.md §4.8 step 5: "Poke every subscribed client with
// its patch set").
func (s *Syncer) notifySink(q *queryEntry, patches []Patch, complete bool, cause error) {
	if s.sink == nil {
		return
	}
	var fault *faults.Fault
	if cause != nil {
		if !errors.As(cause, &fault) {
			fault = faults.Invariant("%v", cause)
		}
	}
	for clientID := range q.desiredBy {
		_ = s.sink.Poke(PokeMessage{ClientID: clientID, Patches: patches, Complete: complete, Error: fault})
		pokesTotal.WithLabelValues(q.hash).Inc()
	}
}
