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

package cvr

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// QueryRecord is one row of the CVR queries table: spec.md §4.9's
// `queries: {hash -> {ast, ttlMs, lastUse}}`. AST is the serialized
// form of an ast.Query plus any permission transform already folded
// in; this package treats it as opaque bytes.
type QueryRecord struct {
	Hash    string
	AST     []byte
	TTL     time.Duration
	LastUse time.Time
}

// RowRef identifies a replicated row by its owning table and primary
// key, independent of which query or queries currently reference it.
type RowRef struct {
	Table string
	Key   string
}

// Snapshot is the in-memory materialization of one client-group's CVR,
// loaded under the row lock acquired by Store.Begin (spec.md §4.9's
// per-clientGroupID record: "{clientGroupID, lastActive, queries,
// rows, desires}").
type Snapshot struct {
	ClientGroupID string
	LastActive    time.Time

	Queries map[string]QueryRecord
	Clients mapset.Set[string]

	// Desires maps a client ID to the set of query hashes it wants.
	Desires map[string]mapset.Set[string]

	// Rows maps a row to the set of query hashes currently covering
	// it.
	Rows map[RowRef]mapset.Set[string]

	// Versions records the replica version at which each row was
	// last written to the CVR (spec.md §8 property 6: "every row ...
	// version <= current replica version").
	Versions map[RowRef]hlc.Time
}

func newSnapshot(clientGroupID string, lastActive time.Time) *Snapshot {
	return &Snapshot{
		ClientGroupID: clientGroupID,
		LastActive:    lastActive,
		Queries:       make(map[string]QueryRecord),
		Clients:       mapset.NewThreadUnsafeSet[string](),
		Desires:       make(map[string]mapset.Set[string]),
		Rows:          make(map[RowRef]mapset.Set[string]),
		Versions:      make(map[RowRef]hlc.Time),
	}
}

// Covered reports whether ref is still referenced by at least one
// active query, the invariant spec.md §4.9 requires of every row in
// the CVR.
func (s *Snapshot) Covered(ref RowRef) bool {
	set, ok := s.Rows[ref]
	return ok && set.Cardinality() > 0
}

// Delta is the set of changes one view-syncer batch (spec.md §4.8
// steps 2-4) applies to a client-group's CVR as a single atomic
// transaction.
type Delta struct {
	PutQueries    []QueryRecord
	RemoveQueries []string

	AddClients    []string
	RemoveClients []string

	// AddDesires/RemoveDesires are keyed by client ID.
	AddDesires    map[string][]string
	RemoveDesires map[string][]string

	// RowQueryAdd/RowQueryRemove record that a query now does, or no
	// longer does, cover a row. Versions supplies the replica version
	// to stamp on rows newly covered.
	RowQueryAdd    map[RowRef][]string
	RowQueryRemove map[RowRef][]string
	Versions       map[RowRef]hlc.Time
}

// NewDelta returns an empty, ready-to-populate Delta.
func NewDelta() *Delta {
	return &Delta{
		AddDesires:     make(map[string][]string),
		RemoveDesires:  make(map[string][]string),
		RowQueryAdd:    make(map[RowRef][]string),
		RowQueryRemove: make(map[RowRef][]string),
		Versions:       make(map[RowRef]hlc.Time),
	}
}

// Apply merges d into snap in-memory: queries and clients, then
// desires, then row coverage last. A row whose coverage set becomes
// empty is dropped entirely, along with its stamped version, which is
// how Store.Handle.ApplyDelta decides which rowsVersion records to
// delete from the database in the same transaction.
func (d *Delta) Apply(snap *Snapshot) {
	for _, q := range d.PutQueries {
		snap.Queries[q.Hash] = q
	}
	for _, h := range d.RemoveQueries {
		delete(snap.Queries, h)
	}

	for _, c := range d.AddClients {
		snap.Clients.Add(c)
	}
	for _, c := range d.RemoveClients {
		snap.Clients.Remove(c)
		delete(snap.Desires, c)
	}

	for client, hashes := range d.AddDesires {
		set, ok := snap.Desires[client]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			snap.Desires[client] = set
		}
		for _, h := range hashes {
			set.Add(h)
		}
	}
	for client, hashes := range d.RemoveDesires {
		if set, ok := snap.Desires[client]; ok {
			for _, h := range hashes {
				set.Remove(h)
			}
		}
	}

	for ref, hashes := range d.RowQueryAdd {
		set, ok := snap.Rows[ref]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			snap.Rows[ref] = set
		}
		for _, h := range hashes {
			set.Add(h)
		}
		if v, ok := d.Versions[ref]; ok {
			snap.Versions[ref] = v
		}
	}
	for ref, hashes := range d.RowQueryRemove {
		set, ok := snap.Rows[ref]
		if !ok {
			continue
		}
		for _, h := range hashes {
			set.Remove(h)
		}
		if set.Cardinality() == 0 {
			delete(snap.Rows, ref)
			delete(snap.Versions, ref)
		}
	}
}
